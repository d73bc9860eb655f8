// Package roi defines the region-of-interest value type used to configure
// processing and the column-sum ("X profile") extraction over a ROI window.
//
// A ROI travels as a list of 0 or 4 integers: [offset_x, size_x, offset_y, size_y].
// The empty list disables whatever computation the ROI drives. FromSlice and
// UnmarshalJSON reject any other shape with an error wrapping ErrInvalid, so
// callers can keep their previous value on failure.
//
// Settings groups the signal and background ROIs into a single immutable
// value. The manager publishes a new Settings on every change and the worker
// reads it once per frame, so a frame never sees half of an update.
package roi

// Package background keeps a short rolling history of signal profiles taken on
// non-measurement pulses and exposes their element-wise mean as the reference
// the edge detector subtracts.
package background

import "gonum.org/v1/gonum/floats"

// DefaultCapacity is the number of profiles averaged when no capacity is configured.
const DefaultCapacity = 4

// Tracker is a bounded FIFO of profiles. It is not safe for concurrent use;
// the processing worker is its only writer and reader.
type Tracker struct {
	capacity int
	window   [][]float64 // oldest first
}

// New returns a Tracker holding at most capacity profiles.
// A non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{capacity: capacity, window: make([][]float64, 0, capacity)}
}

// Push appends a copy of profile, evicting the oldest entry once the window is
// full. A profile whose length differs from the held ones restarts the window,
// since the ROI it came from has changed shape.
func (t *Tracker) Push(profile []float64) {
	if len(t.window) > 0 && len(t.window[0]) != len(profile) {
		t.Reset()
	}
	if len(t.window) == t.capacity {
		copy(t.window, t.window[1:])
		t.window = t.window[:len(t.window)-1]
	}
	p := make([]float64, len(profile))
	copy(p, profile)
	t.window = append(t.window, p)
}

// Average returns the element-wise mean of the held profiles.
// ok is false when the window is empty.
func (t *Tracker) Average() (avg []float64, ok bool) {
	if len(t.window) == 0 {
		return nil, false
	}
	avg = make([]float64, len(t.window[0]))
	for _, p := range t.window {
		floats.Add(avg, p)
	}
	floats.Scale(1/float64(len(t.window)), avg)
	return avg, true
}

// Len returns the number of profiles currently held.
func (t *Tracker) Len() int { return len(t.window) }

// Capacity returns the maximum number of profiles held.
func (t *Tracker) Capacity() int { return t.capacity }

// Reset drops every held profile.
func (t *Tracker) Reset() { t.window = t.window[:0] }

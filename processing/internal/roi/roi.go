package roi

import (
	"encoding/json"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalid is wrapped by every ROI validation failure.
var ErrInvalid = errors.New("invalid roi")

// ROI is a rectangular window given by offset and size on both axes.
// The zero value is the empty ROI, which disables the computation that uses it.
type ROI struct {
	OffsetX int
	SizeX   int
	OffsetY int
	SizeY   int
}

// FromSlice builds a ROI from its list form [offset_x, size_x, offset_y, size_y].
// An empty list yields the empty ROI.
func FromSlice(v []int) (ROI, error) {
	if len(v) == 0 {
		return ROI{}, nil
	}
	if len(v) != 4 {
		return ROI{}, fmt.Errorf("%w: ROI must have exactly 4 elements, but %v was given", ErrInvalid, v)
	}
	r := ROI{OffsetX: v[0], SizeX: v[1], OffsetY: v[2], SizeY: v[3]}
	if err := r.check(); err != nil {
		return ROI{}, err
	}
	return r, nil
}

// Empty reports whether r is the disabled ROI.
func (r ROI) Empty() bool { return r == ROI{} }

// Validate returns nil for the empty ROI and for any well-formed window.
func (r ROI) Validate() error {
	if r.Empty() {
		return nil
	}
	return r.check()
}

func (r ROI) check() error {
	if r.OffsetX < 0 || r.OffsetY < 0 {
		return fmt.Errorf("%w: ROI offsets (first and third elements) must be positive, but %v was given",
			ErrInvalid, r.Slice())
	}
	if r.SizeX < 1 || r.SizeY < 1 {
		return fmt.Errorf("%w: ROI sizes (second and fourth elements) must be at least 1, but %v was given",
			ErrInvalid, r.Slice())
	}
	return nil
}

// Slice returns the list form of r. The empty ROI is an empty, non-nil slice.
func (r ROI) Slice() []int {
	if r.Empty() {
		return []int{}
	}
	return []int{r.OffsetX, r.SizeX, r.OffsetY, r.SizeY}
}

func (r ROI) String() string { return fmt.Sprint(r.Slice()) }

// MarshalJSON encodes r in its list form.
func (r ROI) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Slice())
}

// UnmarshalJSON decodes the list form. JSON null is read as the empty ROI.
func (r *ROI) UnmarshalJSON(data []byte) error {
	var v []int
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: ROI must be a list of integers: %v", ErrInvalid, err)
	}
	parsed, err := FromSlice(v)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Settings holds the two ROIs that drive processing of one frame.
// Values are immutable once published; replace the whole value to change one.
type Settings struct {
	Signal     ROI `json:"roi_signal"`
	Background ROI `json:"roi_background"`
}

// Parameters returns the JSON form recorded alongside every processed frame.
func (s Settings) Parameters() string {
	b, err := json.Marshal(s)
	if err != nil {
		// ROI marshalling cannot fail; keep the record well-formed regardless.
		return "{}"
	}
	return string(b)
}

// Profile returns the column sums of pixels inside r. Rows of pixels are the y
// axis. A window that reaches past the image edge is clipped to the image.
func Profile(pixels *mat.Dense, r ROI) []float64 {
	rows, cols := pixels.Dims()

	x0, x1 := clip(r.OffsetX, r.SizeX, cols)
	y0, y1 := clip(r.OffsetY, r.SizeY, rows)

	profile := make([]float64, x1-x0)
	if len(profile) == 0 {
		return profile
	}
	for y := y0; y < y1; y++ {
		floats.Add(profile, pixels.RawRowView(y)[x0:x1])
	}
	return profile
}

func clip(offset, size, limit int) (int, int) {
	lo, hi := offset, offset+size
	if lo > limit {
		lo = limit
	}
	if hi > limit {
		hi = limit
	}
	return lo, hi
}

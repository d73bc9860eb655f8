package edge

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
)

// Type selects the direction of the step the template matches.
type Type string

const (
	Rising  Type = "rising"
	Falling Type = "falling"
)

// Defaults used when the configuration leaves a field unset.
const (
	DefaultStepLength = 50
	DefaultType       = Falling
	DefaultRefinement = 4
)

var (
	// ErrInvalidParams is returned when Params fail validation.
	ErrInvalidParams = errors.New("edge: invalid parameters")

	// ErrProfileTooShort is returned when the profile cannot hold one full template.
	ErrProfileTooShort = errors.New("edge: profile shorter than step template")
)

// Params configures Find.
type Params struct {
	// StepLength is the template length in profile samples.
	StepLength int `yaml:"step_length"`
	// Type is rising or falling.
	Type Type `yaml:"type"`
	// Refinement is the resampling factor applied before correlating.
	Refinement int `yaml:"refinement"`
}

// DefaultParams returns the parameters used when none are configured.
func DefaultParams() Params {
	return Params{StepLength: DefaultStepLength, Type: DefaultType, Refinement: DefaultRefinement}
}

// Validate checks that p describes a usable template.
func (p Params) Validate() error {
	if p.StepLength < 2 {
		return fmt.Errorf("%w: step_length must be at least 2, got %d", ErrInvalidParams, p.StepLength)
	}
	if p.Refinement < 1 {
		return fmt.Errorf("%w: refinement must be at least 1, got %d", ErrInvalidParams, p.Refinement)
	}
	switch p.Type {
	case Rising, Falling:
	default:
		return fmt.Errorf("%w: unknown edge type %q", ErrInvalidParams, p.Type)
	}
	return nil
}

// Result is the located edge.
type Result struct {
	// Position is in profile samples, centred on the template midpoint.
	Position float64
	// Amplitude is the peak correlation value. Low values mean low confidence;
	// no existence test is applied.
	Amplitude float64
}

// Find locates a step in profile by matching it against a synthetic step
// template. Both are linearly resampled at 1/Refinement sample spacing, then
// cross-correlated over the range where the template fits entirely.
func Find(profile []float64, p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if len(profile) < p.StepLength {
		return Result{}, fmt.Errorf("%w: %d samples, template %d", ErrProfileTooShort, len(profile), p.StepLength)
	}

	signal, err := Resample(profile, p.Refinement)
	if err != nil {
		return Result{}, err
	}
	tmpl, err := Resample(Template(p.StepLength, p.Type), p.Refinement)
	if err != nil {
		return Result{}, err
	}

	corr := Correlate(signal, tmpl)
	best := floats.MaxIdx(corr)

	return Result{
		Position:  float64(best)/float64(p.Refinement) + float64(p.StepLength/2),
		Amplitude: corr[best],
	}, nil
}

// Template returns a two-level step of the given length. A falling step is +1
// over the first half and -1 over the rest; a rising step is the inverse.
func Template(length int, typ Type) []float64 {
	hi, lo := 1.0, -1.0
	if typ == Rising {
		hi, lo = lo, hi
	}
	t := make([]float64, length)
	half := length / 2
	for i := range t {
		if i < half {
			t[i] = hi
		} else {
			t[i] = lo
		}
	}
	return t
}

// Resample linearly interpolates v onto a grid of spacing 1/factor spanning
// the original sample positions, giving (len(v)-1)*factor+1 points.
func Resample(v []float64, factor int) ([]float64, error) {
	if len(v) < 2 {
		return nil, fmt.Errorf("edge: resample needs at least 2 samples, got %d", len(v))
	}
	if factor == 1 {
		out := make([]float64, len(v))
		copy(out, v)
		return out, nil
	}

	xs := make([]float64, len(v))
	for i := range xs {
		xs[i] = float64(i)
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, v); err != nil {
		return nil, fmt.Errorf("edge: fit: %w", err)
	}

	out := make([]float64, (len(v)-1)*factor+1)
	step := 1 / float64(factor)
	for i := range out {
		out[i] = pl.Predict(float64(i) * step)
	}
	return out, nil
}

// Correlate returns the valid-range cross-correlation of signal with tmpl:
// one value per lag at which tmpl lies entirely inside signal.
// len(tmpl) must not exceed len(signal).
func Correlate(signal, tmpl []float64) []float64 {
	n := len(signal) - len(tmpl) + 1
	out := make([]float64, n)
	for k := range out {
		out[k] = floats.Dot(signal[k:k+len(tmpl)], tmpl)
	}
	return out
}

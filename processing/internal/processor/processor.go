package processor

import (
	"errors"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/floats"

	"github.com/psen-processing/psen/processing/internal/background"
	"github.com/psen-processing/psen/processing/internal/edge"
	"github.com/psen-processing/psen/processing/internal/roi"
	"github.com/psen-processing/psen/processing/internal/stream"
)

// DefaultCadence is the pulse modulus selecting measurement pulses.
const DefaultCadence = 4

// Output key suffixes, appended to the frame's property name.
const (
	KeyParameters        = ".processingParameters"
	KeySignalProfile     = ".roiSignalXProfile"
	KeyBackgroundProfile = ".roiBackgroundXProfile"
	KeyEdgePosition      = ".edgePosition"
	KeyEdgeAmplitude     = ".edgeAmplitude"
)

// Record maps output keys to values for one processed frame.
// Edge fields hold a *float64; nil marks "not available" and encodes as JSON null.
type Record map[string]any

// Config tunes the per-frame algorithm.
type Config struct {
	// Cadence selects measurement pulses: pulse_id % Cadence == 0.
	Cadence int
	// Edge configures the step template.
	Edge edge.Params
}

// Processor turns frames into Records. It holds no per-frame state; the
// background window is passed in by the caller.
type Processor struct {
	cfg Config
}

// New validates cfg and returns a Processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Cadence < 1 {
		return nil, fmt.Errorf("processor: cadence must be at least 1, got %d", cfg.Cadence)
	}
	if err := cfg.Edge.Validate(); err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}
	return &Processor{cfg: cfg}, nil
}

// IsMeasurement reports whether pulseID is a measurement pulse.
func (p *Processor) IsMeasurement(pulseID int64) bool {
	return pulseID%int64(p.cfg.Cadence) == 0
}

// Process computes the Record for f under settings.
//
// With a signal ROI, measurement pulses compute an edge against the current
// background average and all other pulses feed the background window. Edge
// fields are nil whenever no edge was computed. The tracker is only mutated
// on accumulation pulses.
func (p *Processor) Process(f *stream.Frame, settings roi.Settings, tracker *background.Tracker) Record {
	name := f.PropertyName
	rec := Record{name + KeyParameters: settings.Parameters()}

	if !settings.Signal.Empty() {
		signal := roi.Profile(f.Pixels, settings.Signal)
		rec[name+KeySignalProfile] = signal

		var res *edge.Result
		if p.IsMeasurement(f.PulseID) {
			res = p.measure(f.PulseID, signal, tracker)
		} else {
			tracker.Push(signal)
		}
		if res != nil {
			rec[name+KeyEdgePosition] = &res.Position
			rec[name+KeyEdgeAmplitude] = &res.Amplitude
		} else {
			rec[name+KeyEdgePosition] = (*float64)(nil)
			rec[name+KeyEdgeAmplitude] = (*float64)(nil)
		}
	}

	if !settings.Background.Empty() {
		rec[name+KeyBackgroundProfile] = roi.Profile(f.Pixels, settings.Background)
	}

	return rec
}

// measure locates the edge in signal minus the background average.
// It returns nil when no background is available or detection fails.
func (p *Processor) measure(pulseID int64, signal []float64, tracker *background.Tracker) *edge.Result {
	avg, ok := tracker.Average()
	if !ok || len(avg) != len(signal) {
		slog.Debug("processor: background not yet available", "pulse_id", pulseID)
		return nil
	}

	diff := make([]float64, len(signal))
	floats.SubTo(diff, signal, avg)

	res, err := edge.Find(diff, p.cfg.Edge)
	if err != nil {
		if !errors.Is(err, edge.ErrProfileTooShort) {
			slog.Warn("processor: edge detection failed", "pulse_id", pulseID, "err", err)
		}
		return nil
	}
	return &res
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/psen-processing/psen/processing/internal/background"
	"github.com/psen-processing/psen/processing/internal/manager"
	"github.com/psen-processing/psen/processing/internal/processor"
	"github.com/psen-processing/psen/processing/internal/roi"
	"github.com/psen-processing/psen/processing/internal/stream"
)

// DefaultRetryInterval is the pause between primary send attempts under
// backpressure, and after a failed receive.
const DefaultRetryInterval = 10 * time.Millisecond

// OpenFunc opens the input for one session. The source lives until ctx is done.
type OpenFunc func(ctx context.Context) (stream.Source, error)

// Config holds the worker settings.
type Config struct {
	// BackgroundWindow is the number of accumulation profiles averaged.
	BackgroundWindow int
	// RetryInterval is the pause between primary send attempts and after a
	// receive error.
	RetryInterval time.Duration
	// ImageMaxRate caps passthrough frames per second. Zero means uncapped.
	ImageMaxRate float64
}

// Pipeline is the frame loop run by the manager for each session.
type Pipeline struct {
	cfg   Config
	proc  *processor.Processor
	open  OpenFunc
	data  stream.Sink
	image stream.Sink // optional

	limiter *rate.Limiter

	dataDropped  atomic.Uint64
	imageDropped atomic.Uint64
}

// New returns a Pipeline reading from open and publishing records on data and
// raw frames on image. image may be nil to disable passthrough.
func New(cfg Config, proc *processor.Processor, open OpenFunc, data, image stream.Sink) *Pipeline {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	p := &Pipeline{cfg: cfg, proc: proc, open: open, data: data, image: image}
	if cfg.ImageMaxRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.ImageMaxRate), 1)
	}
	return p
}

// Worker returns p.Run as a manager.WorkerFunc.
func (p *Pipeline) Worker() manager.WorkerFunc { return p.Run }

// DataDropped returns the number of records that could not be encoded.
func (p *Pipeline) DataDropped() uint64 { return p.dataDropped.Load() }

// ImageDropped returns the number of passthrough frames not forwarded.
func (p *Pipeline) ImageDropped() uint64 { return p.imageDropped.Load() }

// Run opens the input, signals readiness and processes frames until ctx is
// cancelled.
func (p *Pipeline) Run(ctx context.Context, s *manager.Session) error {
	src, err := p.open(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: open input: %w", err)
	}
	s.MarkReady()
	slog.Info("pipeline: processing frames", "session", s.ID())

	tracker := background.New(p.cfg.BackgroundWindow)
	var signal roi.ROI

	for {
		f, err := src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("pipeline: receive failed", "err", err)
			if !sleepCtx(ctx, p.cfg.RetryInterval) {
				return nil
			}
			continue
		}
		if f == nil {
			continue
		}

		settings := s.Settings()
		if settings.Signal != signal {
			tracker.Reset()
			signal = settings.Signal
		}

		rec := p.proc.Process(f, settings, tracker)

		sent, err := p.sendRecord(ctx, f, rec)
		if err != nil {
			return nil
		}
		if sent {
			s.RecordSent(f.PulseID, time.Now())
		}
		p.passthrough(f)
	}
}

// sleepCtx waits d and reports whether ctx is still live.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// sendRecord publishes rec, retrying while the sink is backpressured. It
// returns ctx.Err() if cancelled mid-retry, and sent=false if the record was
// rejected for any other reason.
func (p *Pipeline) sendRecord(ctx context.Context, f *stream.Frame, rec processor.Record) (bool, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 1; ; attempt++ {
		err := p.data.Send(f.PulseID, f.Timestamp, rec)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, stream.ErrWouldBlock) {
			p.dataDropped.Add(1)
			slog.Warn("pipeline: record dropped", "pulse_id", f.PulseID, "err", err)
			return false, nil
		}
		if attempt == 1 {
			slog.Debug("pipeline: data channel backpressured", "pulse_id", f.PulseID)
		}

		if timer == nil {
			timer = time.NewTimer(p.cfg.RetryInterval)
		} else {
			timer.Reset(p.cfg.RetryInterval)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// passthrough forwards the raw frame without blocking or retrying.
func (p *Pipeline) passthrough(f *stream.Frame) {
	if p.image == nil {
		return
	}
	if p.limiter != nil && !p.limiter.Allow() {
		return
	}
	if err := p.image.Send(f.PulseID, f.Timestamp, f); err != nil {
		p.imageDropped.Add(1)
		if !errors.Is(err, stream.ErrWouldBlock) {
			slog.Warn("pipeline: image passthrough failed", "pulse_id", f.PulseID, "err", err)
		}
	}
}

package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/psen-processing/psen/processing/internal/roi"
)

// DefaultStartTimeout bounds how long Start waits for the worker to be ready.
const DefaultStartTimeout = time.Second

var (
	// ErrStartTimeout is returned by Start when the worker did not signal
	// readiness in time. The manager is stopped and usable afterwards.
	ErrStartTimeout = errors.New("manager: processing did not start before timeout")

	// ErrWorkerFatal wraps any error or panic that terminated a worker.
	ErrWorkerFatal = errors.New("manager: worker failed")
)

// State is the processing lifecycle state.
type State string

const (
	Stopped    State = "stopped"
	Starting   State = "starting"
	Processing State = "processing"
)

// WorkerFunc runs one processing session. It must call s.MarkReady once its
// streams are open and return when ctx is done.
type WorkerFunc func(ctx context.Context, s *Session) error

// Config holds manager settings.
type Config struct {
	StartTimeout time.Duration
	// Settings are the initial ROIs. They must be valid.
	Settings roi.Settings
}

// Manager owns the worker lifecycle, the ROI settings and the statistics.
// All methods are safe for concurrent use.
type Manager struct {
	startTimeout time.Duration
	work         WorkerFunc

	settings atomic.Pointer[roi.Settings]
	stats    atomic.Pointer[Statistics]

	mu    sync.Mutex // serializes lifecycle transitions and ROI updates
	w     *worker
	state atomic.Value // State

	lastErr atomic.Pointer[failure]
}

type failure struct{ err error }

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error // set before done is closed
}

func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// New returns a stopped Manager that runs work on Start.
func New(cfg Config, work WorkerFunc) (*Manager, error) {
	if err := cfg.Settings.Signal.Validate(); err != nil {
		return nil, fmt.Errorf("manager: roi_signal: %w", err)
	}
	if err := cfg.Settings.Background.Validate(); err != nil {
		return nil, fmt.Errorf("manager: roi_background: %w", err)
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}

	m := &Manager{startTimeout: cfg.StartTimeout, work: work}
	s := cfg.Settings
	m.settings.Store(&s)
	m.stats.Store(&Statistics{})
	m.state.Store(Stopped)
	return m, nil
}

// Start launches a worker and waits for it to become ready. It is a no-op
// when processing is already running. A worker that fails before or right
// after becoming ready makes Start return an error, and the statistics of
// the previous session stay in place unless the new one became ready.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.w != nil && m.w.alive() {
		slog.Info("manager: processing already running, start ignored")
		return nil
	}
	m.w = nil

	id := uuid.NewString()
	prev := m.stats.Load()
	sess := &Session{
		id:       id,
		settings: &m.settings,
		stats:    &m.stats,
		initial:  &Statistics{SessionID: id, ProcessingStartTime: time.Now()},
		ready:    make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, done: make(chan struct{})}
	m.state.Store(Starting)
	slog.Info("manager: starting processing", "session", id)
	go m.run(ctx, w, sess)

	timer := time.NewTimer(m.startTimeout)
	defer timer.Stop()

	select {
	case <-sess.ready:
		if !w.alive() {
			return m.exitedDuringStart(id, w)
		}
		m.w = w
		m.state.Store(Processing)
		slog.Info("manager: processing started", "session", id)
		return nil
	case <-w.done:
		select {
		case <-sess.ready:
			return m.exitedDuringStart(id, w)
		default:
		}
	case <-timer.C:
	}

	cancel()
	<-w.done
	// A worker that turned ready after the deadline published its statistics;
	// the session never ran as far as callers are concerned.
	m.stats.Store(prev)
	m.state.Store(Stopped)
	slog.Warn("manager: processing did not become ready", "session", id, "timeout", m.startTimeout, "err", w.err)
	if w.err != nil {
		return fmt.Errorf("%w: %v", ErrStartTimeout, w.err)
	}
	return ErrStartTimeout
}

// exitedDuringStart reports a worker that became ready and returned before
// Start did.
func (m *Manager) exitedDuringStart(id string, w *worker) error {
	m.state.Store(Stopped)
	slog.Warn("manager: worker exited during start", "session", id, "err", w.err)
	if w.err != nil {
		return w.err
	}
	return fmt.Errorf("%w: exited during start", ErrWorkerFatal)
}

// Stop cancels the running worker and waits for it to exit. It is a no-op
// when processing is not running.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.w == nil {
		slog.Info("manager: processing not running, stop ignored")
		return
	}
	m.w.cancel()
	<-m.w.done
	m.w = nil
	m.state.Store(Stopped)
	slog.Info("manager: processing stopped")
}

// Status reports Processing iff a worker exists and has not exited.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.w != nil && m.w.alive() {
		return Processing
	}
	return Stopped
}

// State returns the lifecycle state without waiting on a transition in
// progress. Unlike Status it can report Starting.
func (m *Manager) State() State {
	return m.state.Load().(State)
}

// LastError returns the error that terminated the most recent worker, if any.
func (m *Manager) LastError() error {
	if f := m.lastErr.Load(); f != nil {
		return f.err
	}
	return nil
}

// Statistics returns a copy of the current session statistics.
func (m *Manager) Statistics() Statistics {
	return *m.stats.Load()
}

// Settings returns the ROI settings in force.
func (m *Manager) Settings() roi.Settings {
	return *m.settings.Load()
}

// ROISignal returns the signal ROI.
func (m *Manager) ROISignal() roi.ROI { return m.Settings().Signal }

// ROIBackground returns the background ROI.
func (m *Manager) ROIBackground() roi.ROI { return m.Settings().Background }

// SetROISignal validates and publishes a new signal ROI. An invalid ROI
// leaves the current one in place.
func (m *Manager) SetROISignal(r roi.ROI) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("manager: roi_signal: %w", err)
	}
	m.update(func(s *roi.Settings) { s.Signal = r })
	slog.Info("manager: roi_signal updated", "roi", r.String())
	return nil
}

// SetROIBackground validates and publishes a new background ROI. An invalid
// ROI leaves the current one in place.
func (m *Manager) SetROIBackground(r roi.ROI) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("manager: roi_background: %w", err)
	}
	m.update(func(s *roi.Settings) { s.Background = r })
	slog.Info("manager: roi_background updated", "roi", r.String())
	return nil
}

// SetSettings replaces both ROIs at once. Either being invalid leaves both
// unchanged.
func (m *Manager) SetSettings(next roi.Settings) error {
	if err := next.Signal.Validate(); err != nil {
		return fmt.Errorf("manager: roi_signal: %w", err)
	}
	if err := next.Background.Validate(); err != nil {
		return fmt.Errorf("manager: roi_background: %w", err)
	}
	m.update(func(s *roi.Settings) { *s = next })
	return nil
}

func (m *Manager) update(fn func(*roi.Settings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := *m.settings.Load()
	fn(&next)
	m.settings.Store(&next)
}

// run executes the worker and records how it ended.
// The session context is cancelled as soon as the worker returns, so nothing
// bound to it outlives a failed worker.
func (m *Manager) run(ctx context.Context, w *worker, sess *Session) {
	defer close(w.done)
	defer w.cancel()
	defer func() {
		if r := recover(); r != nil {
			w.err = fmt.Errorf("%w: panic: %v", ErrWorkerFatal, r)
		}
		if w.err != nil {
			slog.Error("manager: worker exited", "session", sess.id, "err", w.err)
			m.state.Store(Stopped)
			m.lastErr.Store(&failure{err: w.err})
		}
	}()

	if err := m.work(ctx, sess); err != nil && !errors.Is(err, context.Canceled) {
		w.err = fmt.Errorf("%w: %w", ErrWorkerFatal, err)
	}
}

package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/psen-processing/psen/processing/internal/roi"
)

// Statistics describes the current (or most recent) processing session.
type Statistics struct {
	SessionID           string    `json:"session_id"`
	ProcessingStartTime time.Time `json:"processing_start_time"`
	LastSentPulseID     int64     `json:"last_sent_pulse_id"`
	LastSentTime        time.Time `json:"last_sent_time"`
	NProcessedImages    uint64    `json:"n_processed_images"`
}

// Session is the worker's view of the manager for one run. It is handed to
// exactly one WorkerFunc and must not be retained after the worker returns.
type Session struct {
	id       string
	settings *atomic.Pointer[roi.Settings]
	stats    *atomic.Pointer[Statistics]
	initial  *Statistics // published by MarkReady

	ready     chan struct{}
	readyOnce sync.Once
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Settings returns the ROI settings currently in force. The returned value is
// a complete snapshot; callers read it once per frame.
func (s *Session) Settings() roi.Settings { return *s.settings.Load() }

// MarkReady tells the manager the worker has opened its streams and resets
// the statistics to this session. A session that never becomes ready leaves
// the previous statistics in place. Calls after the first are ignored.
func (s *Session) MarkReady() {
	s.readyOnce.Do(func() {
		s.stats.Store(s.initial)
		close(s.ready)
	})
}

// RecordSent updates the statistics after a record has been published.
// Only the worker calls it, so the load-modify-store needs no lock.
func (s *Session) RecordSent(pulseID int64, at time.Time) {
	next := *s.stats.Load()
	next.LastSentPulseID = pulseID
	next.LastSentTime = at
	next.NProcessedImages++
	s.stats.Store(&next)
}

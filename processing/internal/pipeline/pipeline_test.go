package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/psen-processing/psen/processing/internal/edge"
	"github.com/psen-processing/psen/processing/internal/manager"
	"github.com/psen-processing/psen/processing/internal/processor"
	"github.com/psen-processing/psen/processing/internal/roi"
	"github.com/psen-processing/psen/processing/internal/stream"
)

const cam = "JUST_TESTING:FPICTURE"

// chanSource is a Source fed by the test.
type chanSource struct {
	frames  chan *stream.Frame
	timeout time.Duration
}

func newSource() *chanSource {
	return &chanSource{frames: make(chan *stream.Frame, 64), timeout: 20 * time.Millisecond}
}

func (s *chanSource) Receive(ctx context.Context) (*stream.Frame, error) {
	t := time.NewTimer(s.timeout)
	defer t.Stop()
	select {
	case f := <-s.frames:
		return f, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanSource) open(context.Context) (stream.Source, error) { return s, nil }

type sent struct {
	pulseID int64
	data    any
}

// recordSink collects messages. While blocked is set every Send reports
// backpressure.
type recordSink struct {
	mu      sync.Mutex
	msgs    []sent
	blocked bool
	fail    error
	calls   int
}

func (s *recordSink) Send(pulseID int64, _ time.Time, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return s.fail
	}
	if s.blocked {
		return stream.ErrWouldBlock
	}
	s.msgs = append(s.msgs, sent{pulseID, data})
	return nil
}

func (s *recordSink) setBlocked(v bool) {
	s.mu.Lock()
	s.blocked = v
	s.mu.Unlock()
}

func (s *recordSink) records() []processor.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]processor.Record, 0, len(s.msgs))
	for _, m := range s.msgs {
		if rec, ok := m.data.(processor.Record); ok {
			out = append(out, rec)
		}
	}
	return out
}

func (s *recordSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *recordSink) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func uniformFrame(pulse int64, rows, cols int, v float64) *stream.Frame {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = v
	}
	return &stream.Frame{
		PulseID:      pulse,
		Timestamp:    time.Now(),
		PropertyName: cam,
		Pixels:       mat.NewDense(rows, cols, data),
	}
}

type rig struct {
	src   *chanSource
	data  *recordSink
	image *recordSink
	pipe  *Pipeline
	mgr   *manager.Manager
}

func newRig(t *testing.T, settings roi.Settings, cfg Config) *rig {
	t.Helper()
	proc, err := processor.New(processor.Config{Cadence: processor.DefaultCadence, Edge: edge.DefaultParams()})
	require.NoError(t, err)

	r := &rig{src: newSource(), data: &recordSink{}, image: &recordSink{}}
	r.pipe = New(cfg, proc, r.src.open, r.data, r.image)
	r.mgr, err = manager.New(manager.Config{StartTimeout: time.Second, Settings: settings}, r.pipe.Worker())
	require.NoError(t, err)
	t.Cleanup(r.mgr.Stop)
	return r
}

func (r *rig) feed(first int64, n int, rows, cols int) {
	for i := 0; i < n; i++ {
		r.src.frames <- uniformFrame(first+int64(i), rows, cols, 1)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func mustROI(t *testing.T, v ...int) roi.ROI {
	t.Helper()
	r, err := roi.FromSlice(v)
	require.NoError(t, err)
	return r
}

// --- end to end -------------------------------------------------------------

func TestEndToEnd_SignalProfile(t *testing.T) {
	r := newRig(t, roi.Settings{Signal: mustROI(t, 0, 1024, 0, 1024)}, Config{})
	require.NoError(t, r.mgr.Start())

	r.feed(0, 5, 1024, 1024)
	eventually(t, func() bool { return r.mgr.Statistics().NProcessedImages == 5 })

	recs := r.data.records()
	require.Len(t, recs, 5)
	for i, rec := range recs {
		profile, ok := rec[cam+processor.KeySignalProfile].([]float64)
		require.True(t, ok, "record %d has no signal profile", i)
		require.Len(t, profile, 1024)
		for x, v := range profile {
			if v != 1024 {
				t.Fatalf("record %d profile[%d]: got %v, want 1024", i, x, v)
			}
		}
	}

	stats := r.mgr.Statistics()
	assert.EqualValues(t, 5, stats.NProcessedImages)
	assert.EqualValues(t, 4, stats.LastSentPulseID)
	assert.False(t, stats.LastSentTime.Before(stats.ProcessingStartTime))
}

func TestEndToEnd_NoROIs(t *testing.T) {
	r := newRig(t, roi.Settings{}, Config{})
	require.NoError(t, r.mgr.Start())

	r.feed(0, 5, 32, 32)
	eventually(t, func() bool { return r.data.len() == 5 })

	for _, rec := range r.data.records() {
		assert.Len(t, rec, 1)
		assert.Contains(t, rec, cam+processor.KeyParameters)
	}
}

func TestEndToEnd_ROIChangeMidStream(t *testing.T) {
	oldROI := mustROI(t, 0, 64, 0, 64)
	newROI := mustROI(t, 0, 32, 0, 16)
	r := newRig(t, roi.Settings{Signal: oldROI}, Config{})
	require.NoError(t, r.mgr.Start())

	r.feed(0, 5, 64, 64)
	eventually(t, func() bool { return r.data.len() == 5 })

	require.NoError(t, r.mgr.SetROISignal(newROI))
	r.feed(5, 5, 64, 64)
	eventually(t, func() bool { return r.data.len() == 10 })

	oldParams := roi.Settings{Signal: oldROI}.Parameters()
	newParams := roi.Settings{Signal: newROI}.Parameters()
	for i, rec := range r.data.records() {
		params := rec[cam+processor.KeyParameters]
		profile := rec[cam+processor.KeySignalProfile].([]float64)
		if i < 5 {
			assert.Equal(t, oldParams, params, "record %d", i)
			assert.Len(t, profile, 64, "record %d", i)
			assert.Equal(t, 64.0, profile[0])
		} else {
			assert.Equal(t, newParams, params, "record %d", i)
			assert.Len(t, profile, 32, "record %d", i)
			assert.Equal(t, 16.0, profile[0])
		}
	}
}

func TestEndToEnd_ConcurrentROIWritesNeverTear(t *testing.T) {
	a := roi.Settings{Signal: mustROI(t, 0, 8, 0, 8), Background: mustROI(t, 8, 8, 8, 8)}
	b := roi.Settings{Signal: mustROI(t, 4, 4, 4, 4), Background: mustROI(t, 0, 2, 0, 2)}
	r := newRig(t, a, Config{})
	require.NoError(t, r.mgr.Start())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			next := a
			if i%2 == 0 {
				next = b
			}
			assert.NoError(t, r.mgr.SetSettings(next))
		}
	}()
	r.feed(0, 50, 16, 16)
	<-done
	eventually(t, func() bool { return r.data.len() == 50 })

	valid := map[any]bool{a.Parameters(): true, b.Parameters(): true}
	for i, rec := range r.data.records() {
		assert.True(t, valid[rec[cam+processor.KeyParameters]], "record %d has mixed settings", i)
	}
}

// --- backpressure -----------------------------------------------------------

func TestBackpressure_RetriesUntilAccepted(t *testing.T) {
	r := newRig(t, roi.Settings{}, Config{RetryInterval: time.Millisecond})
	r.data.setBlocked(true)
	require.NoError(t, r.mgr.Start())

	r.feed(0, 1, 4, 4)
	eventually(t, func() bool { return r.data.attempts() > 3 })
	assert.EqualValues(t, 0, r.mgr.Statistics().NProcessedImages)

	r.data.setBlocked(false)
	eventually(t, func() bool { return r.mgr.Statistics().NProcessedImages == 1 })
	assert.Equal(t, 1, r.data.len())
}

func TestBackpressure_StopStaysResponsive(t *testing.T) {
	r := newRig(t, roi.Settings{}, Config{RetryInterval: 5 * time.Millisecond})
	r.data.setBlocked(true)
	require.NoError(t, r.mgr.Start())

	r.feed(0, 1, 4, 4)
	eventually(t, func() bool { return r.data.attempts() > 1 })

	stopped := make(chan struct{})
	go func() {
		r.mgr.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked while the data channel was backpressured")
	}
	assert.Equal(t, manager.Stopped, r.mgr.Status())
}

func TestDataSendError_DropsRecord(t *testing.T) {
	r := newRig(t, roi.Settings{}, Config{})
	r.data.fail = errors.New("encode failed")
	require.NoError(t, r.mgr.Start())

	r.feed(0, 3, 4, 4)
	eventually(t, func() bool { return r.pipe.DataDropped() == 3 })
	assert.EqualValues(t, 0, r.mgr.Statistics().NProcessedImages)
	assert.Equal(t, manager.Processing, r.mgr.Status())
}

// --- passthrough ------------------------------------------------------------

func TestPassthrough_DropsWhenBlocked(t *testing.T) {
	r := newRig(t, roi.Settings{}, Config{})
	r.image.setBlocked(true)
	require.NoError(t, r.mgr.Start())

	r.feed(0, 4, 4, 4)
	eventually(t, func() bool { return r.mgr.Statistics().NProcessedImages == 4 })

	assert.EqualValues(t, 4, r.pipe.ImageDropped())
	assert.Equal(t, 4, r.image.attempts(), "passthrough must not retry")
	assert.Equal(t, 0, r.image.len())
}

func TestPassthrough_ForwardsFrames(t *testing.T) {
	r := newRig(t, roi.Settings{}, Config{})
	require.NoError(t, r.mgr.Start())

	r.feed(7, 2, 4, 4)
	eventually(t, func() bool { return r.image.len() == 2 })

	r.image.mu.Lock()
	defer r.image.mu.Unlock()
	f, ok := r.image.msgs[0].data.(*stream.Frame)
	require.True(t, ok)
	assert.EqualValues(t, 7, f.PulseID)
}

func TestPassthrough_RateLimited(t *testing.T) {
	r := newRig(t, roi.Settings{}, Config{ImageMaxRate: 0.001})
	require.NoError(t, r.mgr.Start())

	r.feed(0, 5, 4, 4)
	eventually(t, func() bool { return r.mgr.Statistics().NProcessedImages == 5 })

	// Burst of one, then nothing at this rate.
	assert.Equal(t, 1, r.image.len())
	assert.EqualValues(t, 0, r.pipe.ImageDropped())
}

// --- background handling ----------------------------------------------------

func TestBackgroundResetOnROIChange(t *testing.T) {
	r := newRig(t, roi.Settings{Signal: mustROI(t, 0, 100, 0, 4)}, Config{})
	require.NoError(t, r.mgr.Start())

	// Pulses 1..3 accumulate, pulse 4 measures against them.
	r.feed(1, 4, 4, 100)
	eventually(t, func() bool { return r.data.len() == 4 })
	recs := r.data.records()
	assert.NotNil(t, recs[3][cam+processor.KeyEdgePosition])

	// Same width, different rows: the window restarts, so the next
	// measurement pulse finds no background.
	require.NoError(t, r.mgr.SetROISignal(mustROI(t, 0, 100, 1, 2)))
	r.feed(8, 1, 4, 100)
	eventually(t, func() bool { return r.data.len() == 5 })
	recs = r.data.records()
	assert.Nil(t, recs[4][cam+processor.KeyEdgePosition])
}

// --- failures ---------------------------------------------------------------

type panicSource struct{ armed chan struct{} }

func (s *panicSource) Receive(ctx context.Context) (*stream.Frame, error) {
	select {
	case <-s.armed:
		panic("decoder bug")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func TestWorkerFatal_ManagerReportsStopped(t *testing.T) {
	proc, err := processor.New(processor.Config{Cadence: 4, Edge: edge.DefaultParams()})
	require.NoError(t, err)
	src := &panicSource{armed: make(chan struct{})}
	p := New(Config{}, proc, func(context.Context) (stream.Source, error) { return src, nil }, &recordSink{}, nil)

	m, err := manager.New(manager.Config{StartTimeout: time.Second}, p.Worker())
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	require.NoError(t, m.Start())
	close(src.armed)

	eventually(t, func() bool { return m.Status() == manager.Stopped })
	assert.ErrorIs(t, m.LastError(), manager.ErrWorkerFatal)
}

func TestOpenFailure_StartFails(t *testing.T) {
	proc, err := processor.New(processor.Config{Cadence: 4, Edge: edge.DefaultParams()})
	require.NoError(t, err)
	p := New(Config{}, proc, func(context.Context) (stream.Source, error) {
		return nil, errors.New("no such stream")
	}, &recordSink{}, nil)

	m, err := manager.New(manager.Config{StartTimeout: time.Second}, p.Worker())
	require.NoError(t, err)

	err = m.Start()
	require.ErrorIs(t, err, manager.ErrStartTimeout)
	assert.Contains(t, err.Error(), "no such stream")
	assert.Equal(t, manager.Stopped, m.Status())
}

// failingSource errors on every Receive without blocking.
type failingSource struct {
	calls atomic.Int32
}

func (s *failingSource) Receive(context.Context) (*stream.Frame, error) {
	s.calls.Add(1)
	return nil, errors.New("connection reset")
}

func TestReceiveError_WaitsBeforeRetrying(t *testing.T) {
	proc, err := processor.New(processor.Config{Cadence: 4, Edge: edge.DefaultParams()})
	require.NoError(t, err)
	src := &failingSource{}
	p := New(Config{RetryInterval: 20 * time.Millisecond}, proc, func(context.Context) (stream.Source, error) {
		return src, nil
	}, &recordSink{}, nil)

	m, err := manager.New(manager.Config{StartTimeout: time.Second}, p.Worker())
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	require.NoError(t, m.Start())
	time.Sleep(100 * time.Millisecond)
	assert.Less(t, src.calls.Load(), int32(20))
	assert.Greater(t, src.calls.Load(), int32(1), "receive is retried")

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked while the source was failing")
	}
	assert.Equal(t, manager.Stopped, m.Status())
}

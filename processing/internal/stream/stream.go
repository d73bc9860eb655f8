package stream

import (
	"context"
	"errors"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ErrWouldBlock is returned by a Sink that cannot accept a message right now.
var ErrWouldBlock = errors.New("stream: send would block")

// Frame is one camera image tagged with its pulse.
// Pixels rows are the y axis and columns the x axis. Callers must not modify
// Pixels after handing the frame to the pipeline.
type Frame struct {
	PulseID      int64
	Timestamp    time.Time
	PropertyName string
	Pixels       *mat.Dense
}

// Source yields incoming frames.
type Source interface {
	// Receive waits for the next frame for at most the source's receive
	// timeout, or until ctx is done. It returns a nil frame and nil error when
	// nothing arrived in time.
	Receive(ctx context.Context) (*Frame, error)
}

// Sink accepts outgoing messages without blocking.
type Sink interface {
	// Send enqueues data for delivery. It returns ErrWouldBlock when the sink
	// is backpressured.
	Send(pulseID int64, ts time.Time, data any) error
}

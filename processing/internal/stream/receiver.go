package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reconnectInitial = 1 * time.Second
	reconnectMax     = 30 * time.Second

	// readLimit bounds a single incoming frame message.
	readLimit = 256 << 20
)

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// URL is the websocket endpoint publishing binary frames (ws:// or wss://).
	URL string
	// ReceiveTimeout bounds each Receive call.
	ReceiveTimeout time.Duration
	// QueueSize is the number of decoded frames buffered between the
	// connection and the consumer. Frames arriving at a full queue are dropped.
	QueueSize int
}

// Receiver is a Source fed by a websocket connection. Run owns the connection
// and reconnects with backoff; Receive may be called from one other goroutine.
type Receiver struct {
	cfg    ReceiverConfig
	frames chan *Frame
	dialer *websocket.Dialer

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewReceiver returns a Receiver for cfg. Call Run to start receiving.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = time.Second
	}
	return &Receiver{
		cfg:    cfg,
		frames: make(chan *Frame, cfg.QueueSize),
		dialer: websocket.DefaultDialer,
	}
}

// Receive implements Source.
func (r *Receiver) Receive(ctx context.Context) (*Frame, error) {
	t := time.NewTimer(r.cfg.ReceiveTimeout)
	defer t.Stop()

	select {
	case f := <-r.frames:
		return f, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Received returns the number of frames decoded since creation.
func (r *Receiver) Received() uint64 { return r.received.Load() }

// Dropped returns the number of frames discarded because the queue was full
// or the message could not be decoded.
func (r *Receiver) Dropped() uint64 { return r.dropped.Load() }

// Run connects to the configured URL and feeds decoded frames into the queue,
// reconnecting with exponential backoff when the connection fails.
// Run blocks until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) {
	bo := NewBackoff(reconnectInitial, reconnectMax)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := r.dialer.DialContext(ctx, r.cfg.URL, nil)
		if err != nil {
			wait := bo.Next()
			slog.Warn("receiver: dial failed, will retry",
				"url", r.cfg.URL, "err", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		slog.Info("receiver: connected", "url", r.cfg.URL)
		bo.Reset()

		err = r.read(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		wait := bo.Next()
		slog.Warn("receiver: connection lost, will reconnect",
			"url", r.cfg.URL, "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// read consumes messages from conn until it fails or ctx is cancelled.
func (r *Receiver) read(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	conn.SetReadLimit(readLimit)
	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.BinaryMessage {
			continue
		}

		f, err := DecodeFrame(msg)
		if err != nil {
			r.dropped.Add(1)
			slog.Warn("receiver: discarding frame", "err", err)
			continue
		}
		r.received.Add(1)

		select {
		case r.frames <- f:
		default:
			r.dropped.Add(1)
			slog.Debug("receiver: queue full, dropped frame", "pulse_id", f.PulseID)
		}
	}
}

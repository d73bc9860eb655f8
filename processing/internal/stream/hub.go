package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the hub sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// clientBufSize is the per-consumer outgoing message buffer depth.
	clientBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 << 10,
	// Allow all origins; consumers are other facility services.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Encoder turns one Send call into a websocket message payload.
type Encoder func(pulseID int64, ts time.Time, data any) ([]byte, error)

// Hub is a Sink that broadcasts every message to all connected websocket
// consumers. Send only enqueues; Run delivers. A full queue makes Send return
// ErrWouldBlock, and a consumer whose own buffer is full is evicted so one slow
// reader cannot hold back the others. Once Run returns the hub refuses new
// consumers.
type Hub struct {
	name    string
	msgType int
	encode  Encoder
	queue   chan []byte

	mu        sync.RWMutex
	consumers map[*consumer]struct{}
	closed    bool

	sent    atomic.Uint64
	blocked atomic.Uint64
	evicted atomic.Uint64
}

// consumer is one websocket connection subscribed to the hub.
type consumer struct {
	conn   *websocket.Conn
	remote string
	out    chan []byte // closed by the hub, under mu, when it drops the consumer

	delivered atomic.Uint64
}

// NewHub creates a Hub named name (used in logs and metrics). msgType is
// websocket.TextMessage or websocket.BinaryMessage.
func NewHub(name string, queueSize, msgType int, enc Encoder) *Hub {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Hub{
		name:      name,
		msgType:   msgType,
		encode:    enc,
		queue:     make(chan []byte, queueSize),
		consumers: make(map[*consumer]struct{}),
	}
}

// Name returns the hub's channel name.
func (h *Hub) Name() string { return h.name }

// Send implements Sink.
func (h *Hub) Send(pulseID int64, ts time.Time, data any) error {
	payload, err := h.encode(pulseID, ts, data)
	if err != nil {
		return err
	}
	select {
	case h.queue <- payload:
		return nil
	default:
		h.blocked.Add(1)
		return ErrWouldBlock
	}
}

// Sent returns the number of messages broadcast so far.
func (h *Hub) Sent() uint64 { return h.sent.Load() }

// Blocked returns the number of Send calls rejected with ErrWouldBlock.
func (h *Hub) Blocked() uint64 { return h.blocked.Load() }

// Evicted returns the number of consumers dropped for falling behind.
func (h *Hub) Evicted() uint64 { return h.evicted.Load() }

// Count returns the number of currently connected consumers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.consumers)
}

// Run drains the queue and broadcasts each message. It blocks until ctx is
// cancelled, then disconnects every consumer.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case msg := <-h.queue:
			h.broadcast(msg)
		}
	}
}

// ServeHTTP upgrades the request to a websocket and subscribes it to the
// hub's broadcasts. It blocks until the consumer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &consumer{conn: conn, remote: r.RemoteAddr, out: make(chan []byte, clientBufSize)}
	if !h.subscribe(c) {
		slog.Info("hub: stream closed, consumer refused", "hub", h.name, "remote", c.remote)
		conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
			time.Now().Add(writeTimeout))
		conn.Close()
		return
	}
	slog.Info("hub: consumer connected", "hub", h.name, "remote", c.remote)

	go c.deliver(h.msgType)
	c.awaitClose()
	h.drop(c, "disconnected")
}

// --- internal ---------------------------------------------------------------

// subscribe adds c unless the hub has shut down.
func (h *Hub) subscribe(c *consumer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.consumers[c] = struct{}{}
	return true
}

// drop removes c and closes its queue, which ends its deliver loop. Dropping a
// consumer twice is a no-op.
func (h *Hub) drop(c *consumer, reason string) bool {
	h.mu.Lock()
	_, ok := h.consumers[c]
	if ok {
		delete(h.consumers, c)
		close(c.out)
	}
	h.mu.Unlock()
	if ok {
		slog.Info("hub: consumer dropped", "hub", h.name, "remote", c.remote,
			"reason", reason, "delivered", c.delivered.Load())
	}
	return ok
}

func (h *Hub) broadcast(msg []byte) {
	// Sends happen under the read lock so drop cannot close a queue mid-send.
	var behind []*consumer
	h.mu.RLock()
	for c := range h.consumers {
		select {
		case c.out <- msg:
		default:
			behind = append(behind, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range behind {
		if h.drop(c, "too slow") {
			h.evicted.Add(1)
		}
	}
	h.sent.Add(1)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	n := len(h.consumers)
	for c := range h.consumers {
		delete(h.consumers, c)
		close(c.out)
	}
	h.mu.Unlock()
	slog.Info("hub: stream closed", "hub", h.name, "consumers", n)
}

// deliver writes queued messages to the connection in pulse order and keeps
// it alive with pings. A closed queue sends a close frame and ends the loop.
func (c *consumer) deliver(msgType int) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.out:
			deadline := time.Now().Add(writeTimeout)
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
			c.conn.SetWriteDeadline(deadline) //nolint:errcheck
			if err := c.conn.WriteMessage(msgType, msg); err != nil {
				slog.Debug("hub: write failed", "remote", c.remote, "err", err)
				return
			}
			c.delivered.Add(1)

		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// awaitClose blocks until the consumer disconnects or stops answering pings.
// Consumers only listen, so any data they send is discarded.
func (c *consumer) awaitClose() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("hub: consumer read ended", "remote", c.remote, "err", err)
			}
			return
		}
	}
}

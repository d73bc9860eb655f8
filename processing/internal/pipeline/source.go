package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/psen-processing/psen/processing/internal/stream"
)

// WebsocketInput opens a fresh stream.Receiver for every session and keeps
// counters across sessions.
type WebsocketInput struct {
	cfg stream.ReceiverConfig

	cur         atomic.Pointer[stream.Receiver]
	prevDropped atomic.Uint64
	prevRecv    atomic.Uint64
}

// NewWebsocketInput returns an input dialling cfg.URL.
func NewWebsocketInput(cfg stream.ReceiverConfig) *WebsocketInput {
	return &WebsocketInput{cfg: cfg}
}

// Open implements OpenFunc. The receiver's reconnect loop runs until ctx is
// done, so Open never fails on an unreachable upstream.
func (in *WebsocketInput) Open(ctx context.Context) (stream.Source, error) {
	r := stream.NewReceiver(in.cfg)
	if prev := in.cur.Swap(r); prev != nil {
		in.prevDropped.Add(prev.Dropped())
		in.prevRecv.Add(prev.Received())
	}
	go r.Run(ctx)
	return r, nil
}

// Dropped returns the number of input frames dropped over all sessions.
func (in *WebsocketInput) Dropped() uint64 {
	n := in.prevDropped.Load()
	if r := in.cur.Load(); r != nil {
		n += r.Dropped()
	}
	return n
}

// Received returns the number of input frames decoded over all sessions.
func (in *WebsocketInput) Received() uint64 {
	n := in.prevRecv.Load()
	if r := in.cur.Load(); r != nil {
		n += r.Received()
	}
	return n
}

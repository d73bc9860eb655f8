// Package stream carries frames into the processing worker and results out
// of it.
//
// The worker only sees two contracts: Source.Receive, which waits at most one
// receive timeout, and Sink.Send, which never blocks and reports
// backpressure as ErrWouldBlock.
//
// The concrete transport is websocket (gorilla/websocket):
//   - Receiver dials an upstream URL and decodes binary frame messages
//     (codec.go) into a bounded queue. Run reconnects with truncated exponential
//     backoff (1s→30s, ±25% jitter).
//   - Hub serves downstream consumers. Send enqueues into a bounded queue, Run
//     broadcasts to every connected consumer, and consumers that fall behind are
//     evicted. After Run returns new consumers are refused. The data hub sends JSON Message text frames, the image hub
//     re-encodes the raw frame as a binary message.
//
// Binary frame layout: 4-byte big-endian header length, JSON header
// {pulse_id, timestamp, property_name, width, height, dtype}, then row-major
// little-endian pixels (uint8, uint16 or float64).
package stream

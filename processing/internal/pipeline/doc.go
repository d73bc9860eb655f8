// Package pipeline is the processing worker: receive a frame, read the ROI
// settings once, process, publish.
//
// The data channel is the primary output. A backpressured send is retried
// every RetryInterval, and each wait also watches the session context so Stop
// is never held up by a stuck consumer. The image channel gets the raw frame
// on a best-effort basis: one attempt, dropped on ErrWouldBlock, optionally
// thinned by a token-bucket limiter.
//
// The background window is reset whenever the signal ROI changes.
package pipeline

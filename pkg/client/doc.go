// Package client is a Go client for the processing service REST API.
//
//	c := client.New("http://localhost:11000")
//	if _, err := c.SetROISignal(ctx, []int{0, 1024, 0, 1024}); err != nil { ... }
//	if _, err := c.Start(ctx); err != nil { ... }
//
// A reply with state "error" is returned as an *Error carrying the server's
// status message.
package client

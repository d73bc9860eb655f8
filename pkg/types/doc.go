// Package types defines the JSON shapes of the REST control API, shared by
// the server handlers and pkg/client. They are kept apart from the in-process
// types of the processing service.
package types

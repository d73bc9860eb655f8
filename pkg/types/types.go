package types

import "time"

// Envelope states.
const (
	StateOK    = "ok"
	StateError = "error"
)

// Processing status values reported by GET /status.
const (
	StatusStopped    = "stopped"
	StatusProcessing = "processing"
)

// Response is the envelope of every REST reply. Status is a human readable
// message, except on /status where it is the processing status. At most one
// payload field is set.
type Response struct {
	State         string      `json:"state"`
	Status        string      `json:"status"`
	Statistics    *Statistics `json:"statistics,omitempty"`
	ROISignal     *[]int      `json:"roi_signal,omitempty"`
	ROIBackground *[]int      `json:"roi_background,omitempty"`
}

// Statistics describes the current or most recent processing session.
// Fields are omitted until they have a value, so a service that never
// started reports {}.
type Statistics struct {
	SessionID           string     `json:"session_id,omitempty"`
	ProcessingStartTime *time.Time `json:"processing_start_time,omitempty"`
	LastSentPulseID     *int64     `json:"last_sent_pulse_id,omitempty"`
	LastSentTime        *time.Time `json:"last_sent_time,omitempty"`
	NProcessedImages    *uint64    `json:"n_processed_images,omitempty"`
}

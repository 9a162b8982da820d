package models

import "time"

// JobEvent represents a state transition event for a job
type JobEvent struct {
	ID         int64
	JobID      string
	At         time.Time
	FromStatus *JobStatus
	ToStatus   JobStatus
	Reason     string
	Meta       map[string]interface{} // Additional metadata
}

// Event reasons recorded alongside transitions.
const (
	ReasonJobCreated        = "job_created"
	ReasonSchedulerCallback = "scheduler_callback"
	ReasonUserCancelled     = "user_cancelled"
	ReasonCancelConfirmed   = "cancel_confirmed"
	ReasonAdmissionRejected = "admission_rejected"
	ReasonAdmissionTimeout  = "admission_timeout"
)

// StatusCallback is a status report from the compute scheduler. Progress
// fields are optional.
type StatusCallback struct {
	JobID        string    `json:"job_id"`
	Status       JobStatus `json:"status"`
	CurrentStep  *int      `json:"current_step,omitempty"`
	CurrentEpoch *int      `json:"current_epoch,omitempty"`
	NumTokens    *int64    `json:"num_tokens,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// Progress returns the callback's progress counters.
func (c StatusCallback) Progress() Progress {
	return Progress{
		CurrentStep:  c.CurrentStep,
		CurrentEpoch: c.CurrentEpoch,
		NumTokens:    c.NumTokens,
	}
}

package sendq

import "time"

type EventKind string

func (k EventKind) String() string {
	return string(k)
}

// EventCompleted a job finished the batch send and its result has been stored.
const EventCompleted EventKind = "completed"

// EventFailed a job attempt failed. Terminal is set when no more attempts will be made.
const EventFailed EventKind = "failed"

// EventWorkerError a worker hit an error outside of a job attempt, eg could not claim or heartbeat.
const EventWorkerError EventKind = "worker-error"

type Event struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	JobID      string    `json:"job_id,omitempty"`
	CampaignID string    `json:"campaign_id,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Terminal   bool      `json:"terminal,omitempty"`
	Result     *Result   `json:"result,omitempty"`
	Err        string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

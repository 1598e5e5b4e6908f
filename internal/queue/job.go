package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modfin/sendq"
)

// Job is a send job together with the queue's bookkeeping of it.
type Job struct {
	ID       string
	State    sendq.JobState
	Priority int
	Data     sendq.SendJob

	AttemptsMade int
	MaxAttempts  int
	Backoff      time.Duration
	RunAt        time.Time

	LeaseToken     string
	LeasedBy       string
	LeaseExpiresAt time.Time

	Progress     sendq.Progress
	Result       *sendq.Result
	FailedReason string

	CreatedAt  time.Time
	FinishedAt time.Time
}

func (j *Job) Status() sendq.JobStatus {
	s := sendq.JobStatus{
		JobID:        j.ID,
		CampaignID:   j.Data.CampaignID,
		UserID:       j.Data.UserID,
		State:        j.State,
		Priority:     j.Priority,
		AttemptsMade: j.AttemptsMade,
		MaxAttempts:  j.MaxAttempts,
		Progress:     j.Progress,
		Result:       j.Result,
		FailedReason: j.FailedReason,
		CreatedAt:    j.CreatedAt,
	}
	if !j.FinishedAt.IsZero() {
		f := j.FinishedAt
		s.FinishedAt = &f
	}
	return s
}

// row is the stored form of a job, all timestamps are unix milliseconds and 0 means unset.
type row struct {
	Seq            int64          `db:"seq"`
	ID             string         `db:"id"`
	State          string         `db:"state"`
	Priority       int            `db:"priority"`
	Payload        string         `db:"payload"`
	AttemptsMade   int            `db:"attempts_made"`
	MaxAttempts    int            `db:"max_attempts"`
	BackoffMs      int64          `db:"backoff_ms"`
	RunAt          int64          `db:"run_at"`
	LeaseToken     string         `db:"lease_token"`
	LeasedBy       string         `db:"leased_by"`
	LeaseExpiresAt int64          `db:"lease_expires_at"`
	Progress       string         `db:"progress"`
	Result         sql.NullString `db:"result"`
	FailedReason   string         `db:"failed_reason"`
	CreatedAt      int64          `db:"created_at"`
	FinishedAt     int64          `db:"finished_at"`
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (r row) job() (*Job, error) {
	j := &Job{
		ID:             r.ID,
		State:          sendq.JobState(r.State),
		Priority:       r.Priority,
		AttemptsMade:   r.AttemptsMade,
		MaxAttempts:    r.MaxAttempts,
		Backoff:        time.Duration(r.BackoffMs) * time.Millisecond,
		RunAt:          fromMillis(r.RunAt),
		LeaseToken:     r.LeaseToken,
		LeasedBy:       r.LeasedBy,
		LeaseExpiresAt: fromMillis(r.LeaseExpiresAt),
		FailedReason:   r.FailedReason,
		CreatedAt:      fromMillis(r.CreatedAt),
		FinishedAt:     fromMillis(r.FinishedAt),
	}

	err := json.Unmarshal([]byte(r.Payload), &j.Data)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal payload of job %s, %w", r.ID, err)
	}
	if len(r.Progress) > 0 {
		err = json.Unmarshal([]byte(r.Progress), &j.Progress)
		if err != nil {
			return nil, fmt.Errorf("could not unmarshal progress of job %s, %w", r.ID, err)
		}
	}
	if r.Result.Valid && len(r.Result.String) > 0 {
		j.Result = &sendq.Result{}
		err = json.Unmarshal([]byte(r.Result.String), j.Result)
		if err != nil {
			return nil, fmt.Errorf("could not unmarshal result of job %s, %w", r.ID, err)
		}
	}
	return j, nil
}

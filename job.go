package sendq

import (
	"fmt"
	"time"
)

// BatchSize is the number of recipients handed to the mail transport in one call.
const BatchSize = 1000

// LargeCampaign is the recipient count above which a job is put in the second priority tier.
const LargeCampaign = 1000

const (
	PriorityDefault = 1
	PriorityLarge   = 2
)

type Recipient struct {
	Email     string `json:"email"`
	ContactID string `json:"contact_id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func (r Recipient) String() string {
	name := r.FirstName
	if len(r.LastName) > 0 {
		name = fmt.Sprintf("%s %s", name, r.LastName)
	}
	if len(name) == 0 {
		return r.Email
	}
	return fmt.Sprintf("\"%s\" <%s>", name, r.Email)
}

// EmailData is the content of a campaign as it looked when the job was enqueued.
// Workers send from this snapshot and never re-read the campaign while sending.
type EmailData struct {
	Subject   string `json:"subject"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
	ReplyTo   string `json:"reply_to"`
	HTMLBody  string `json:"html_body"`
}

func (e EmailData) Empty() bool {
	return e == EmailData{}
}

// SendJob is the payload of a queued campaign send.
type SendJob struct {
	JobID      string      `json:"job_id"`
	CampaignID string      `json:"campaign_id"`
	UserID     string      `json:"user_id"`
	Recipients []Recipient `json:"recipients"`
	EmailData  EmailData   `json:"email_data"`
	Priority   int         `json:"priority"`
}

// SendJobInput is what a caller submits. Recipients and EmailData are optional, when left
// out they are resolved from the campaign and the user's active contacts.
type SendJobInput struct {
	CampaignID string      `json:"campaign_id"`
	UserID     string      `json:"user_id"`
	Recipients []Recipient `json:"recipients,omitempty"`
	EmailData  *EmailData  `json:"email_data,omitempty"`
}

type JobHandle struct {
	JobID     string `json:"job_id"`
	Duplicate bool   `json:"duplicate"`
}

type Progress struct {
	Processed  int `json:"processed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

func ProgressOf(processed, total int) Progress {
	p := Progress{Processed: processed, Total: total}
	if total > 0 {
		p.Percentage = processed * 100 / total
	}
	return p
}

// Result is the terminal output of a send job.
type Result struct {
	Success      bool     `json:"success"`
	Sent         int      `json:"sent"`
	Failed       int      `json:"failed"`
	FailedEmails []string `json:"failed_emails"`
}

// PriorityFor returns the queue tier for a job. Queues serve the numerically lower tier
// first, so campaigns with more than LargeCampaign recipients wait behind the small ones.
func PriorityFor(recipients int) int {
	if recipients > LargeCampaign {
		return PriorityLarge
	}
	return PriorityDefault
}

// NewJobID derives the idempotency key of a submission, two submissions of the same
// campaign within the same millisecond collapse into one job.
func NewJobID(campaignID string, at time.Time) string {
	return fmt.Sprintf("campaign-%s-%d", campaignID, at.UnixMilli())
}

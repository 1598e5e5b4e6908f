package dao

import "time"

const (
	CampaignStatusDraft   = "draft"
	CampaignStatusSending = "sending"
	CampaignStatusSent    = "sent"
)

const ContactStatusActive = "active"

const EventSent = "sent"

type Campaign struct {
	ID              string     `db:"id"`
	UserID          string     `db:"user_id"`
	Name            string     `db:"name"`
	Subject         string     `db:"subject"`
	FromEmail       string     `db:"from_email"`
	FromName        string     `db:"from_name"`
	ReplyTo         string     `db:"reply_to"`
	HTMLBody        string     `db:"html_body"`
	Status          string     `db:"status"`
	SentAt          *time.Time `db:"sent_at"`
	RecipientsCount int        `db:"recipients_count"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// CampaignUpdate holds the fields the dispatcher writes back, nil fields are left untouched.
type CampaignUpdate struct {
	Status          string
	SentAt          *time.Time
	RecipientsCount *int
}

type Contact struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Email     string `db:"email"`
	FirstName string `db:"first_name"`
	LastName  string `db:"last_name"`
	Status    string `db:"status"`
}

type EmailEvent struct {
	ID         string    `db:"id"`
	CampaignID string    `db:"campaign_id"`
	ContactID  string    `db:"contact_id"`
	Email      string    `db:"email"`
	EventType  string    `db:"event_type"`
	CreatedAt  time.Time `db:"created_at"`
}

// UsagePeriod is the key of the monthly usage counter.
func UsagePeriod(t time.Time) string {
	return t.In(time.UTC).Format("2006-01")
}

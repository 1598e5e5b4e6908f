package dao

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("not found")

// DAO is the narrow view the dispatcher has on the campaign and contact records. The records
// themselves are owned by the CRUD layer.
type DAO interface {
	ReadCampaign(ctx context.Context, id string) (*Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id string, fields CampaignUpdate) error
	ReadActiveContacts(ctx context.Context, userID string) ([]Contact, error)
	IncrementUsage(ctx context.Context, userID string, period string, count int) error
	LogEvents(ctx context.Context, events []EmailEvent) error
}

func NewSQL(db *sqlx.DB) (*SQL, error) {
	s := &SQL{db: db, now: time.Now}
	err := s.ensureSchema()
	return s, err
}

type SQL struct {
	db  *sqlx.DB
	now func() time.Time
}

func (s *SQL) ReadCampaign(ctx context.Context, id string) (*Campaign, error) {
	q := s.db.Rebind(`SELECT * FROM campaigns WHERE id = ?`)
	var c Campaign
	err := s.db.GetContext(ctx, &c, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s, %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not read campaign %s, %w", id, err)
	}
	return &c, nil
}

func (s *SQL) UpdateCampaignStatus(ctx context.Context, id string, fields CampaignUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.now().In(time.UTC)}

	if fields.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, fields.Status)
	}
	if fields.SentAt != nil {
		sets = append(sets, "sent_at = ?")
		args = append(args, fields.SentAt.In(time.UTC))
	}
	if fields.RecipientsCount != nil {
		sets = append(sets, "recipients_count = ?")
		args = append(args, *fields.RecipientsCount)
	}
	args = append(args, id)

	q := s.db.Rebind(fmt.Sprintf(`UPDATE campaigns SET %s WHERE id = ?`, strings.Join(sets, ", ")))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("could not update campaign %s, %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("campaign %s, %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQL) ReadActiveContacts(ctx context.Context, userID string) ([]Contact, error) {
	q := s.db.Rebind(`
		SELECT id, user_id, email, first_name, last_name, status
		FROM contacts
		WHERE user_id = ?
		  AND status = ?
		ORDER BY created_at, id
	`)
	var contacts []Contact
	err := s.db.SelectContext(ctx, &contacts, q, userID, ContactStatusActive)
	if err != nil {
		return nil, fmt.Errorf("could not read contacts of %s, %w", userID, err)
	}
	return contacts, nil
}

func (s *SQL) IncrementUsage(ctx context.Context, userID string, period string, count int) error {
	q := s.db.Rebind(`
		INSERT INTO monthly_usage (user_id, period, emails_sent, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, period)
		DO UPDATE SET emails_sent = monthly_usage.emails_sent + excluded.emails_sent,
		              updated_at = excluded.updated_at
	`)
	_, err := s.db.ExecContext(ctx, q, userID, period, count, s.now().In(time.UTC))
	if err != nil {
		return fmt.Errorf("could not increment usage of %s for %s, %w", userID, period, err)
	}
	return nil
}

func (s *SQL) LogEvents(ctx context.Context, events []EmailEvent) error {
	if len(events) == 0 {
		return nil
	}
	return InTx(s.db, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, `
			INSERT INTO email_events (id, campaign_id, contact_id, email, event_type, created_at)
			VALUES (:id, :campaign_id, :contact_id, :email, :event_type, :created_at)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement, %w", err)
		}
		defer stmt.Close()

		for _, e := range events {
			if e.CreatedAt.IsZero() {
				e.CreatedAt = s.now()
			}
			e.CreatedAt = e.CreatedAt.In(time.UTC)
			_, err = stmt.ExecContext(ctx, e)
			if err != nil {
				return fmt.Errorf("failed to insert event for %s, %w", e.Email, err)
			}
		}
		return nil
	})
}

// SaveCampaign upserts a campaign. It is not part of DAO, campaigns are written by the CRUD
// layer, but seeding and tests need it.
func (s *SQL) SaveCampaign(ctx context.Context, c Campaign) error {
	if c.Status == "" {
		c.Status = CampaignStatusDraft
	}
	c.UpdatedAt = s.now().In(time.UTC)
	q := `
		INSERT INTO campaigns (id, user_id, name, subject, from_email, from_name, reply_to, html_body, status, sent_at, recipients_count, updated_at)
		VALUES (:id, :user_id, :name, :subject, :from_email, :from_name, :reply_to, :html_body, :status, :sent_at, :recipients_count, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, subject = excluded.subject, from_email = excluded.from_email,
			from_name = excluded.from_name, reply_to = excluded.reply_to, html_body = excluded.html_body,
			status = excluded.status, updated_at = excluded.updated_at
	`
	_, err := s.db.NamedExecContext(ctx, q, c)
	return err
}

func (s *SQL) SaveContacts(ctx context.Context, contacts []Contact) error {
	return InTx(s.db, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, `
			INSERT INTO contacts (id, user_id, email, first_name, last_name, status, created_at)
			VALUES (:id, :user_id, :email, :first_name, :last_name, :status, :created_at)
			ON CONFLICT (id) DO UPDATE SET email = excluded.email, first_name = excluded.first_name,
				last_name = excluded.last_name, status = excluded.status
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement, %w", err)
		}
		defer stmt.Close()

		now := s.now().In(time.UTC)
		for i, c := range contacts {
			if c.Status == "" {
				c.Status = ContactStatusActive
			}
			_, err = stmt.ExecContext(ctx, struct {
				Contact
				CreatedAt time.Time `db:"created_at"`
			}{Contact: c, CreatedAt: now.Add(time.Duration(i) * time.Microsecond)})
			if err != nil {
				return fmt.Errorf("failed to insert contact %s, %w", c.ID, err)
			}
		}
		return nil
	})
}

func (s *SQL) Usage(ctx context.Context, userID string, period string) (int, error) {
	q := s.db.Rebind(`SELECT emails_sent FROM monthly_usage WHERE user_id = ? AND period = ?`)
	var n int
	err := s.db.GetContext(ctx, &n, q, userID, period)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *SQL) Events(ctx context.Context, campaignID string) ([]EmailEvent, error) {
	q := s.db.Rebind(`SELECT * FROM email_events WHERE campaign_id = ? ORDER BY created_at, email`)
	var events []EmailEvent
	err := s.db.SelectContext(ctx, &events, q, campaignID)
	return events, err
}

func (s *SQL) ensureSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS campaigns (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		name             TEXT NOT NULL DEFAULT '',
		subject          TEXT NOT NULL DEFAULT '',
		from_email       TEXT NOT NULL DEFAULT '',
		from_name        TEXT NOT NULL DEFAULT '',
		reply_to         TEXT NOT NULL DEFAULT '',
		html_body        TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'draft', -- draft, sending, sent
		sent_at          TIMESTAMP NULL,
		recipients_count INTEGER NOT NULL DEFAULT 0,
		updated_at       TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contacts (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		email      TEXT NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		last_name  TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contacts_user ON contacts(user_id, status);

	CREATE TABLE IF NOT EXISTS monthly_usage (
		user_id     TEXT NOT NULL,
		period      TEXT NOT NULL, -- YYYY-MM
		emails_sent INTEGER NOT NULL DEFAULT 0,
		updated_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, period)
	);

	CREATE TABLE IF NOT EXISTS email_events (
		id          TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		contact_id  TEXT NOT NULL DEFAULT '',
		email       TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_email_events_campaign ON email_events(campaign_id);
	`)
	if err != nil {
		return fmt.Errorf("could upsert schema, %w", err)
	}
	return nil
}

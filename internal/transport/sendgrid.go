package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modfin/henry/slicez"
	"github.com/modfin/sendq"
	"github.com/modfin/sendq/tools"
	"github.com/sirupsen/logrus"
)

const DefaultSendGridURL = "https://api.sendgrid.com/v3/mail/send"

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To            []sgAddress       `json:"to"`
	Substitutions map[string]string `json:"substitutions,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgMail struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	ReplyTo          *sgAddress          `json:"reply_to,omitempty"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
}

// SendGrid talks to the v3 mail send endpoint, one request per batch with one
// personalization per recipient.
type SendGrid struct {
	url    string
	apiKey string
	client *http.Client
	log    *logrus.Logger
}

func NewSendGrid(url string, apiKey string, timeout time.Duration, lc *tools.Logger) *SendGrid {
	if url == "" {
		url = DefaultSendGridURL
	}
	return &SendGrid{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		log:    lc.New("sendgrid"),
	}
}

func (s *SendGrid) SendBatch(ctx context.Context, recipients []sendq.Recipient, email sendq.EmailData) error {
	if len(recipients) == 0 {
		return nil
	}

	mail := sgMail{
		Personalizations: slicez.Map(recipients, func(r sendq.Recipient) sgPersonalization {
			return sgPersonalization{
				To:            []sgAddress{{Email: r.Email, Name: strings.TrimSpace(r.FirstName + " " + r.LastName)}},
				Substitutions: substitutions(r),
			}
		}),
		From:    sgAddress{Email: email.FromEmail, Name: email.FromName},
		Subject: email.Subject,
		Content: []sgContent{{Type: "text/html", Value: email.HTMLBody}},
	}
	if email.ReplyTo != "" {
		mail.ReplyTo = &sgAddress{Email: email.ReplyTo}
	}

	b, err := json.Marshal(mail)
	if err != nil {
		return fmt.Errorf("could not encode sendgrid request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sendgrid returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	s.log.Debugf("sendgrid accepted %d recipients", len(recipients))
	return nil
}

package transport

import (
	"context"
	"fmt"

	"github.com/modfin/henry/slicez"
	"github.com/modfin/sendq"
	"github.com/modfin/sendq/tools"
	"github.com/resend/resend-go/v2"
	"github.com/sirupsen/logrus"
)

// resendChunk is the most emails the resend batch endpoint accepts per call.
const resendChunk = 100

// Resend sends every recipient its own personalized email through the batch endpoint, at most
// resendChunk recipients per call. Larger batches are split with Chunk.
type Resend struct {
	client *resend.Client
	log    *logrus.Logger
}

func NewResend(apiKey string, lc *tools.Logger) *Resend {
	return &Resend{
		client: resend.NewClient(apiKey),
		log:    lc.New("resend"),
	}
}

func (s *Resend) SendBatch(ctx context.Context, recipients []sendq.Recipient, email sendq.EmailData) error {
	if len(recipients) > resendChunk {
		return fmt.Errorf("resend takes at most %d recipients per call, got %d", resendChunk, len(recipients))
	}

	params := slicez.Map(recipients, func(r sendq.Recipient) *resend.SendEmailRequest {
		p := &resend.SendEmailRequest{
			From:    from(email),
			To:      []string{r.Email},
			Subject: email.Subject,
			Html:    personalize(email.HTMLBody, r),
		}
		if email.ReplyTo != "" {
			p.ReplyTo = email.ReplyTo
		}
		return p
	})

	resp, err := s.client.Batch.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("resend batch of %d failed: %w", len(params), err)
	}
	s.log.Debugf("resend accepted %d of %d emails", len(resp.Data), len(params))
	return nil
}

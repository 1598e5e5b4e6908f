package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modfin/henry/compare"
	"github.com/modfin/sendq"
	"github.com/modfin/sendq/internal/metrics"
	"github.com/modfin/sendq/tools"
)

const (
	ProviderSendGrid = "sendgrid"
	ProviderResend   = "resend"
	ProviderLog      = "log"
)

// Transport hands one batch of recipients to an external email provider. A nil error means
// the provider accepted the whole batch. A *PartialError means only the recipients it lists
// were refused, any other error means none of the batch should be counted as sent.
type Transport interface {
	SendBatch(ctx context.Context, recipients []sendq.Recipient, email sendq.EmailData) error
}

// PartialError is returned when a provider accepted some recipients of a batch but not all.
type PartialError struct {
	Failed []string
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d recipients were not accepted: %v", len(e.Failed), e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

type Config struct {
	Provider    string        `cli:"transport"`
	SendGridURL string        `cli:"sendgrid-url"`
	Timeout     time.Duration `cli:"transport-timeout"`

	// at most RateLimit calls per RateWindow, shared by every worker
	RateLimit  int           `cli:"transport-rate-limit"`
	RateWindow time.Duration `cli:"transport-rate-window"`
}

// Keys are the provider secrets, read from the environment.
type Keys struct {
	SendGrid string
	Resend   string
}

// New builds the configured provider, rate limited and instrumented.
func New(cfg Config, keys Keys, lc *tools.Logger, m *metrics.Metrics) (Transport, error) {
	cfg.Timeout = compare.Coalesce(cfg.Timeout, 30*time.Second)
	cfg.RateLimit = compare.Coalesce(cfg.RateLimit, 10)
	cfg.RateWindow = compare.Coalesce(cfg.RateWindow, time.Second)

	var t Transport
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case ProviderSendGrid:
		if keys.SendGrid == "" {
			return nil, fmt.Errorf("the sendgrid transport requires an api key")
		}
		t = NewSendGrid(cfg.SendGridURL, keys.SendGrid, cfg.Timeout, lc)
	case ProviderResend:
		if keys.Resend == "" {
			return nil, fmt.Errorf("the resend transport requires an api key")
		}
		t = NewResend(keys.Resend, lc)
	case ProviderLog, "":
		provider = ProviderLog
		t = NewLog(lc)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Provider)
	}

	t = Limit(Instrument(provider, t, m), cfg.RateLimit, cfg.RateWindow)
	if provider == ProviderResend {
		// every call to resend takes its own token
		t = Chunk(t, resendChunk)
	}
	return t, nil
}

// substitutions are the merge tags a campaign body may use.
func substitutions(r sendq.Recipient) map[string]string {
	return map[string]string{
		"-firstName-": r.FirstName,
		"-lastName-":  r.LastName,
		"-email-":     r.Email,
	}
}

func personalize(body string, r sendq.Recipient) string {
	return strings.NewReplacer(
		"-firstName-", r.FirstName,
		"-lastName-", r.LastName,
		"-email-", r.Email,
	).Replace(body)
}

func from(e sendq.EmailData) string {
	if e.FromName == "" {
		return e.FromEmail
	}
	return fmt.Sprintf("%s <%s>", e.FromName, e.FromEmail)
}

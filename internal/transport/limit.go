package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/modfin/sendq"
	"github.com/modfin/sendq/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Limit lets at most limit calls per window through to t. The tokens are spread evenly over
// the window, so a burst of workers is paced rather than let through at once.
func Limit(t Transport, limit int, window time.Duration) Transport {
	return &limited{
		next:    t,
		limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), 1),
	}
}

type limited struct {
	next    Transport
	limiter *rate.Limiter
}

func (l *limited) SendBatch(ctx context.Context, recipients []sendq.Recipient, email sendq.EmailData) error {
	err := l.limiter.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for transport rate limit: %w", err)
	}
	return l.next.SendBatch(ctx, recipients, email)
}

// Instrument records the duration and outcome of every call to t.
func Instrument(provider string, t Transport, m *metrics.Metrics) Transport {
	if m == nil {
		return t
	}
	f := m.Register()
	return &instrumented{
		next:     t,
		provider: provider,
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sendq_transport_send_seconds",
			Help:    "duration of batch sends to the email provider",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider", "success"}),
		recipients: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sendq_transport_recipients_total",
			Help: "recipients handed to the email provider",
		}, []string{"provider", "success"}),
	}
}

type instrumented struct {
	next       Transport
	provider   string
	duration   *prometheus.HistogramVec
	recipients *prometheus.CounterVec
}

func (i *instrumented) SendBatch(ctx context.Context, recipients []sendq.Recipient, email sendq.EmailData) error {
	start := time.Now()
	err := i.next.SendBatch(ctx, recipients, email)

	success := "true"
	if err != nil {
		success = "false"
	}
	i.duration.WithLabelValues(i.provider, success).Observe(time.Since(start).Seconds())
	i.recipients.WithLabelValues(i.provider, success).Add(float64(len(recipients)))
	return err
}

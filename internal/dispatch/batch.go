package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/modfin/henry/slicez"
	"github.com/modfin/sendq"
	"github.com/modfin/sendq/internal/dao"
	"github.com/modfin/sendq/internal/transport"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// BatchResult is the outcome of sending one batch. Every address of the batch is in either
// Succeeded or Failed.
type BatchResult struct {
	Succeeded []string
	Failed    []string
	Err       string
}

type batcher struct {
	transport transport.Transport
	store     dao.DAO
	log       *logrus.Logger

	size    int
	retries int
	backoff time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	onBatch func(ok bool)
}

// send splits the job into batches and sends them in order. A failed batch does not stop
// the following ones. The returned result always accounts for every recipient exactly once.
func (b *batcher) send(ctx context.Context, job sendq.SendJob, progress func(sendq.Progress)) sendq.Result {
	total := len(job.Recipients)
	res := sendq.Result{Success: true, FailedEmails: []string{}}

	for start := 0; start < total; start += b.size {
		end := min(start+b.size, total)
		batch := job.Recipients[start:end]

		progress(sendq.ProgressOf(start, total))

		br := b.sendBatchWithRetry(ctx, batch, job.EmailData)
		res.Sent += len(br.Succeeded)
		res.Failed += len(br.Failed)
		res.FailedEmails = append(res.FailedEmails, br.Failed...)
		if len(br.Failed) > 0 {
			b.log.WithField("job", job.JobID).Errorf("batch %d-%d, %d of %d failed: %s", start, end, len(br.Failed), len(batch), br.Err)
		}
		b.batchDone(len(br.Failed) == 0)
		b.logSent(ctx, job, only(batch, br.Succeeded))
	}

	progress(sendq.ProgressOf(total, total))
	return res
}

func (b *batcher) batchDone(ok bool) {
	if b.onBatch != nil {
		b.onBatch(ok)
	}
}

// logSent records one sent event per recipient. Failing to record them does not undo the send.
func (b *batcher) logSent(ctx context.Context, job sendq.SendJob, batch []sendq.Recipient) {
	if len(batch) == 0 {
		return
	}
	now := b.now()
	events := slicez.Map(batch, func(r sendq.Recipient) dao.EmailEvent {
		return dao.EmailEvent{
			ID:         xid.New().String(),
			CampaignID: job.CampaignID,
			ContactID:  r.ContactID,
			Email:      r.Email,
			EventType:  dao.EventSent,
			CreatedAt:  now,
		}
	})
	err := b.store.LogEvents(ctx, events)
	if err != nil {
		b.log.WithError(err).WithField("job", job.JobID).Errorf("could not log %d sent events", len(events))
	}
}

// sendBatchWithRetry makes up to b.retries attempts, waiting 2^a * backoff after failed
// attempt a. Recipients the provider accepted are not sent again. It never returns an error
// or panics, the failure is part of the result.
func (b *batcher) sendBatchWithRetry(ctx context.Context, batch []sendq.Recipient, email sendq.EmailData) BatchResult {
	var succeeded []string
	pending := batch

	var err error
	for attempt := 0; attempt < b.retries; attempt++ {
		err = b.attempt(ctx, pending, email)
		if err == nil {
			succeeded = append(succeeded, emailsOf(pending)...)
			pending = nil
			break
		}

		var pe *transport.PartialError
		if errors.As(err, &pe) {
			refused := map[string]bool{}
			for _, e := range pe.Failed {
				refused[e] = true
			}
			succeeded = append(succeeded, emailsOf(slicez.Reject(pending, func(r sendq.Recipient) bool {
				return refused[r.Email]
			}))...)
			pending = slicez.Reject(pending, func(r sendq.Recipient) bool {
				return !refused[r.Email]
			})
			if len(pending) == 0 {
				break
			}
		}
		b.log.WithError(err).Warnf("%d of batch of %d failed on attempt %d of %d", len(pending), len(batch), attempt+1, b.retries)

		if attempt == b.retries-1 {
			break
		}
		serr := b.sleep(ctx, b.backoff<<attempt)
		if serr != nil {
			err = serr
			break
		}
	}

	if len(pending) == 0 {
		return BatchResult{Succeeded: succeeded}
	}
	reason := "no attempts made"
	if err != nil {
		reason = err.Error()
	}
	return BatchResult{Succeeded: succeeded, Failed: emailsOf(pending), Err: reason}
}

// attempt is one call to the transport, a panic in the provider client counts as a failed call.
func (b *batcher) attempt(ctx context.Context, batch []sendq.Recipient, email sendq.EmailData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panicked: %v", r)
			b.log.Errorf("%v\n%s", err, debug.Stack())
		}
	}()
	return b.transport.SendBatch(ctx, batch, email)
}

func emailsOf(rs []sendq.Recipient) []string {
	return slicez.Map(rs, func(r sendq.Recipient) string {
		return r.Email
	})
}

// only returns the recipients of batch whose address is in emails.
func only(batch []sendq.Recipient, emails []string) []sendq.Recipient {
	if len(emails) == len(batch) {
		return batch
	}
	keep := map[string]bool{}
	for _, e := range emails {
		keep[e] = true
	}
	return slicez.Reject(batch, func(r sendq.Recipient) bool {
		return !keep[r.Email]
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

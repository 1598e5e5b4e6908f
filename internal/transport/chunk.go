package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/modfin/henry/slicez"
	"github.com/modfin/sendq"
)

// Chunk splits every batch into calls to t of at most size recipients. A refused chunk does not
// stop the following ones, its recipients are listed in the returned *PartialError.
func Chunk(t Transport, size int) Transport {
	return &chunked{next: t, size: size}
}

type chunked struct {
	next Transport
	size int
}

func (c *chunked) SendBatch(ctx context.Context, recipients []sendq.Recipient, email sendq.EmailData) error {
	var failed []string
	var errs error
	for i := 0; i < len(recipients); i += c.size {
		end := min(i+c.size, len(recipients))
		chunk := recipients[i:end]

		err := c.next.SendBatch(ctx, chunk, email)
		var pe *PartialError
		switch {
		case err == nil:
			continue
		case errors.As(err, &pe):
			failed = append(failed, pe.Failed...)
		default:
			failed = append(failed, slicez.Map(chunk, func(r sendq.Recipient) string {
				return r.Email
			})...)
		}
		errs = errors.Join(errs, fmt.Errorf("chunk at offset %d: %w", i, err))
	}
	if errs == nil {
		return nil
	}
	return &PartialError{Failed: failed, Err: errs}
}

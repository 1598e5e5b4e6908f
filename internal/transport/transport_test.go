package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modfin/sendq"
	"github.com/modfin/sendq/internal/metrics"
	"github.com/modfin/sendq/tools"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var email = sendq.EmailData{
	Subject:   "Autumn news",
	FromEmail: "news@example.com",
	FromName:  "Example",
	ReplyTo:   "reply@example.com",
	HTMLBody:  "<p>Hi -firstName-</p>",
}

var recipients = []sendq.Recipient{
	{Email: "jane@example.com", ContactID: "1", FirstName: "Jane", LastName: "Doe"},
	{Email: "john@example.com", ContactID: "2"},
}

func TestSendGrid(t *testing.T) {
	type testCase struct {
		name    string
		status  int
		wantErr bool
	}
	for _, tc := range []testCase{
		{name: "accepted", status: http.StatusAccepted},
		{name: "ok is not accepted", status: http.StatusOK, wantErr: true},
		{name: "bad request", status: http.StatusBadRequest, wantErr: true},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
	} {
		t.Run(tc.name, func(tc testCase) func(t *testing.T) {
			return func(t *testing.T) {
				var got sgMail
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
					assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
					w.WriteHeader(tc.status)
				}))
				defer srv.Close()

				sg := NewSendGrid(srv.URL, "key", time.Second, tools.DiscardLogger())
				err := sg.SendBatch(context.Background(), recipients, email)
				if tc.wantErr {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)

				require.Len(t, got.Personalizations, 2)
				assert.Equal(t, "jane@example.com", got.Personalizations[0].To[0].Email)
				assert.Equal(t, "Jane Doe", got.Personalizations[0].To[0].Name)
				assert.Equal(t, "Jane", got.Personalizations[0].Substitutions["-firstName-"])
				assert.Equal(t, "john@example.com", got.Personalizations[1].Substitutions["-email-"])
				assert.Equal(t, "news@example.com", got.From.Email)
				require.NotNil(t, got.ReplyTo)
				assert.Equal(t, "reply@example.com", got.ReplyTo.Email)
				assert.Equal(t, email.HTMLBody, got.Content[0].Value)
			}
		}(tc))
	}
}

func TestSendGridNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	sg := NewSendGrid(srv.URL, "key", time.Second, tools.DiscardLogger())
	assert.Error(t, sg.SendBatch(context.Background(), recipients, email))
}

func TestPersonalize(t *testing.T) {
	got := personalize("Hi -firstName- -lastName- (-email-)", recipients[0])
	assert.Equal(t, "Hi Jane Doe (jane@example.com)", got)
	assert.Equal(t, "Example <news@example.com>", from(email))
	assert.Equal(t, "a@example.com", from(sendq.EmailData{FromEmail: "a@example.com"}))
}

type counting struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
}

func (c *counting) SendBatch(context.Context, []sendq.Recipient, sendq.EmailData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, time.Now())
	return c.err
}

func TestLimit(t *testing.T) {
	next := &counting{}
	l := Limit(next, 10, 200*time.Millisecond)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.SendBatch(context.Background(), recipients, email))
		}()
	}
	wg.Wait()

	assert.Len(t, next.calls, 5)
	// one token every 20ms, the first is free
	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
}

func TestLimitCanceled(t *testing.T) {
	l := Limit(&counting{}, 1, time.Hour)
	require.NoError(t, l.SendBatch(context.Background(), recipients, email))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.SendBatch(ctx, recipients, email))
}

func TestInstrument(t *testing.T) {
	m := metrics.New(metrics.Config{}, tools.DiscardLogger())
	next := &counting{}
	tr := Instrument("test", next, m).(*instrumented)

	require.NoError(t, tr.SendBatch(context.Background(), recipients, email))
	next.err = assert.AnError
	assert.Error(t, tr.SendBatch(context.Background(), recipients[:1], email))

	assert.Equal(t, 2.0, testutil.ToFloat64(tr.recipients.WithLabelValues("test", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.recipients.WithLabelValues("test", "false")))
}

func many(n int) []sendq.Recipient {
	rs := make([]sendq.Recipient, n)
	for i := range rs {
		rs[i] = sendq.Recipient{Email: fmt.Sprintf("r%d@example.com", i)}
	}
	return rs
}

func TestResendChunks(t *testing.T) {
	var calls, accepted atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails/batch", r.URL.Path)
		var params []map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.LessOrEqual(t, len(params), resendChunk)

		if calls.Add(1) == 5 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message":"internal error"}`))
			return
		}
		accepted.Add(int64(len(params)))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	rs := NewResend("key", tools.DiscardLogger())
	rs.client.BaseURL, _ = url.Parse(srv.URL + "/")

	batch := many(1000)
	err := Chunk(rs, resendChunk).SendBatch(context.Background(), batch, email)

	var pe *PartialError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Len(t, pe.Failed, 100)
	assert.Equal(t, "r400@example.com", pe.Failed[0])
	assert.Equal(t, "r499@example.com", pe.Failed[99])
	assert.Equal(t, int64(10), calls.Load())
	assert.Equal(t, int64(900), accepted.Load())

	assert.Error(t, rs.SendBatch(context.Background(), batch, email), "more than a chunk in one call")
}

func TestChunkTakesATokenPerCall(t *testing.T) {
	next := &counting{}
	tr := Chunk(Limit(next, 10, 200*time.Millisecond), 100)

	start := time.Now()
	require.NoError(t, tr.SendBatch(context.Background(), many(450), email))
	assert.Len(t, next.calls, 5)
	// one token every 20ms, the first is free
	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
}

func TestChunkPassesPartialFailures(t *testing.T) {
	next := transportFunc(func(rs []sendq.Recipient) error {
		if rs[0].Email == "r2@example.com" {
			return &PartialError{Failed: []string{"r3@example.com"}, Err: assert.AnError}
		}
		return nil
	})
	err := Chunk(next, 2).SendBatch(context.Background(), many(6), email)

	var pe *PartialError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{"r3@example.com"}, pe.Failed)
	assert.ErrorIs(t, err, assert.AnError)
}

type transportFunc func(rs []sendq.Recipient) error

func (f transportFunc) SendBatch(_ context.Context, rs []sendq.Recipient, _ sendq.EmailData) error {
	return f(rs)
}

func TestNew(t *testing.T) {
	type testCase struct {
		name    string
		cfg     Config
		keys    Keys
		wantErr bool
	}
	for _, tc := range []testCase{
		{name: "default is log", cfg: Config{}},
		{name: "log", cfg: Config{Provider: "log"}},
		{name: "sendgrid", cfg: Config{Provider: "SendGrid"}, keys: Keys{SendGrid: "k"}},
		{name: "sendgrid without key", cfg: Config{Provider: "sendgrid"}, wantErr: true},
		{name: "resend", cfg: Config{Provider: "resend"}, keys: Keys{Resend: "k"}},
		{name: "resend without key", cfg: Config{Provider: "resend"}, wantErr: true},
		{name: "unknown", cfg: Config{Provider: "smtp"}, wantErr: true},
	} {
		t.Run(tc.name, func(tc testCase) func(t *testing.T) {
			return func(t *testing.T) {
				tr, err := New(tc.cfg, tc.keys, tools.DiscardLogger(), metrics.New(metrics.Config{}, tools.DiscardLogger()))
				if tc.wantErr {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.NotNil(t, tr)
				if tc.cfg.Provider == ProviderResend {
					assert.IsType(t, &chunked{}, tr)
				}
			}
		}(tc))
	}
}

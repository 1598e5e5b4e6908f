package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/modfin/sendq"
	"github.com/modfin/sendq/internal/dao"
	"github.com/modfin/sendq/internal/events"
	"github.com/modfin/sendq/internal/metrics"
	"github.com/modfin/sendq/internal/queue"
	"github.com/modfin/sendq/internal/transport"
	"github.com/modfin/sendq/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]dao.Campaign
	usage     map[string]int
	events    []dao.EmailEvent

	failStatus  string
	panicStatus string
	failEvents  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{campaigns: map[string]dao.Campaign{}, usage: map[string]int{}}
}

func (f *fakeStore) ReadCampaign(_ context.Context, id string) (*dao.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, dao.ErrNotFound
	}
	return &c, nil
}

func (f *fakeStore) UpdateCampaignStatus(_ context.Context, id string, fields dao.CampaignUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fields.Status == f.failStatus {
		return errors.New("database is locked")
	}
	if fields.Status == f.panicStatus {
		panic("nil map in store")
	}
	c := f.campaigns[id]
	c.ID = id
	c.Status = fields.Status
	if fields.SentAt != nil {
		c.SentAt = fields.SentAt
	}
	if fields.RecipientsCount != nil {
		c.RecipientsCount = *fields.RecipientsCount
	}
	f.campaigns[id] = c
	return nil
}

func (f *fakeStore) ReadActiveContacts(context.Context, string) ([]dao.Contact, error) {
	return nil, nil
}

func (f *fakeStore) IncrementUsage(_ context.Context, userID string, period string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[userID+"/"+period] += count
	return nil
}

func (f *fakeStore) LogEvents(_ context.Context, events []dao.EmailEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEvents {
		return errors.New("disk full")
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeStore) campaign(id string) dao.Campaign {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaigns[id]
}

// fakeTransport fails every call for batches whose first recipient is in failing, and panics
// for those in panicking. The first call takes delay.
type fakeTransport struct {
	mu        sync.Mutex
	calls     int
	failing   map[string]bool
	panicking map[string]bool
	delay     time.Duration
}

func (f *fakeTransport) SendBatch(_ context.Context, recipients []sendq.Recipient, _ sendq.EmailData) error {
	f.mu.Lock()
	f.calls++
	delay := f.delay
	f.delay = 0
	panics := f.panicking[recipients[0].Email]
	fails := f.failing[recipients[0].Email]
	f.mu.Unlock()

	time.Sleep(delay)
	if panics {
		panic("provider client exploded")
	}
	if fails {
		return errors.New("503 service unavailable")
	}
	return nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func recipients(n int) []sendq.Recipient {
	r := make([]sendq.Recipient, n)
	for i := range r {
		r[i] = sendq.Recipient{Email: fmt.Sprintf("r%d@example.com", i), ContactID: fmt.Sprintf("ct%d", i)}
	}
	return r
}

func emails(r []sendq.Recipient) []string {
	var e []string
	for _, x := range r {
		e = append(e, x.Email)
	}
	return e
}

// failBatches makes the batches with the given indexes fail.
func failBatches(size int, idx ...int) map[string]bool {
	m := map[string]bool{}
	for _, i := range idx {
		m[fmt.Sprintf("r%d@example.com", i*size)] = true
	}
	return m
}

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = append(s.d, d)
	return nil
}

func newBatcher(t *fakeTransport, store *fakeStore, s *sleeps) *batcher {
	return &batcher{
		transport: t,
		store:     store,
		log:       tools.DiscardLogger().New("test"),
		size:      sendq.BatchSize,
		retries:   3,
		backoff:   time.Second,
		now:       time.Now,
		sleep:     s.sleep,
	}
}

func TestSendBatchWithRetry(t *testing.T) {
	type testCase struct {
		name      string
		failFirst int
		wantCalls int
		wantWaits []time.Duration
		wantOK    bool
	}
	for _, tc := range []testCase{
		{name: "first attempt", failFirst: 0, wantCalls: 1, wantOK: true},
		{name: "second attempt", failFirst: 1, wantCalls: 2, wantWaits: []time.Duration{time.Second}, wantOK: true},
		{name: "third attempt", failFirst: 2, wantCalls: 3, wantWaits: []time.Duration{time.Second, 2 * time.Second}, wantOK: true},
		{name: "never", failFirst: 5, wantCalls: 3, wantWaits: []time.Duration{time.Second, 2 * time.Second}},
	} {
		t.Run(tc.name, func(tc testCase) func(t *testing.T) {
			return func(t *testing.T) {
				var calls int
				tr := transportFunc(func() error {
					calls++
					if calls <= tc.failFirst {
						return errors.New("timeout")
					}
					return nil
				})
				s := &sleeps{}
				b := newBatcher(&fakeTransport{}, newFakeStore(), s)
				b.transport = tr

				batch := recipients(3)
				res := b.sendBatchWithRetry(context.Background(), batch, sendq.EmailData{})
				assert.Equal(t, tc.wantCalls, calls)
				assert.Equal(t, tc.wantWaits, s.d)
				if tc.wantOK {
					assert.Equal(t, emails(batch), res.Succeeded)
					assert.Empty(t, res.Failed)
					return
				}
				assert.Equal(t, emails(batch), res.Failed)
				assert.Empty(t, res.Succeeded)
				assert.Equal(t, "timeout", res.Err)
			}
		}(tc))
	}
}

type transportFunc func() error

func (f transportFunc) SendBatch(context.Context, []sendq.Recipient, sendq.EmailData) error {
	return f()
}

func TestSendBatchWithRetryCanceled(t *testing.T) {
	b := newBatcher(&fakeTransport{failing: failBatches(sendq.BatchSize, 0)}, newFakeStore(), &sleeps{})
	b.sleep = sleep

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := b.sendBatchWithRetry(ctx, recipients(2), sendq.EmailData{})
	assert.Len(t, res.Failed, 2)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSendBatchWithRetryPartial(t *testing.T) {
	batch := recipients(5)
	var sent [][]string
	tr := recipientsFunc(func(rs []sendq.Recipient) error {
		sent = append(sent, emails(rs))
		switch len(sent) {
		case 1:
			return &transport.PartialError{Failed: []string{"r1@example.com", "r3@example.com"}, Err: errors.New("chunk failed")}
		case 2:
			return &transport.PartialError{Failed: []string{"r3@example.com"}, Err: errors.New("chunk failed")}
		}
		return errors.New("timeout")
	})
	s := &sleeps{}
	b := newBatcher(&fakeTransport{}, newFakeStore(), s)
	b.transport = tr

	res := b.sendBatchWithRetry(context.Background(), batch, sendq.EmailData{})

	// accepted recipients are never sent again
	assert.Equal(t, [][]string{
		emails(batch),
		{"r1@example.com", "r3@example.com"},
		{"r3@example.com"},
	}, sent)
	assert.ElementsMatch(t, []string{"r0@example.com", "r2@example.com", "r4@example.com", "r1@example.com"}, res.Succeeded)
	assert.Equal(t, []string{"r3@example.com"}, res.Failed)
	assert.Equal(t, "timeout", res.Err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.d)
}

type recipientsFunc func(rs []sendq.Recipient) error

func (f recipientsFunc) SendBatch(_ context.Context, rs []sendq.Recipient, _ sendq.EmailData) error {
	return f(rs)
}

func TestPartialBatchAccounting(t *testing.T) {
	store := newFakeStore()
	b := newBatcher(&fakeTransport{}, store, &sleeps{})
	b.size = 10
	refused := map[string]bool{}
	for _, e := range emails(recipients(30)[15:20]) {
		refused[e] = true
	}
	b.transport = recipientsFunc(func(rs []sendq.Recipient) error {
		var failed []string
		for _, r := range rs {
			if refused[r.Email] {
				failed = append(failed, r.Email)
			}
		}
		if len(failed) > 0 {
			return &transport.PartialError{Failed: failed, Err: errors.New("rejected")}
		}
		return nil
	})

	res := b.send(context.Background(), sendq.SendJob{Recipients: recipients(30)}, func(sendq.Progress) {})
	assert.Equal(t, 25, res.Sent)
	assert.Equal(t, 5, res.Failed)
	assert.Equal(t, emails(recipients(30)[15:20]), res.FailedEmails)
	assert.Len(t, store.events, 25)
}

func TestBatchTransportPanic(t *testing.T) {
	tr := &fakeTransport{panicking: map[string]bool{"r1000@example.com": true}}
	b := newBatcher(tr, newFakeStore(), &sleeps{})

	var res sendq.Result
	require.NotPanics(t, func() {
		res = b.send(context.Background(), sendq.SendJob{Recipients: recipients(2500)}, func(sendq.Progress) {})
	})
	assert.Equal(t, 1500, res.Sent)
	assert.Equal(t, 1000, res.Failed)
	assert.Equal(t, emails(recipients(2500)[1000:2000]), res.FailedEmails)
	// the panicking batch is retried like any failed one, the last batch is still sent
	assert.Equal(t, 5, tr.callCount())

	br := b.sendBatchWithRetry(context.Background(), recipients(2500)[1000:1010], sendq.EmailData{})
	assert.Contains(t, br.Err, "panicked")
}

func TestBatchIsolation(t *testing.T) {
	store := newFakeStore()
	tr := &fakeTransport{failing: failBatches(sendq.BatchSize, 2)}
	b := newBatcher(tr, store, &sleeps{})

	rs := recipients(5000)
	res := b.send(context.Background(), sendq.SendJob{JobID: "j", CampaignID: "c1", Recipients: rs}, func(sendq.Progress) {})

	assert.True(t, res.Success)
	assert.Equal(t, 4000, res.Sent)
	assert.Equal(t, 1000, res.Failed)
	assert.Equal(t, emails(rs[2000:3000]), res.FailedEmails)
	// 4 batches once and the failing one 3 times
	assert.Equal(t, 7, tr.callCount())
	assert.Len(t, store.events, 4000)
}

func TestConservation(t *testing.T) {
	type testCase struct {
		name       string
		recipients int
		size       int
		failing    []int
	}
	for _, tc := range []testCase{
		{name: "empty", recipients: 0, size: 1000},
		{name: "single", recipients: 1, size: 1000},
		{name: "exact batch", recipients: 1000, size: 1000, failing: []int{0}},
		{name: "uneven", recipients: 2500, size: 1000, failing: []int{2}},
		{name: "small batches", recipients: 97, size: 10, failing: []int{0, 3, 9}},
		{name: "all failing", recipients: 30, size: 7, failing: []int{0, 1, 2, 3, 4}},
	} {
		t.Run(tc.name, func(tc testCase) func(t *testing.T) {
			return func(t *testing.T) {
				b := newBatcher(&fakeTransport{failing: failBatches(tc.size, tc.failing...)}, newFakeStore(), &sleeps{})
				b.size = tc.size

				res := b.send(context.Background(), sendq.SendJob{Recipients: recipients(tc.recipients)}, func(sendq.Progress) {})
				assert.Equal(t, tc.recipients, res.Sent+res.Failed)
				assert.Len(t, res.FailedEmails, res.Failed)
				assert.NotNil(t, res.FailedEmails)
			}
		}(tc))
	}
}

func TestProgressReports(t *testing.T) {
	b := newBatcher(&fakeTransport{}, newFakeStore(), &sleeps{})
	var got []int
	b.send(context.Background(), sendq.SendJob{Recipients: recipients(2500)}, func(p sendq.Progress) {
		assert.Equal(t, 2500, p.Total)
		got = append(got, p.Percentage)
	})
	assert.Equal(t, []int{0, 40, 80, 100}, got)
}

func TestEventLogFailureKeepsSent(t *testing.T) {
	store := newFakeStore()
	store.failEvents = true
	b := newBatcher(&fakeTransport{}, store, &sleeps{})

	res := b.send(context.Background(), sendq.SendJob{Recipients: recipients(1500)}, func(sendq.Progress) {})
	assert.Equal(t, 1500, res.Sent)
	assert.Equal(t, 0, res.Failed)
}

type harness struct {
	q     *queue.Queue
	d     *Dispatcher
	store *fakeStore
	tr    *fakeTransport
	hub   *events.Hub
}

func setup(t *testing.T, qcfg queue.Config, tr *fakeTransport, store *fakeStore) *harness {
	t.Helper()
	db, err := dao.Open("", filepath.Join(t.TempDir(), "dispatch.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	lc := tools.DiscardLogger()
	hub := events.New()
	m := metrics.New(metrics.Config{}, lc)
	q, err := queue.New(qcfg, lc, db, hub, m)
	require.NoError(t, err)

	d := New(Config{Workers: 2, BatchBackoff: time.Millisecond, Heartbeat: 50 * time.Millisecond}, lc, q, store, tr, hub, m)
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, d.Stop(ctx))
	})
	return &harness{q: q, d: d, store: store, tr: tr, hub: hub}
}

func (h *harness) enqueue(t *testing.T, campaignID string, n int) {
	t.Helper()
	h.enqueueAs(t, sendq.NewJobID(campaignID, time.Now()), campaignID, n)
}

func (h *harness) enqueueAs(t *testing.T, id string, campaignID string, n int) {
	t.Helper()
	_, err := h.q.Enqueue(context.Background(), sendq.SendJob{
		JobID:      id,
		CampaignID: campaignID,
		UserID:     "u1",
		Recipients: recipients(n),
		EmailData:  sendq.EmailData{Subject: "Hi", FromEmail: "news@example.com", HTMLBody: "<p>hi</p>"},
	}, queue.Options{JobID: id})
	require.NoError(t, err)
}

func await(t *testing.T, c <-chan sendq.Event) sendq.Event {
	t.Helper()
	select {
	case e := <-c:
		return e
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for job event")
	}
	return sendq.Event{}
}

func TestDispatchEndToEnd(t *testing.T) {
	store := newFakeStore()
	h := setup(t, queue.Config{}, &fakeTransport{failing: failBatches(sendq.BatchSize, 1)}, store)
	done, cancel := h.hub.Listen(10, sendq.EventCompleted)
	defer cancel()

	h.enqueue(t, "c1", 2500)
	e := await(t, done)

	require.NotNil(t, e.Result)
	assert.True(t, e.Result.Success)
	assert.Equal(t, 1500, e.Result.Sent)
	assert.Equal(t, 1000, e.Result.Failed)
	assert.Equal(t, emails(recipients(2500)[1000:2000]), e.Result.FailedEmails)

	c := store.campaign("c1")
	assert.Equal(t, dao.CampaignStatusSent, c.Status)
	assert.Equal(t, 1500, c.RecipientsCount)
	assert.NotNil(t, c.SentAt)

	store.mu.Lock()
	assert.Equal(t, 1500, store.usage["u1/"+dao.UsagePeriod(*c.SentAt)])
	assert.Len(t, store.events, 1500)
	store.mu.Unlock()

	job, err := h.q.Get(context.Background(), e.JobID)
	require.NoError(t, err)
	assert.Equal(t, sendq.StateCompleted, job.State)
	assert.Equal(t, 100, job.Progress.Percentage)
}

func TestDispatchStatusFailureSendsNothing(t *testing.T) {
	store := newFakeStore()
	store.failStatus = dao.CampaignStatusSending
	tr := &fakeTransport{}
	h := setup(t, queue.Config{Attempts: 1}, tr, store)
	failed, cancel := h.hub.Listen(10, sendq.EventFailed)
	defer cancel()

	h.enqueue(t, "c1", 10)
	e := await(t, failed)

	assert.True(t, e.Terminal)
	assert.Contains(t, e.Err, "sending")
	assert.Equal(t, 0, tr.callCount())
}

func TestDispatchTransportPanicFailsBatch(t *testing.T) {
	store := newFakeStore()
	tr := &fakeTransport{panicking: map[string]bool{"r0@example.com": true}}
	h := setup(t, queue.Config{Attempts: 1}, tr, store)
	done, cancel := h.hub.Listen(10, sendq.EventCompleted)
	defer cancel()

	h.enqueue(t, "c1", 10)
	e := await(t, done)

	require.NotNil(t, e.Result)
	assert.Equal(t, 0, e.Result.Sent)
	assert.Equal(t, 10, e.Result.Failed)
	assert.Len(t, e.Result.FailedEmails, 10)
	assert.Equal(t, 3, tr.callCount())
	assert.Equal(t, dao.CampaignStatusSent, store.campaign("c1").Status)
}

func TestDispatchRecoversPanics(t *testing.T) {
	store := newFakeStore()
	store.panicStatus = dao.CampaignStatusSending
	h := setup(t, queue.Config{Attempts: 1}, &fakeTransport{}, store)
	failed, cancelFailed := h.hub.Listen(10, sendq.EventFailed)
	defer cancelFailed()
	workerErrs, cancelErrs := h.hub.Listen(10, sendq.EventWorkerError)
	defer cancelErrs()

	h.enqueue(t, "c1", 10)

	e := await(t, workerErrs)
	assert.Contains(t, e.Err, "panic")
	e = await(t, failed)
	assert.True(t, e.Terminal)

	// the worker survived and takes the next job
	store.mu.Lock()
	store.panicStatus = ""
	store.mu.Unlock()
	done, cancel := h.hub.Listen(10, sendq.EventCompleted)
	defer cancel()
	h.enqueue(t, "c2", 10)
	e = await(t, done)
	assert.Equal(t, 10, e.Result.Sent)
}

func TestDispatchSameCampaignSendsOnce(t *testing.T) {
	store := newFakeStore()
	tr := &fakeTransport{delay: 800 * time.Millisecond}
	h := setup(t, queue.Config{LeaseDuration: 200 * time.Millisecond, ReapInterval: 50 * time.Millisecond}, tr, store)
	h.q.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.q.Stop(ctx))
	})
	done, cancel := h.hub.Listen(10, sendq.EventCompleted)
	defer cancel()

	// the second job waits for the campaign longer than a lease
	h.enqueueAs(t, "campaign-c1-1", "c1", 1)
	h.enqueueAs(t, "campaign-c1-2", "c1", 1)
	await(t, done)
	await(t, done)
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, 2, tr.callCount())
	store.mu.Lock()
	defer store.mu.Unlock()
	var usage int
	for _, n := range store.usage {
		usage += n
	}
	assert.Equal(t, 2, usage)
}

// lostQueue has given every lease away to someone else.
type lostQueue struct {
	mu        sync.Mutex
	completed int
	failed    int
}

func (q *lostQueue) Claim(ctx context.Context, _ string) (*queue.Job, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *lostQueue) Heartbeat(_ context.Context, job *queue.Job) error {
	return fmt.Errorf("job %s: %w", job.ID, queue.ErrLeaseLost)
}

func (q *lostQueue) UpdateProgress(context.Context, *queue.Job, sendq.Progress) error {
	return nil
}

func (q *lostQueue) Complete(context.Context, *queue.Job, sendq.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed++
	return nil
}

func (q *lostQueue) Fail(context.Context, *queue.Job, error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed++
	return true, nil
}

func TestProcessWithLostLeaseSendsNothing(t *testing.T) {
	lc := tools.DiscardLogger()
	store := newFakeStore()
	tr := &fakeTransport{}
	lq := &lostQueue{}
	hub := events.New()
	workerErrs, cancel := hub.Listen(10, sendq.EventWorkerError)
	defer cancel()

	d := New(Config{Heartbeat: time.Hour}, lc, lq, store, tr, hub, metrics.New(metrics.Config{}, lc))
	d.process(&queue.Job{ID: "campaign-c1-1", Data: sendq.SendJob{CampaignID: "c1", UserID: "u1", Recipients: recipients(3)}})

	assert.Equal(t, 0, tr.callCount())
	assert.Equal(t, "", store.campaign("c1").Status)
	assert.Empty(t, store.usage)
	assert.Equal(t, 0, lq.completed)
	assert.Equal(t, 0, lq.failed)
	e := await(t, workerErrs)
	assert.Contains(t, e.Err, "lease lost")
}

func TestDispatchManyJobs(t *testing.T) {
	h := setup(t, queue.Config{}, &fakeTransport{}, newFakeStore())
	done, cancel := h.hub.Listen(100, sendq.EventCompleted)
	defer cancel()

	for i := 0; i < 10; i++ {
		h.enqueue(t, fmt.Sprintf("c%d", i), 5)
	}
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		seen[await(t, done).CampaignID] = true
	}
	assert.Len(t, seen, 10)
}

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/modfin/henry/compare"
	"github.com/modfin/sendq"
	"github.com/modfin/sendq/internal/dao"
	"github.com/modfin/sendq/internal/events"
	"github.com/modfin/sendq/internal/metrics"
	"github.com/modfin/sendq/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

var (
	ErrDuplicateJob = errors.New("job already exists")
	ErrEmpty        = errors.New("no job available")
	ErrNotFound     = errors.New("job not found")
	ErrLeaseLost    = errors.New("job lease lost")
)

type Config struct {
	Attempts      int           `cli:"queue-attempts"`
	Backoff       time.Duration `cli:"queue-backoff"`
	LeaseDuration time.Duration `cli:"queue-lease"`
	PollInterval  time.Duration `cli:"queue-poll-interval"`
	ReapInterval  time.Duration `cli:"queue-reap-interval"`
	CleanInterval time.Duration `cli:"queue-clean-interval"`

	CompletedMaxAge   time.Duration `cli:"queue-completed-max-age"`
	CompletedMaxCount int           `cli:"queue-completed-max-count"`
	FailedMaxAge      time.Duration `cli:"queue-failed-max-age"`
	FailedMaxCount    int           `cli:"queue-failed-max-count"`
}

func DefaultConfig() Config {
	return Config{
		Attempts:          3,
		Backoff:           2 * time.Second,
		LeaseDuration:     30 * time.Second,
		PollInterval:      time.Second,
		ReapInterval:      5 * time.Second,
		CleanInterval:     time.Minute,
		CompletedMaxAge:   time.Hour,
		CompletedMaxCount: 100,
		FailedMaxAge:      24 * time.Hour,
		FailedMaxCount:    500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.Attempts = compare.Coalesce(c.Attempts, d.Attempts)
	c.Backoff = compare.Coalesce(c.Backoff, d.Backoff)
	c.LeaseDuration = compare.Coalesce(c.LeaseDuration, d.LeaseDuration)
	c.PollInterval = compare.Coalesce(c.PollInterval, d.PollInterval)
	c.ReapInterval = compare.Coalesce(c.ReapInterval, d.ReapInterval)
	c.CleanInterval = compare.Coalesce(c.CleanInterval, d.CleanInterval)
	c.CompletedMaxAge = compare.Coalesce(c.CompletedMaxAge, d.CompletedMaxAge)
	c.CompletedMaxCount = compare.Coalesce(c.CompletedMaxCount, d.CompletedMaxCount)
	c.FailedMaxAge = compare.Coalesce(c.FailedMaxAge, d.FailedMaxAge)
	c.FailedMaxCount = compare.Coalesce(c.FailedMaxCount, d.FailedMaxCount)
	return c
}

// Options are given per job at enqueue time, zero values fall back to the queue config.
type Options struct {
	JobID    string
	Priority int
	Attempts int
	Backoff  time.Duration
}

type queueMetrics struct {
	jobs *prometheus.CounterVec
}

// Queue is a durable job queue stored in a sql table. Jobs are served lowest priority
// number first and in insertion order within a priority. A claimed job is leased to its
// worker; a job whose lease runs out is considered stalled and retried.
type Queue struct {
	db  *sqlx.DB
	cfg Config
	log *logrus.Logger
	hub *events.Hub
	now func() time.Time

	metrics queueMetrics

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
	ostart sync.Once
	ostop  sync.Once

	sig chan struct{}
}

func New(cfg Config, lc *tools.Logger, db *sqlx.DB, hub *events.Hub, m *metrics.Metrics) (*Queue, error) {
	q := &Queue{
		db:  db,
		cfg: cfg.withDefaults(),
		log: lc.New("queue"),
		hub: hub,
		now: time.Now,
		sig: make(chan struct{}, 1),
		metrics: queueMetrics{
			jobs: m.Register().NewCounterVec(prometheus.CounterOpts{
				Name: "sendq_queue_jobs_total", Help: "job transitions in the queue",
			}, []string{"event"}),
		},
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())

	err := q.ensureSchema()
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Start runs the stalled job reaper and the pruner in the background.
func (q *Queue) Start() {
	q.ostart.Do(func() {
		q.log.Infof("starting queue, lease %s, %d attempts with %s exponential backoff",
			q.cfg.LeaseDuration, q.cfg.Attempts, q.cfg.Backoff)
		q.wg.Add(2)
		go q.loop("reaper", q.cfg.ReapInterval, func() {
			n, err := q.RecoverStalled(q.ctx)
			if err != nil {
				q.log.WithError(err).Error("reaper; could not recover stalled jobs")
			}
			if n > 0 {
				q.log.Warnf("reaper; recovered %d stalled jobs", n)
			}
		})
		go q.loop("cleaner", q.cfg.CleanInterval, func() {
			res, err := q.Clean(q.ctx)
			if err != nil {
				q.log.WithError(err).Error("cleaner; could not prune jobs")
				return
			}
			if res.Completed+res.Failed > 0 {
				q.log.Debugf("cleaner; pruned %d completed and %d failed jobs", res.Completed, res.Failed)
			}
		})
	})
}

func (q *Queue) loop(name string, every time.Duration, fn func()) {
	defer q.wg.Done()
	q.log.Debugf("%s; starting", name)
	for {
		select {
		case <-q.ctx.Done():
			q.log.Debugf("%s; stopping", name)
			return
		case <-time.After(every):
		}
		fn()
	}
}

func (q *Queue) Stop(ctx context.Context) error {
	q.ostop.Do(func() {
		q.cancel()
	})
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) sigEnqueue() {
	select {
	case q.sig <- struct{}{}:
	default:
	}
}

func (q *Queue) Enqueue(ctx context.Context, data sendq.SendJob, opts Options) (*Job, error) {
	if opts.JobID == "" {
		return nil, errors.New("a job id must be provided")
	}
	data.JobID = opts.JobID
	data.Priority = compare.Coalesce(opts.Priority, data.Priority, sendq.PriorityFor(len(data.Recipients)))

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("could not encode job payload: %w", err)
	}

	now := q.now()
	r := row{
		ID:           opts.JobID,
		State:        string(sendq.StateWaiting),
		Priority:     data.Priority,
		Payload:      string(payload),
		MaxAttempts:  compare.Coalesce(opts.Attempts, q.cfg.Attempts),
		BackoffMs:    compare.Coalesce(opts.Backoff, q.cfg.Backoff).Milliseconds(),
		RunAt:        now.UnixMilli(),
		Progress:     mustJSON(sendq.ProgressOf(0, len(data.Recipients))),
		CreatedAt:    now.UnixMilli(),
		FailedReason: "",
	}

	res, err := q.db.NamedExecContext(ctx, `
		INSERT INTO send_jobs (id, state, priority, payload, attempts_made, max_attempts, backoff_ms, run_at,
		                       lease_token, leased_by, lease_expires_at, progress, failed_reason, created_at, finished_at)
		VALUES (:id, :state, :priority, :payload, 0, :max_attempts, :backoff_ms, :run_at,
		        '', '', 0, :progress, '', :created_at, 0)
		ON CONFLICT (id) DO NOTHING
	`, r)
	if err != nil {
		return nil, fmt.Errorf("could not insert job %s: %w", opts.JobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		q.metrics.jobs.WithLabelValues("duplicate").Inc()
		return nil, fmt.Errorf("job %s: %w", opts.JobID, ErrDuplicateJob)
	}

	q.metrics.jobs.WithLabelValues("enqueued").Inc()
	q.log.WithField("job", opts.JobID).WithField("priority", r.Priority).
		Debugf("enqueue; job with %d recipients enqueued", len(data.Recipients))
	q.sigEnqueue()
	return r.job()
}

// Claim blocks until a job can be leased to workerID or ctx is done.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Job, error) {
	for {
		job, err := q.TryClaim(ctx, workerID)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.sig:
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// TryClaim leases the next eligible job to workerID, or returns ErrEmpty.
func (q *Queue) TryClaim(ctx context.Context, workerID string) (*Job, error) {
	var claimed *row

	// a concurrent claimer may win the conditional update, then we look again
	for i := 0; i < 5 && claimed == nil; i++ {
		var lost bool
		err := dao.InTx(q.db, func(tx *sqlx.Tx) error {
			now := q.now()
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE send_jobs SET state = ? WHERE state = ? AND run_at <= ?
			`), string(sendq.StateWaiting), string(sendq.StateDelayed), now.UnixMilli())
			if err != nil {
				return fmt.Errorf("could not promote delayed jobs: %w", err)
			}

			var r row
			err = tx.GetContext(ctx, &r, tx.Rebind(`
				SELECT * FROM send_jobs
				WHERE state = ?
				ORDER BY priority ASC, seq ASC
				LIMIT 1
			`), string(sendq.StateWaiting))
			if errors.Is(err, sql.ErrNoRows) {
				return ErrEmpty
			}
			if err != nil {
				return fmt.Errorf("could not select next job: %w", err)
			}

			r.State = string(sendq.StateActive)
			r.LeaseToken = xid.New().String()
			r.LeasedBy = workerID
			r.LeaseExpiresAt = now.Add(q.cfg.LeaseDuration).UnixMilli()

			res, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE send_jobs
				SET state = ?, lease_token = ?, leased_by = ?, lease_expires_at = ?
				WHERE id = ? AND state = ?
			`), r.State, r.LeaseToken, r.LeasedBy, r.LeaseExpiresAt, r.ID, string(sendq.StateWaiting))
			if err != nil {
				return fmt.Errorf("could not claim job %s: %w", r.ID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected != 1 {
				lost = true
				return nil
			}
			claimed = &r
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !lost && claimed == nil {
			break
		}
	}
	if claimed == nil {
		return nil, ErrEmpty
	}

	q.metrics.jobs.WithLabelValues("claimed").Inc()
	q.log.WithField("job", claimed.ID).WithField("worker", workerID).Debugf("claim; job leased, attempt %d", claimed.AttemptsMade+1)
	return claimed.job()
}

// Heartbeat extends the lease of a claimed job.
func (q *Queue) Heartbeat(ctx context.Context, job *Job) error {
	expires := q.now().Add(q.cfg.LeaseDuration)
	err := q.updateLeased(ctx, job, `lease_expires_at = ?`, expires.UnixMilli())
	if err != nil {
		return err
	}
	job.LeaseExpiresAt = time.UnixMilli(expires.UnixMilli())
	return nil
}

func (q *Queue) UpdateProgress(ctx context.Context, job *Job, p sendq.Progress) error {
	err := q.updateLeased(ctx, job, `progress = ?`, mustJSON(p))
	if err != nil {
		return err
	}
	job.Progress = p
	return nil
}

func (q *Queue) Complete(ctx context.Context, job *Job, result sendq.Result) error {
	now := q.now()
	err := q.updateLeased(ctx, job, `state = ?, result = ?, finished_at = ?, lease_token = '', lease_expires_at = 0`,
		string(sendq.StateCompleted), mustJSON(result), now.UnixMilli())
	if err != nil {
		return err
	}
	job.State = sendq.StateCompleted
	job.Result = &result
	job.FinishedAt = time.UnixMilli(now.UnixMilli())
	job.LeaseToken = ""

	q.metrics.jobs.WithLabelValues("completed").Inc()
	q.log.WithField("job", job.ID).Infof("complete; job completed, sent %d, failed %d", result.Sent, result.Failed)
	q.hub.Publish(sendq.Event{
		Kind:       sendq.EventCompleted,
		JobID:      job.ID,
		CampaignID: job.Data.CampaignID,
		WorkerID:   job.LeasedBy,
		Attempt:    job.AttemptsMade + 1,
		Result:     &result,
	})
	return nil
}

// Fail records a failed attempt. The job is scheduled for a retry with exponential backoff
// until its attempts are used up, after that it is failed for good and terminal is true.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (terminal bool, err error) {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	var r row
	err = dao.InTx(q.db, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &r, tx.Rebind(`SELECT * FROM send_jobs WHERE id = ?`), job.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if r.State != string(sendq.StateActive) || r.LeaseToken != job.LeaseToken {
			return fmt.Errorf("job %s: %w", job.ID, ErrLeaseLost)
		}
		terminal, err = q.fail(ctx, tx, &r, reason)
		return err
	})
	if err != nil {
		return false, err
	}

	updated, err := r.job()
	if err != nil {
		return terminal, err
	}
	*job = *updated
	q.failed(job, terminal)
	return terminal, nil
}

func (q *Queue) fail(ctx context.Context, tx *sqlx.Tx, r *row, reason string) (terminal bool, err error) {
	now := q.now()
	r.AttemptsMade++
	r.FailedReason = reason
	r.LeaseToken = ""
	r.LeaseExpiresAt = 0

	if r.AttemptsMade < r.MaxAttempts {
		delay := time.Duration(r.BackoffMs) * time.Millisecond << (r.AttemptsMade - 1)
		r.State = string(sendq.StateDelayed)
		r.RunAt = now.Add(delay).UnixMilli()
	} else {
		terminal = true
		r.State = string(sendq.StateFailed)
		r.FinishedAt = now.UnixMilli()
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE send_jobs
		SET state = ?, attempts_made = ?, failed_reason = ?, run_at = ?, finished_at = ?,
		    lease_token = '', lease_expires_at = 0
		WHERE id = ?
	`), r.State, r.AttemptsMade, r.FailedReason, r.RunAt, r.FinishedAt, r.ID)
	if err != nil {
		return false, fmt.Errorf("could not record failure of job %s: %w", r.ID, err)
	}
	return terminal, nil
}

func (q *Queue) failed(job *Job, terminal bool) {
	l := q.log.WithField("job", job.ID).WithField("attempt", job.AttemptsMade)
	if terminal {
		q.metrics.jobs.WithLabelValues("failed").Inc()
		l.Errorf("fail; job failed permanently: %s", job.FailedReason)
	} else {
		q.metrics.jobs.WithLabelValues("retried").Inc()
		l.Warnf("fail; job will be retried in %s: %s", job.RunAt.Sub(q.now()).Truncate(time.Millisecond), job.FailedReason)
	}
	q.hub.Publish(sendq.Event{
		Kind:       sendq.EventFailed,
		JobID:      job.ID,
		CampaignID: job.Data.CampaignID,
		Attempt:    job.AttemptsMade,
		Terminal:   terminal,
		Err:        job.FailedReason,
	})
}

// RecoverStalled fails the attempt of every active job whose lease has expired, their
// workers are assumed dead. Returns the number of recovered jobs.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	var stalled []row
	err := q.db.SelectContext(ctx, &stalled, q.db.Rebind(`
		SELECT * FROM send_jobs WHERE state = ? AND lease_expires_at < ?
	`), string(sendq.StateActive), q.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("could not select stalled jobs: %w", err)
	}

	var recovered int
	var errs error
	for _, r := range stalled {
		r := r
		var terminal, done bool
		err := dao.InTx(q.db, func(tx *sqlx.Tx) error {
			var cur row
			err := tx.GetContext(ctx, &cur, tx.Rebind(`SELECT * FROM send_jobs WHERE id = ?`), r.ID)
			if err != nil {
				return err
			}
			// heartbeat or completion raced the reaper
			if cur.State != string(sendq.StateActive) || cur.LeaseToken != r.LeaseToken || cur.LeaseExpiresAt >= q.now().UnixMilli() {
				return nil
			}
			r = cur
			terminal, err = q.fail(ctx, tx, &r, fmt.Sprintf("job stalled, lease held by %s expired", cur.LeasedBy))
			done = err == nil
			return err
		})
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if !done {
			continue
		}
		recovered++
		q.metrics.jobs.WithLabelValues("stalled").Inc()
		job, err := r.job()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		q.failed(job, terminal)
	}
	return recovered, errs
}

// Clean prunes finished jobs. Completed jobs are kept for CompletedMaxAge and at most
// CompletedMaxCount of them, failed jobs for FailedMaxAge and at most FailedMaxCount.
// Waiting, delayed and active jobs are never touched.
func (q *Queue) Clean(ctx context.Context) (sendq.CleanResult, error) {
	var res sendq.CleanResult
	var err error
	res.Completed, err = q.prune(ctx, sendq.StateCompleted, q.cfg.CompletedMaxAge, q.cfg.CompletedMaxCount)
	if err != nil {
		return res, err
	}
	res.Failed, err = q.prune(ctx, sendq.StateFailed, q.cfg.FailedMaxAge, q.cfg.FailedMaxCount)
	if err != nil {
		return res, err
	}
	if res.Completed+res.Failed > 0 {
		q.metrics.jobs.WithLabelValues("pruned").Add(float64(res.Completed + res.Failed))
	}
	return res, nil
}

func (q *Queue) prune(ctx context.Context, state sendq.JobState, maxAge time.Duration, maxCount int) (int, error) {
	var total int64
	err := dao.InTx(q.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM send_jobs WHERE state = ? AND finished_at < ?
		`), string(state), q.now().Add(-maxAge).UnixMilli())
		if err != nil {
			return fmt.Errorf("could not prune old %s jobs: %w", state, err)
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM send_jobs
			WHERE state = ?
			  AND seq NOT IN (
				SELECT seq FROM send_jobs WHERE state = ? ORDER BY finished_at DESC, seq DESC LIMIT ?
			  )
		`), string(state), string(state), maxCount)
		if err != nil {
			return fmt.Errorf("could not prune excess %s jobs: %w", state, err)
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	return int(total), err
}

func (q *Queue) Stats(ctx context.Context) (sendq.QueueStats, error) {
	var counts []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	err := q.db.SelectContext(ctx, &counts, `SELECT state, COUNT(*) AS n FROM send_jobs GROUP BY state`)
	if err != nil {
		return sendq.QueueStats{}, fmt.Errorf("could not count jobs: %w", err)
	}

	var s sendq.QueueStats
	for _, c := range counts {
		switch sendq.JobState(c.State) {
		case sendq.StateWaiting:
			s.Waiting = c.N
		case sendq.StateActive:
			s.Active = c.N
		case sendq.StateCompleted:
			s.Completed = c.N
		case sendq.StateFailed:
			s.Failed = c.N
		case sendq.StateDelayed:
			s.Delayed = c.N
		}
		s.Total += c.N
	}
	return s, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	var r row
	err := q.db.GetContext(ctx, &r, q.db.Rebind(`SELECT * FROM send_jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r.job()
}

// List returns the most recent jobs in the given state.
func (q *Queue) List(ctx context.Context, state sendq.JobState, limit int) ([]*Job, error) {
	var rows []row
	err := q.db.SelectContext(ctx, &rows, q.db.Rebind(`
		SELECT * FROM send_jobs WHERE state = ? ORDER BY seq DESC LIMIT ?
	`), string(state), limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (q *Queue) updateLeased(ctx context.Context, job *Job, set string, args ...any) error {
	args = append(args, job.ID, job.LeaseToken, string(sendq.StateActive))
	res, err := q.db.ExecContext(ctx, q.db.Rebind(fmt.Sprintf(`
		UPDATE send_jobs SET %s WHERE id = ? AND lease_token = ? AND state = ?
	`, set)), args...)
	if err != nil {
		return fmt.Errorf("could not update job %s: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("job %s: %w", job.ID, ErrLeaseLost)
	}
	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("could not marshal %T: %v", v, err))
	}
	return string(b)
}

func (q *Queue) ensureSchema() error {
	seq := `seq INTEGER PRIMARY KEY AUTOINCREMENT`
	if q.db.DriverName() == dao.DriverPostgres {
		seq = `seq BIGSERIAL PRIMARY KEY`
	}

	_, err := q.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS send_jobs (
		%s,
		id               TEXT NOT NULL UNIQUE,
		state            TEXT NOT NULL, -- waiting, delayed, active, completed, failed
		priority         INTEGER NOT NULL,
		payload          TEXT NOT NULL,
		attempts_made    INTEGER NOT NULL DEFAULT 0,
		max_attempts     INTEGER NOT NULL,
		backoff_ms       BIGINT NOT NULL,
		run_at           BIGINT NOT NULL,
		lease_token      TEXT NOT NULL DEFAULT '',
		leased_by        TEXT NOT NULL DEFAULT '',
		lease_expires_at BIGINT NOT NULL DEFAULT 0,
		progress         TEXT NOT NULL DEFAULT '',
		result           TEXT NULL,
		failed_reason    TEXT NOT NULL DEFAULT '',
		created_at       BIGINT NOT NULL,
		finished_at      BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_send_jobs_next ON send_jobs(state, priority, seq);
	`, seq))
	if err != nil {
		return fmt.Errorf("could upsert queue schema, %w", err)
	}
	return nil
}

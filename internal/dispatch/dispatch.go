package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/modfin/henry/compare"
	"github.com/modfin/sendq"
	"github.com/modfin/sendq/internal/dao"
	"github.com/modfin/sendq/internal/events"
	"github.com/modfin/sendq/internal/metrics"
	"github.com/modfin/sendq/internal/queue"
	"github.com/modfin/sendq/internal/transport"
	"github.com/modfin/sendq/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Workers      int           `cli:"workers"`
	BatchSize    int           `cli:"batch-size"`
	BatchRetries int           `cli:"batch-retries"`
	BatchBackoff time.Duration `cli:"batch-backoff"`
	Heartbeat    time.Duration `cli:"heartbeat"`
}

func (c Config) withDefaults() Config {
	c.Workers = compare.Coalesce(c.Workers, 5)
	c.BatchSize = compare.Coalesce(c.BatchSize, sendq.BatchSize)
	c.BatchRetries = compare.Coalesce(c.BatchRetries, 3)
	c.BatchBackoff = compare.Coalesce(c.BatchBackoff, time.Second)
	c.Heartbeat = compare.Coalesce(c.Heartbeat, 10*time.Second)
	return c
}

// Queue is the part of the job queue the dispatcher works against.
type Queue interface {
	Claim(ctx context.Context, workerID string) (*queue.Job, error)
	Heartbeat(ctx context.Context, job *queue.Job) error
	UpdateProgress(ctx context.Context, job *queue.Job, p sendq.Progress) error
	Complete(ctx context.Context, job *queue.Job, result sendq.Result) error
	Fail(ctx context.Context, job *queue.Job, cause error) (bool, error)
}

type dispatchMetrics struct {
	jobs     *prometheus.CounterVec
	batches  *prometheus.CounterVec
	inflight prometheus.Gauge
}

// Dispatcher claims send jobs from the queue and runs them on a fixed pool of workers.
// A job is only claimed when a worker is free to take it.
type Dispatcher struct {
	queue Queue
	store dao.DAO
	hub   *events.Hub
	log   *logrus.Logger
	cfg   Config
	id    string

	batcher *batcher
	metrics dispatchMetrics

	pool      *pond.WorkerPool
	slots     chan struct{}
	campaigns *tools.KeyedMutex[string]

	// claiming stops when ctx is canceled, running jobs only when jobCtx is
	ctx       context.Context
	cancel    func()
	jobCtx    context.Context
	jobCancel func()
	stopped   chan struct{}

	ostart sync.Once
	ostop  sync.Once
}

func New(cfg Config, lc *tools.Logger, q Queue, store dao.DAO, t transport.Transport, hub *events.Hub, m *metrics.Metrics) *Dispatcher {
	cfg = cfg.withDefaults()
	log := lc.New("dispatch")
	f := m.Register()

	d := &Dispatcher{
		queue:     q,
		store:     store,
		hub:       hub,
		log:       log,
		cfg:       cfg,
		id:        xid.New().String(),
		slots:     make(chan struct{}, cfg.Workers),
		campaigns: tools.NewKeyedMutex[string](),
		stopped:   make(chan struct{}),
		metrics: dispatchMetrics{
			jobs: f.NewCounterVec(prometheus.CounterOpts{
				Name: "sendq_dispatch_jobs_total", Help: "jobs processed by outcome",
			}, []string{"outcome"}),
			batches: f.NewCounterVec(prometheus.CounterOpts{
				Name: "sendq_dispatch_batches_total", Help: "batches sent by outcome",
			}, []string{"outcome"}),
			inflight: f.NewGauge(prometheus.GaugeOpts{
				Name: "sendq_dispatch_jobs_inflight", Help: "jobs currently being processed",
			}),
		},
	}
	d.batcher = &batcher{
		transport: t,
		store:     store,
		log:       log,
		size:      cfg.BatchSize,
		retries:   cfg.BatchRetries,
		backoff:   cfg.BatchBackoff,
		now:       time.Now,
		sleep:     sleep,
		onBatch: func(ok bool) {
			outcome := "sent"
			if !ok {
				outcome = "failed"
			}
			d.metrics.batches.WithLabelValues(outcome).Inc()
		},
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.jobCtx, d.jobCancel = context.WithCancel(context.Background())
	return d
}

func (d *Dispatcher) Start() {
	d.ostart.Do(func() {
		d.log.Infof("starting dispatcher %s with %d workers", d.id, d.cfg.Workers)
		d.pool = pond.New(d.cfg.Workers, d.cfg.Workers)
		go d.start()
	})
}

func (d *Dispatcher) start() {
	defer close(d.stopped)

	for {
		select {
		case d.slots <- struct{}{}:
		case <-d.ctx.Done():
			return
		}

		job, err := d.queue.Claim(d.ctx, d.id)
		if err != nil {
			<-d.slots
			if d.ctx.Err() != nil {
				return
			}
			d.log.WithError(err).Error("could not claim job")
			d.hub.Publish(sendq.Event{Kind: sendq.EventWorkerError, WorkerID: d.id, Err: err.Error()})
			_ = sleep(d.ctx, time.Second)
			continue
		}

		d.pool.Submit(func() {
			defer func() { <-d.slots }()
			d.process(job)
		})
	}
}

// Stop stops claiming new jobs and waits for the running ones. If ctx is done first the
// running jobs are abandoned, they keep their lease and are picked up again once it expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.Start() // makes sure stopped will be closed
	var err error
	d.ostop.Do(func() {
		d.cancel()
		<-d.stopped

		select {
		case <-d.pool.Stop().Done():
			d.log.Info("dispatcher has been shut down")
		case <-ctx.Done():
			d.jobCancel()
			err = ctx.Err()
		}
	})
	return err
}

func (d *Dispatcher) process(job *queue.Job) {
	l := d.log.WithField("job", job.ID).WithField("campaign", job.Data.CampaignID)

	d.metrics.inflight.Inc()
	defer d.metrics.inflight.Dec()

	// another job of the campaign may hold the lock for longer than a lease
	_, stopWaiting := d.leased(d.jobCtx, job)
	d.campaigns.Lock(job.Data.CampaignID)
	defer d.campaigns.Unlock(job.Data.CampaignID)
	stopWaiting()

	if d.jobCtx.Err() != nil {
		l.Warn("dispatcher stopped before job started, leaving it to be recovered")
		d.metrics.jobs.WithLabelValues("abandoned").Inc()
		return
	}
	err := d.queue.Heartbeat(d.jobCtx, job)
	if err != nil {
		l.WithError(err).Warn("lost the lease while waiting for the campaign, not sending")
		d.workerError(job, err)
		d.metrics.jobs.WithLabelValues("lost").Inc()
		return
	}

	ctx, stop := d.leased(d.jobCtx, job)
	l.Infof("processing job with %d recipients, attempt %d of %d", len(job.Data.Recipients), job.AttemptsMade+1, job.MaxAttempts)
	result, err := d.run(ctx, job)
	stop()

	if d.jobCtx.Err() != nil {
		l.Warn("dispatcher stopped while processing job, leaving it to be recovered")
		d.metrics.jobs.WithLabelValues("abandoned").Inc()
		return
	}

	// bookkeeping outlives the job context
	bctx, bcancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bcancel()

	if err != nil {
		l.WithError(err).Error("job attempt failed")
		terminal, ferr := d.queue.Fail(bctx, job, err)
		if ferr != nil {
			l.WithError(ferr).Error("could not record job failure")
			d.workerError(job, ferr)
			return
		}
		outcome := "retried"
		if terminal {
			outcome = "failed"
		}
		d.metrics.jobs.WithLabelValues(outcome).Inc()
		return
	}

	err = d.queue.Complete(bctx, job, result)
	if err != nil {
		l.WithError(err).Error("could not complete job")
		d.workerError(job, err)
		return
	}
	d.metrics.jobs.WithLabelValues("completed").Inc()
}

// leased extends the lease of job in the background until stop is called. The returned ctx is
// canceled if the lease is lost. The heartbeat has stopped when stop returns.
func (d *Dispatcher) leased(parent context.Context, job *queue.Job) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.heartbeat(ctx, cancel, job)
	}()
	return ctx, func() {
		cancel()
		<-done
	}
}

func (d *Dispatcher) heartbeat(ctx context.Context, cancel func(), job *queue.Job) {
	ticker := time.NewTicker(d.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := d.queue.Heartbeat(ctx, job)
		if errors.Is(err, queue.ErrLeaseLost) {
			d.log.WithField("job", job.ID).Error("lease lost, aborting job")
			d.workerError(job, err)
			cancel()
			return
		}
		if err != nil && ctx.Err() == nil {
			d.log.WithError(err).WithField("job", job.ID).Warn("could not extend lease")
		}
	}
}

// run sends the campaign of job and writes the outcome back to the campaign.
func (d *Dispatcher) run(ctx context.Context, job *queue.Job) (result sendq.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing job: %v", r)
			d.log.WithField("job", job.ID).Errorf("%v\n%s", err, debug.Stack())
			d.workerError(job, err)
		}
	}()

	data := job.Data
	err = d.store.UpdateCampaignStatus(ctx, data.CampaignID, dao.CampaignUpdate{Status: dao.CampaignStatusSending})
	if err != nil {
		return result, fmt.Errorf("could not mark campaign %s as sending: %w", data.CampaignID, err)
	}

	result = d.batcher.send(ctx, data, func(p sendq.Progress) {
		err := d.queue.UpdateProgress(ctx, job, p)
		if err != nil && ctx.Err() == nil {
			d.log.WithError(err).WithField("job", job.ID).Warn("could not report progress")
		}
	})
	if ctx.Err() != nil {
		return result, fmt.Errorf("job aborted: %w", ctx.Err())
	}

	now := d.batcher.now()
	sent := result.Sent
	err = d.store.UpdateCampaignStatus(ctx, data.CampaignID, dao.CampaignUpdate{
		Status:          dao.CampaignStatusSent,
		SentAt:          &now,
		RecipientsCount: &sent,
	})
	if err != nil {
		return result, fmt.Errorf("could not mark campaign %s as sent: %w", data.CampaignID, err)
	}

	err = d.store.IncrementUsage(ctx, data.UserID, dao.UsagePeriod(now), sent)
	if err != nil {
		return result, fmt.Errorf("could not increment usage of %s: %w", data.UserID, err)
	}

	d.log.WithField("job", job.ID).Infof("campaign %s sent to %d recipients, %d failed", data.CampaignID, result.Sent, result.Failed)
	return result, nil
}

func (d *Dispatcher) workerError(job *queue.Job, err error) {
	d.hub.Publish(sendq.Event{
		Kind:       sendq.EventWorkerError,
		JobID:      job.ID,
		CampaignID: job.Data.CampaignID,
		WorkerID:   d.id,
		Err:        err.Error(),
	})
}

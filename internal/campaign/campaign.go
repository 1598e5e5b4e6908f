package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modfin/henry/compare"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/sendq"
	"github.com/modfin/sendq/internal/cache"
	"github.com/modfin/sendq/internal/dao"
	"github.com/modfin/sendq/internal/queue"
	"github.com/modfin/sendq/tools"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoRecipients = errors.New("campaign has no recipients")
	ErrInvalidInput = errors.New("invalid input")
)

// RateLimitError is returned when a user has submitted too many sends in the current window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many campaign sends, retry after %s", e.RetryAfter)
}

type Config struct {
	RateLimitMax    int           `cli:"rate-limit-max"`
	RateLimitWindow time.Duration `cli:"rate-limit-window"`
}

// Queue is the part of the job queue used for submission and inspection.
type Queue interface {
	Enqueue(ctx context.Context, data sendq.SendJob, opts queue.Options) (*queue.Job, error)
	Get(ctx context.Context, id string) (*queue.Job, error)
	List(ctx context.Context, state sendq.JobState, limit int) ([]*queue.Job, error)
	Stats(ctx context.Context) (sendq.QueueStats, error)
	Clean(ctx context.Context) (sendq.CleanResult, error)
}

// snapshot is the cached content of a campaign, with its owner.
type snapshot struct {
	UserID string          `json:"user_id"`
	Email  sendq.EmailData `json:"email"`
}

type Service struct {
	cfg   Config
	queue Queue
	store dao.DAO
	cache *cache.Cache
	log   *logrus.Logger
	now   func() time.Time
}

func New(cfg Config, lc *tools.Logger, q Queue, store dao.DAO, c *cache.Cache) *Service {
	cfg.RateLimitMax = compare.Coalesce(cfg.RateLimitMax, 10)
	cfg.RateLimitWindow = compare.Coalesce(cfg.RateLimitWindow, time.Hour)
	return &Service{
		cfg:   cfg,
		queue: q,
		store: store,
		cache: c,
		log:   lc.New("campaign"),
		now:   time.Now,
	}
}

// QueueEmailCampaign snapshots the campaign content and recipients and enqueues a send job.
// Content and recipients not given in the input are resolved from the campaign and the
// user's active contacts. Refused and duplicate submissions do not count against the user's
// rate limit.
func (s *Service) QueueEmailCampaign(ctx context.Context, in sendq.SendJobInput) (sendq.JobHandle, error) {
	if in.CampaignID == "" || in.UserID == "" {
		return sendq.JobHandle{}, fmt.Errorf("campaign and user are required: %w", ErrInvalidInput)
	}
	l := s.log.WithField("campaign", in.CampaignID).WithField("user", in.UserID)

	var email sendq.EmailData
	if in.EmailData != nil {
		email = *in.EmailData
	} else {
		var err error
		email, err = s.emailData(ctx, in.CampaignID, in.UserID)
		if err != nil {
			return sendq.JobHandle{}, err
		}
	}

	recipients := in.Recipients
	if len(recipients) == 0 {
		var err error
		recipients, err = s.recipients(ctx, in.CampaignID, in.UserID)
		if err != nil {
			return sendq.JobHandle{}, err
		}
	}
	if len(recipients) == 0 {
		return sendq.JobHandle{}, fmt.Errorf("campaign %s: %w", in.CampaignID, ErrNoRecipients)
	}

	id := sendq.NewJobID(in.CampaignID, s.now())
	priority := sendq.PriorityFor(len(recipients))

	// only sends that would be queued count against the limit
	_, err := s.queue.Get(ctx, id)
	if err == nil {
		l.WithField("job", id).Info("send already queued")
		return sendq.JobHandle{JobID: id, Duplicate: true}, nil
	}
	if !errors.Is(err, queue.ErrNotFound) {
		return sendq.JobHandle{}, fmt.Errorf("could not look up job %s: %w", id, err)
	}

	rl := s.cache.CheckRateLimit(ctx, "campaign:"+in.UserID, s.cfg.RateLimitMax, s.cfg.RateLimitWindow)
	if !rl.Allowed {
		l.Warnf("send refused by rate limit, resets in %s", rl.ResetIn)
		return sendq.JobHandle{}, &RateLimitError{RetryAfter: rl.ResetIn}
	}

	_, err = s.queue.Enqueue(ctx, sendq.SendJob{
		JobID:      id,
		CampaignID: in.CampaignID,
		UserID:     in.UserID,
		Recipients: recipients,
		EmailData:  email,
		Priority:   priority,
	}, queue.Options{JobID: id, Priority: priority})
	if errors.Is(err, queue.ErrDuplicateJob) {
		l.WithField("job", id).Info("send already queued")
		return sendq.JobHandle{JobID: id, Duplicate: true}, nil
	}
	if err != nil {
		return sendq.JobHandle{}, fmt.Errorf("could not enqueue campaign %s: %w", in.CampaignID, err)
	}

	l.WithField("job", id).Infof("queued send to %d recipients with priority %d", len(recipients), priority)
	return sendq.JobHandle{JobID: id}, nil
}

func (s *Service) emailData(ctx context.Context, campaignID string, userID string) (sendq.EmailData, error) {
	var snap snapshot
	if s.cache.GetEntity(ctx, cache.CampaignKey(campaignID), &snap) && snap.UserID == userID {
		return snap.Email, nil
	}

	c, err := s.store.ReadCampaign(ctx, campaignID)
	if err != nil {
		return sendq.EmailData{}, err
	}
	if c.UserID != userID {
		return sendq.EmailData{}, fmt.Errorf("campaign %s of user %s: %w", campaignID, userID, dao.ErrNotFound)
	}

	snap = snapshot{
		UserID: c.UserID,
		Email: sendq.EmailData{
			Subject:   c.Subject,
			FromEmail: c.FromEmail,
			FromName:  c.FromName,
			ReplyTo:   c.ReplyTo,
			HTMLBody:  c.HTMLBody,
		},
	}
	s.cache.CacheEntity(ctx, cache.CampaignKey(campaignID), snap, cache.CampaignTTL)
	return snap.Email, nil
}

func (s *Service) recipients(ctx context.Context, campaignID string, userID string) ([]sendq.Recipient, error) {
	var recipients []sendq.Recipient
	if s.cache.GetEntity(ctx, cache.RecipientsKey(userID, campaignID), &recipients) {
		return recipients, nil
	}

	contacts, err := s.store.ReadActiveContacts(ctx, userID)
	if err != nil {
		return nil, err
	}
	contacts = slicez.Reject(contacts, func(c dao.Contact) bool {
		if tools.ValidEmail(c.Email) {
			return false
		}
		s.log.WithField("contact", c.ID).Warnf("skipping contact with invalid address %q", c.Email)
		return true
	})
	recipients = slicez.Map(contacts, func(c dao.Contact) sendq.Recipient {
		return sendq.Recipient{
			Email:     tools.NormalizeEmail(c.Email),
			ContactID: c.ID,
			FirstName: c.FirstName,
			LastName:  c.LastName,
		}
	})
	if len(recipients) > 0 {
		s.cache.CacheEntity(ctx, cache.RecipientsKey(userID, campaignID), recipients, cache.RecipientsTTL)
	}
	return recipients, nil
}

// QueueStats is served from cache for dashboards, it may be a few minutes old.
func (s *Service) QueueStats(ctx context.Context) (sendq.QueueStats, error) {
	var stats sendq.QueueStats
	if s.cache.GetEntity(ctx, cache.QueueStatsKey, &stats) {
		return stats, nil
	}
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return stats, err
	}
	s.cache.CacheEntity(ctx, cache.QueueStatsKey, stats, cache.DashboardTTL)
	return stats, nil
}

func (s *Service) CleanQueue(ctx context.Context) (sendq.CleanResult, error) {
	res, err := s.queue.Clean(ctx)
	if err != nil {
		return res, err
	}
	s.cache.Invalidate(ctx, cache.QueueStatsKey)
	s.log.Infof("cleaned queue, removed %d completed and %d failed jobs", res.Completed, res.Failed)
	return res, nil
}

func (s *Service) Job(ctx context.Context, id string) (sendq.JobStatus, error) {
	j, err := s.queue.Get(ctx, id)
	if err != nil {
		return sendq.JobStatus{}, err
	}
	return j.Status(), nil
}

// FailedJobs lists the most recently failed jobs, at most 500.
func (s *Service) FailedJobs(ctx context.Context, limit int) ([]sendq.JobStatus, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	jobs, err := s.queue.List(ctx, sendq.StateFailed, limit)
	if err != nil {
		return nil, err
	}
	return slicez.Map(jobs, func(j *queue.Job) sendq.JobStatus {
		return j.Status()
	}), nil
}

// InvalidateCampaign drops the cached snapshot of a campaign, called when it is edited.
func (s *Service) InvalidateCampaign(ctx context.Context, campaignID string, userID string) {
	s.cache.Invalidate(ctx, cache.CampaignKey(campaignID))
	s.cache.Invalidate(ctx, cache.RecipientsKey(userID, campaignID))
}

// InvalidateContacts drops every cached recipient list of a user, called when contacts change.
func (s *Service) InvalidateContacts(ctx context.Context, userID string) {
	s.cache.Invalidate(ctx, cache.RecipientsKey(userID, "*"))
}

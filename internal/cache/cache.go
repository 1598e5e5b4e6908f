package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modfin/sendq/internal/metrics"
	"github.com/modfin/sendq/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	CampaignTTL   = 3600 * time.Second
	RecipientsTTL = 1800 * time.Second
	DashboardTTL  = 300 * time.Second
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ErrMiss is returned by a Backend when a key does not exist or has expired.
var ErrMiss = errors.New("cache miss")

// Backend is the storage behind the cache. Incr must increment the counter and, on the
// first increment, set its expiry in one atomic step.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	Delete(ctx context.Context, pattern string) (int, error)
	Close() error
}

type Config struct {
	Backend   string `cli:"cache-backend"`
	Prefix    string `cli:"cache-prefix"`
	RedisAddr string `cli:"redis-addr"`
	RedisDB   int    `cli:"redis-db"`
}

// RateLimit is the outcome of one rate limit check.
type RateLimit struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

func CampaignKey(campaignID string) string {
	return "campaign:" + campaignID
}

func RecipientsKey(userID string, campaignID string) string {
	return fmt.Sprintf("recipients:%s:%s", userID, campaignID)
}

const QueueStatsKey = "dashboard:queue-stats"

func rateLimitKey(id string) string {
	return "ratelimit:" + id
}

// Cache is a best effort cache. Backend failures are logged and reported as misses,
// callers always have the store to fall back on.
type Cache struct {
	backend Backend
	prefix  string
	log     *logrus.Logger

	ops *prometheus.CounterVec
}

func New(cfg Config, b Backend, lc *tools.Logger, ops *prometheus.CounterVec) *Cache {
	return &Cache{
		backend: b,
		prefix:  cfg.Prefix,
		log:     lc.New("cache"),
		ops:     ops,
	}
}

// Open creates the backend selected by cfg.
func Open(cfg Config, redisPassword string, lc *tools.Logger, m *metrics.Metrics) (*Cache, error) {
	ops := m.Register().NewCounterVec(prometheus.CounterOpts{
		Name: "sendq_cache_ops_total", Help: "cache operations by result",
	}, []string{"op", "result"})

	switch cfg.Backend {
	case BackendMemory, "":
		return New(cfg, NewMemory(), lc, ops), nil
	case BackendRedis:
		b, err := NewRedis(cfg.RedisAddr, redisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return New(cfg, b, lc, ops), nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}

func (c *Cache) Close() error {
	return c.backend.Close()
}

func (c *Cache) count(op string, result string) {
	if c.ops == nil {
		return
	}
	c.ops.WithLabelValues(op, result).Inc()
}

// CacheEntity stores value as json under key.
func (c *Cache) CacheEntity(ctx context.Context, key string, value any, ttl time.Duration) {
	b, err := json.Marshal(value)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Error("could not encode entity")
		c.count("set", "error")
		return
	}
	err = c.backend.Set(ctx, c.prefix+key, b, ttl)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("could not cache entity")
		c.count("set", "error")
		return
	}
	c.count("set", "ok")
}

// GetEntity decodes the entity at key into dst and reports whether it was found.
func (c *Cache) GetEntity(ctx context.Context, key string, dst any) bool {
	b, err := c.backend.Get(ctx, c.prefix+key)
	if errors.Is(err, ErrMiss) {
		c.count("get", "miss")
		return false
	}
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("could not read cache, treating as miss")
		c.count("get", "error")
		return false
	}
	err = json.Unmarshal(b, dst)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("could not decode cached entity, treating as miss")
		c.count("get", "error")
		return false
	}
	c.count("get", "hit")
	return true
}

// CheckRateLimit counts one request for id in a fixed window starting at the first request.
// A failing backend lets the request through.
func (c *Cache) CheckRateLimit(ctx context.Context, id string, max int, window time.Duration) RateLimit {
	n, ttl, err := c.backend.Incr(ctx, c.prefix+rateLimitKey(id), window)
	if err != nil {
		c.log.WithError(err).WithField("id", id).Warn("rate limit check failed, allowing request")
		c.count("ratelimit", "error")
		return RateLimit{Allowed: true, Remaining: max, ResetIn: window}
	}
	if ttl < 0 {
		ttl = window
	}

	rl := RateLimit{
		Allowed:   n <= int64(max),
		Remaining: max - int(n),
		ResetIn:   ttl,
	}
	if rl.Remaining < 0 {
		rl.Remaining = 0
	}
	if rl.Allowed {
		c.count("ratelimit", "allowed")
	} else {
		c.count("ratelimit", "refused")
	}
	return rl
}

// Invalidate removes every key matching the glob pattern.
func (c *Cache) Invalidate(ctx context.Context, pattern string) {
	n, err := c.backend.Delete(ctx, c.prefix+pattern)
	if err != nil {
		c.log.WithError(err).WithField("pattern", pattern).Warn("could not invalidate cache")
		c.count("invalidate", "error")
		return
	}
	c.log.WithField("pattern", pattern).Debugf("invalidated %d keys", n)
	c.count("invalidate", "ok")
}

package metrics

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/modfin/sendq/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServiceName  string        `cli:"metrics-service-name"`
	Push         string        `cli:"metrics-push-url"`
	PushInterval time.Duration `cli:"metrics-push-interval"`
	Poll         bool          `cli:"metrics-poll"`
	PollUser     string        `cli:"metrics-poll-basic-auth-user"`
	PollPassword string        `cli:"metrics-poll-basic-auth-pass"`
}

// New creates a metrics instance with its own registry, so several instances can live in one process.
func New(c Config, lc *tools.Logger) *Metrics {
	// go and process collectors live in the default registry, which is gathered alongside this one
	reg := prometheus.NewRegistry()

	p := &Metrics{
		config:   c,
		logger:   lc.New("prometheus"),
		registry: reg,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if c.Push != "" {
		p.pusher = push.New(c.Push, c.ServiceName).Gatherer(reg)
	}

	return p
}

type Metrics struct {
	done    chan struct{}
	stopped chan struct{}

	config   Config
	registry *prometheus.Registry
	pusher   *push.Pusher
	logger   *logrus.Logger

	ostart sync.Once
	ostop  sync.Once
}

func (p *Metrics) Start() {
	p.ostart.Do(func() {
		if p.pusher == nil {
			close(p.stopped)
			return
		}
		if p.config.PushInterval.Seconds() < 10 {
			p.config.PushInterval = 1 * time.Minute
		}
		go func() {
			defer close(p.stopped)

			ticker := time.NewTicker(p.config.PushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.done:
					p.push()
					return
				case <-ticker.C:
					p.push()
				}
			}
		}()
	})
}

func (p *Metrics) Stop(ctx context.Context) error {
	p.Start() // makes sure stopped will be closed
	p.ostop.Do(func() {
		close(p.done)
	})
	select {
	case <-p.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Metrics) Register() promauto.Factory {
	return promauto.With(p.registry)
}

func (p *Metrics) Gatherer() prometheus.Gatherer {
	return p.registry
}

func (p *Metrics) HttpMetrics() http.HandlerFunc {

	if !p.config.Poll {
		p.logger.Infof("metrics polling is disabled")
		return func(writer http.ResponseWriter, request *http.Request) {
			http.Error(writer, "Not Found", http.StatusNotFound)
		}
	}
	p.logger.Infof("metrics polling is enabled")

	if p.config.PollUser != "" || p.config.PollPassword != "" {
		p.logger.WithField("user", p.config.PollUser).Infof("basic auth enabled for metrics polling endpoint")
	}

	// echo-contrib registers its http metrics in the default registry
	handler := promhttp.HandlerFor(prometheus.Gatherers{p.registry, prometheus.DefaultGatherer}, promhttp.HandlerOpts{})

	return func(writer http.ResponseWriter, request *http.Request) {
		if p.config.PollUser != "" || p.config.PollPassword != "" {
			user, pass, ok := request.BasicAuth()
			if !ok || user != p.config.PollUser || subtle.ConstantTimeCompare([]byte(pass), []byte(p.config.PollPassword)) != 1 {
				http.Error(writer, "Unauthorized.", http.StatusUnauthorized)
				return
			}
		}
		handler.ServeHTTP(writer, request)
	}
}

func (p *Metrics) push() {
	if p.pusher == nil {
		return
	}
	p.logger.Debugf("pushing metrics to %s", p.config.Push)
	err := p.pusher.Push()
	if err != nil {
		p.logger.WithError(err).Errorf("failed to push metrics")
	}
}

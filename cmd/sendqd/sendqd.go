package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modfin/sendq"
	"github.com/modfin/sendq/internal/cache"
	"github.com/modfin/sendq/internal/campaign"
	"github.com/modfin/sendq/internal/clix"
	"github.com/modfin/sendq/internal/config"
	"github.com/modfin/sendq/internal/dao"
	"github.com/modfin/sendq/internal/dispatch"
	"github.com/modfin/sendq/internal/events"
	"github.com/modfin/sendq/internal/metrics"
	"github.com/modfin/sendq/internal/queue"
	"github.com/modfin/sendq/internal/transport"
	"github.com/modfin/sendq/internal/web"
	"github.com/modfin/sendq/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func env(name string) []string {
	return []string{"SENDQ_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))}
}

var flags = []cli.Flag{
	&cli.StringFlag{Name: "log-level", EnvVars: env("log-level"), Value: "info"},
	&cli.StringFlag{Name: "log-format", EnvVars: env("log-format"), Value: "text", Usage: "text or json"},

	&cli.StringFlag{Name: "db-driver", EnvVars: env("db-driver"), Usage: "sqlite3 or pgx, guessed from the uri when empty"},
	&cli.StringFlag{Name: "db-uri", EnvVars: env("db-uri"), Value: "./sendq.sqlite"},

	&cli.IntFlag{Name: "queue-attempts", EnvVars: env("queue-attempts"), Value: 3},
	&cli.DurationFlag{Name: "queue-backoff", EnvVars: env("queue-backoff"), Value: 2 * time.Second},
	&cli.DurationFlag{Name: "queue-lease", EnvVars: env("queue-lease"), Value: 30 * time.Second},
	&cli.DurationFlag{Name: "queue-poll-interval", EnvVars: env("queue-poll-interval"), Value: time.Second},
	&cli.DurationFlag{Name: "queue-reap-interval", EnvVars: env("queue-reap-interval"), Value: 5 * time.Second},
	&cli.DurationFlag{Name: "queue-clean-interval", EnvVars: env("queue-clean-interval"), Value: time.Minute},
	&cli.DurationFlag{Name: "queue-completed-max-age", EnvVars: env("queue-completed-max-age"), Value: time.Hour},
	&cli.IntFlag{Name: "queue-completed-max-count", EnvVars: env("queue-completed-max-count"), Value: 100},
	&cli.DurationFlag{Name: "queue-failed-max-age", EnvVars: env("queue-failed-max-age"), Value: 24 * time.Hour},
	&cli.IntFlag{Name: "queue-failed-max-count", EnvVars: env("queue-failed-max-count"), Value: 500},

	&cli.IntFlag{Name: "workers", EnvVars: env("workers"), Value: 5, Usage: "number of jobs processed concurrently"},
	&cli.IntFlag{Name: "batch-size", EnvVars: env("batch-size"), Value: 1000},
	&cli.IntFlag{Name: "batch-retries", EnvVars: env("batch-retries"), Value: 3},
	&cli.DurationFlag{Name: "batch-backoff", EnvVars: env("batch-backoff"), Value: time.Second},
	&cli.DurationFlag{Name: "heartbeat", EnvVars: env("heartbeat"), Value: 10 * time.Second},

	&cli.StringFlag{Name: "transport", EnvVars: env("transport"), Value: transport.ProviderSendGrid, Usage: "sendgrid, resend or log"},
	&cli.StringFlag{Name: "sendgrid-url", EnvVars: env("sendgrid-url"), Value: transport.DefaultSendGridURL},
	&cli.DurationFlag{Name: "transport-timeout", EnvVars: env("transport-timeout"), Value: 30 * time.Second},
	&cli.IntFlag{Name: "transport-rate-limit", EnvVars: env("transport-rate-limit"), Value: 10, Usage: "batches per transport-rate-window, shared by all workers"},
	&cli.DurationFlag{Name: "transport-rate-window", EnvVars: env("transport-rate-window"), Value: time.Second},

	&cli.StringFlag{Name: "cache-backend", EnvVars: env("cache-backend"), Value: cache.BackendMemory, Usage: "memory or redis"},
	&cli.StringFlag{Name: "cache-prefix", EnvVars: env("cache-prefix"), Value: "sendq:"},
	&cli.StringFlag{Name: "redis-addr", EnvVars: env("redis-addr")},
	&cli.IntFlag{Name: "redis-db", EnvVars: env("redis-db")},

	&cli.IntFlag{Name: "rate-limit-max", EnvVars: env("rate-limit-max"), Value: 10, Usage: "campaign sends per user and rate-limit-window"},
	&cli.DurationFlag{Name: "rate-limit-window", EnvVars: env("rate-limit-window"), Value: time.Hour},

	&cli.StringFlag{Name: "http-interface", EnvVars: env("http-interface")},
	&cli.IntFlag{Name: "http-port", EnvVars: env("http-port"), Value: 8080},

	&cli.StringFlag{Name: "metrics-service-name", EnvVars: env("metrics-service-name"), Value: "sendqd"},
	&cli.StringFlag{Name: "metrics-push-url", EnvVars: env("metrics-push-url")},
	&cli.DurationFlag{Name: "metrics-push-interval", EnvVars: env("metrics-push-interval"), Value: time.Minute},
	&cli.BoolFlag{Name: "metrics-poll", EnvVars: env("metrics-poll"), Value: true},
	&cli.StringFlag{Name: "metrics-poll-basic-auth-user", EnvVars: env("metrics-poll-basic-auth-user")},
	&cli.StringFlag{Name: "metrics-poll-basic-auth-pass", EnvVars: env("metrics-poll-basic-auth-pass")},
}

func main() {

	app := &cli.App{
		Name:   "sendqd",
		Usage:  "a service for dispatching campaign emails",
		Flags:  flags,
		Action: start,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "accept campaign sends over http and dispatch them",
				Flags:  flags,
				Action: start,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}

}

type daemonConfig struct {
	LogLevel  string `cli:"log-level"`
	LogFormat string `cli:"log-format"`
	DBDriver  string `cli:"db-driver"`
	DBURI     string `cli:"db-uri"`

	Queue     queue.Config
	Dispatch  dispatch.Config
	Transport transport.Config
	Cache     cache.Config
	Campaign  campaign.Config
	Web       web.Config
	Metrics   metrics.Config
}

func start(c *cli.Context) error {
	cfg := clix.Parse[daemonConfig](c)
	secrets := config.Get()

	lc, err := tools.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return err
	}
	l := lc.New("sendqd")

	var stopServer func()
	c.Context, stopServer = context.WithCancel(c.Context)
	defer stopServer()

	l.Infof("Starting server")

	db, err := dao.Open(cfg.DBDriver, cfg.DBURI)
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}
	defer db.Close()

	store, err := dao.NewSQL(db)
	if err != nil {
		return err
	}

	hub := events.New()
	go logEvents(c.Context, lc, hub)

	m := metrics.New(cfg.Metrics, lc)

	q, err := queue.New(cfg.Queue, lc, db, hub, m)
	if err != nil {
		return err
	}

	cc, err := cache.Open(cfg.Cache, secrets.RedisPassword, lc, m)
	if err != nil {
		return err
	}
	defer cc.Close()

	t, err := transport.New(cfg.Transport, transport.Keys{
		SendGrid: secrets.SendGridAPIKey,
		Resend:   secrets.ResendAPIKey,
	}, lc, m)
	if err != nil {
		return err
	}

	d := dispatch.New(cfg.Dispatch, lc, q, store, t, hub, m)
	svc := campaign.New(cfg.Campaign, lc, q, store, cc)
	w := web.New(cfg.Web, lc, svc, secrets.APIKeys, m)

	m.Start()
	q.Start()
	d.Start()
	w.Start()

	// stopped in order, the web server stops taking sends before the workers let go of their jobs
	services := []Stoppable{w, d, q, m}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("Got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, service := range services {
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("Failed to stop service")
			}
		}
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		l.WithError(shutdownCtx.Err()).Warn("Shutdown was forced, terminating now")
		os.Exit(1)
	}

	l.Infof("Shutdown complete, terminating now")
	return nil
}

type Stoppable interface {
	Stop(ctx context.Context) error
}

func logEvents(ctx context.Context, lc *tools.Logger, hub *events.Hub) {
	l := lc.New("events")
	evs, cancel := hub.Listen(100)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-evs:
			if !ok {
				return
			}
			entry := l.WithField("job", e.JobID).WithField("campaign", e.CampaignID).WithField("event", e.Kind)
			switch e.Kind {
			case sendq.EventCompleted:
				if e.Result != nil {
					entry = entry.WithField("sent", e.Result.Sent).WithField("failed", e.Result.Failed)
				}
				entry.Info("job completed")
			case sendq.EventFailed:
				entry.WithField("attempt", e.Attempt).WithField("terminal", e.Terminal).Warn(e.Err)
			case sendq.EventWorkerError:
				entry.WithField("worker", e.WorkerID).Error(e.Err)
			}
		}
	}
}

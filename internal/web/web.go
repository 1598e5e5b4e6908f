package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/modfin/henry/compare"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/sendq"
	"github.com/modfin/sendq/internal/metrics"
	"github.com/modfin/sendq/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Interface string `cli:"http-interface"`
	Port      int    `cli:"http-port"`
}

// Service is what the http api exposes.
type Service interface {
	QueueEmailCampaign(ctx context.Context, in sendq.SendJobInput) (sendq.JobHandle, error)
	Job(ctx context.Context, id string) (sendq.JobStatus, error)
	QueueStats(ctx context.Context) (sendq.QueueStats, error)
	CleanQueue(ctx context.Context) (sendq.CleanResult, error)
	FailedJobs(ctx context.Context, limit int) ([]sendq.JobStatus, error)
}

type Server struct {
	config Config
	log    *logrus.Logger
	echo   *echo.Echo

	ostart sync.Once
}

// New sets up the routes. Requests must carry one of apiKeys in the X-API-Key header or in
// the key query parameter, no keys means no authentication.
func New(cfg Config, lc *tools.Logger, svc Service, apiKeys []string, m *metrics.Metrics) *Server {
	s := &Server{
		config: cfg,
		log:    lc.New("web"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	prom := prometheus.NewPrometheus("sendq", nil)
	e.Use(middleware.Recover(), s.requestLogger(), prom.HandlerFunc)

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, ".")
	})
	e.GET("/metrics", echo.WrapHandler(m.HttpMetrics()))

	v1 := e.Group("/v1")
	if len(apiKeys) > 0 {
		v1.Use(keyAuth(apiKeys))
	} else {
		s.log.Warn("no api keys configured, the api is open to anyone that can reach it")
	}
	a := &api{svc: svc, log: s.log}
	v1.POST("/campaigns/:id/send", a.send())
	v1.GET("/jobs/:id", a.job())
	v1.GET("/queue/stats", a.stats())
	v1.POST("/queue/clean", a.clean())
	v1.GET("/queue/failed", a.failed())

	s.echo = e
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() {
	s.ostart.Do(func() {
		addr := fmt.Sprintf("%s:%d", s.config.Interface, compare.Coalesce(s.config.Port, 8080))
		go func() {
			s.log.Infof("starting webserver on %s", addr)
			err := s.echo.Start(addr)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.WithError(err).Error("webserver stopped")
			}
		}()
	})
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			l := s.log.WithField("status", v.Status).WithField("latency", v.Latency)
			if v.Error != nil {
				l = l.WithError(v.Error)
			}
			l.Debugf("%s %s", v.Method, v.URIPath)
			return nil
		},
	})
}

func keyAuth(keys []string) echo.MiddlewareFunc {
	keyBytes := slicez.Map(keys, func(k string) []byte {
		return []byte(k)
	})
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:X-API-Key,query:key",
		Validator: func(key string, c echo.Context) (bool, error) {
			var ok bool
			for _, k := range keyBytes {
				if subtle.ConstantTimeCompare([]byte(key), k) == 1 {
					ok = true
				}
			}
			return ok, nil
		},
	})
}

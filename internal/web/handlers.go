package web

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/modfin/sendq"
	"github.com/modfin/sendq/internal/campaign"
	"github.com/modfin/sendq/internal/dao"
	"github.com/modfin/sendq/internal/queue"
	"github.com/sirupsen/logrus"
)

type apiError struct {
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

type api struct {
	svc Service
	log *logrus.Logger
}

func (a *api) respondError(c echo.Context, err error) error {
	var rl *campaign.RateLimitError
	switch {
	case errors.As(err, &rl):
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		return c.JSON(http.StatusTooManyRequests, apiError{Message: err.Error(), RetryAfterSeconds: secs})
	case errors.Is(err, campaign.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, apiError{Message: err.Error()})
	case errors.Is(err, dao.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		return c.JSON(http.StatusNotFound, apiError{Message: err.Error()})
	case errors.Is(err, campaign.ErrNoRecipients):
		return c.JSON(http.StatusUnprocessableEntity, apiError{Message: err.Error()})
	}
	a.log.WithError(err).Errorf("%s %s failed", c.Request().Method, c.Path())
	return c.JSON(http.StatusInternalServerError, apiError{Message: "internal error"})
}

func (a *api) send() echo.HandlerFunc {
	return func(c echo.Context) error {
		var in sendq.SendJobInput
		if c.Request().ContentLength != 0 {
			err := c.Bind(&in)
			if err != nil {
				return c.JSON(http.StatusBadRequest, apiError{Message: "could not parse body"})
			}
		}
		in.CampaignID = c.Param("id")

		h, err := a.svc.QueueEmailCampaign(c.Request().Context(), in)
		if err != nil {
			return a.respondError(c, err)
		}
		if h.Duplicate {
			return c.JSON(http.StatusOK, h)
		}
		return c.JSON(http.StatusAccepted, h)
	}
}

func (a *api) job() echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := a.svc.Job(c.Request().Context(), c.Param("id"))
		if err != nil {
			return a.respondError(c, err)
		}
		return c.JSON(http.StatusOK, s)
	}
}

func (a *api) stats() echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := a.svc.QueueStats(c.Request().Context())
		if err != nil {
			return a.respondError(c, err)
		}
		return c.JSON(http.StatusOK, s)
	}
}

func (a *api) clean() echo.HandlerFunc {
	return func(c echo.Context) error {
		r, err := a.svc.CleanQueue(c.Request().Context())
		if err != nil {
			return a.respondError(c, err)
		}
		return c.JSON(http.StatusOK, r)
	}
}

func (a *api) failed() echo.HandlerFunc {
	return func(c echo.Context) error {
		var limit int
		if l := c.QueryParam("limit"); l != "" {
			var err error
			limit, err = strconv.Atoi(l)
			if err != nil {
				return c.JSON(http.StatusBadRequest, apiError{Message: "limit must be a number"})
			}
		}
		jobs, err := a.svc.FailedJobs(c.Request().Context(), limit)
		if err != nil {
			return a.respondError(c, err)
		}
		if jobs == nil {
			jobs = []sendq.JobStatus{}
		}
		return c.JSON(http.StatusOK, jobs)
	}
}

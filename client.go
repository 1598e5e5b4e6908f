package sendq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// JobStatus is the externally visible view of a queued job.
type JobStatus struct {
	JobID        string     `json:"job_id"`
	CampaignID   string     `json:"campaign_id"`
	UserID       string     `json:"user_id"`
	State        JobState   `json:"state"`
	Priority     int        `json:"priority"`
	AttemptsMade int        `json:"attempts_made"`
	MaxAttempts  int        `json:"max_attempts"`
	Progress     Progress   `json:"progress"`
	Result       *Result    `json:"result,omitempty"`
	FailedReason string     `json:"failed_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Total     int `json:"total"`
}

type CleanResult struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// RateLimitedError is returned when a send request was refused by the per user limit.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

type apiError struct {
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func NewClient(apiKey string, host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:   host,
		apiKey: apiKey,
		http:   http.DefaultClient,
	}
}

type Client struct {
	host   string
	apiKey string
	http   *http.Client
}

// Send asks the dispatcher to queue a campaign send.
func (c *Client) Send(ctx context.Context, in SendJobInput) (JobHandle, error) {
	var h JobHandle
	err := c.do(ctx, http.MethodPost, "/v1/campaigns/"+url.PathEscape(in.CampaignID)+"/send", in, &h)
	return h, err
}

func (c *Client) Job(ctx context.Context, jobID string) (JobStatus, error) {
	var s JobStatus
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &s)
	return s, err
}

func (c *Client) Stats(ctx context.Context) (QueueStats, error) {
	var s QueueStats
	err := c.do(ctx, http.MethodGet, "/v1/queue/stats", nil, &s)
	return s, err
}

func (c *Client) Failed(ctx context.Context, limit int) ([]JobStatus, error) {
	var s []JobStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/queue/failed?limit=%d", limit), nil, &s)
	return s, err
}

func (c *Client) Clean(ctx context.Context) (CleanResult, error) {
	var r CleanResult
	err := c.do(ctx, http.MethodPost, "/v1/queue/clean", nil, &r)
	return r, err
}

func (c *Client) do(ctx context.Context, method string, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return err
	}
	req.Header.Add("content-type", "application/json")
	req.Header.Add("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var e apiError
		_ = json.Unmarshal(respBytes, &e)
		if resp.StatusCode == http.StatusTooManyRequests {
			return &RateLimitedError{RetryAfter: time.Duration(e.RetryAfterSeconds) * time.Second}
		}
		if len(e.Message) == 0 {
			e.Message = strings.TrimSpace(string(respBytes))
		}
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, e.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBytes, out)
}

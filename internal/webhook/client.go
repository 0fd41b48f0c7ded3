// Package webhook delivers signed transform completion events.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/magickflow/internal/domain"
)

const (
	HeaderSignature = "X-Magickflow-Signature"
	HeaderTimestamp = "X-Magickflow-Timestamp"
	HeaderEvent     = "X-Magickflow-Event"
	HeaderJobID     = "X-Magickflow-Job-ID"

	EventTransformCompleted = "transform.completed"
	EventTransformFailed    = "transform.failed"
)

// EventName maps a settled transform to the event header value.
func EventName(evt domain.TransformEvent) string {
	if evt.Status == domain.JobStatusSucceeded {
		return EventTransformCompleted
	}
	return EventTransformFailed
}

// DeliveryError reports a transform event the receiver never acknowledged.
// StatusCode is zero when the last attempt failed before a response arrived.
type DeliveryError struct {
	Endpoint   string
	Event      string
	JobID      string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	reason := "no response"
	if e.StatusCode != 0 {
		reason = "status " + strconv.Itoa(e.StatusCode)
	}
	if e.Err != nil {
		reason = e.Err.Error()
	}
	return fmt.Sprintf("%s for job %s not delivered to %s after %d attempt(s): %s",
		e.Event, e.JobID, e.Endpoint, e.Attempts, reason)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 1 * time.Second
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		now:            time.Now,
	}
}

// Notify posts a settled transform to endpoint. An empty endpoint is a no-op.
// A receiver that never answers 2xx yields a *DeliveryError.
func (c *Client) Notify(ctx context.Context, endpoint string, evt domain.TransformEvent) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = c.now().UTC()
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s event for job %s: %w", EventName(evt), evt.JobID, err)
	}

	d := delivery{
		endpoint:  endpoint,
		event:     EventName(evt),
		jobID:     evt.JobID,
		body:      body,
		timestamp: strconv.FormatInt(evt.OccurredAt.UTC().Unix(), 10),
	}
	d.signature = c.sign(d.timestamp, body)
	return c.deliver(ctx, d)
}

type delivery struct {
	endpoint  string
	event     string
	jobID     string
	body      []byte
	timestamp string
	signature string
}

func (d delivery) request(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(d.body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, d.timestamp)
	req.Header.Set(HeaderSignature, d.signature)
	req.Header.Set(HeaderEvent, d.event)
	req.Header.Set(HeaderJobID, d.jobID)
	return req, nil
}

func (c *Client) deliver(ctx context.Context, d delivery) error {
	failure := &DeliveryError{Endpoint: d.endpoint, Event: d.event, JobID: d.jobID}
	backoff := c.initialBackoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := d.request(ctx)
		if err != nil {
			failure.Err = err
			return failure
		}

		failure.Attempts = attempt
		resp, err := c.httpClient.Do(req)
		if err != nil {
			failure.StatusCode, failure.Err = 0, err
		} else {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			failure.StatusCode, failure.Err = resp.StatusCode, nil
		}

		if attempt == c.maxAttempts || !retryable(resp) {
			break
		}

		wait := backoff
		if hint, ok := retryAfter(resp); ok {
			wait = minDuration(hint, c.maxBackoff)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff = minDuration(backoff*2, c.maxBackoff)
	}

	return failure
}

func (c *Client) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.signingSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// retryable reports whether a response is worth another attempt. Client
// errors other than 408 and 429 will not change on retry.
func retryable(resp *http.Response) bool {
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return resp.StatusCode >= 500
}

// retryAfter reads a delay-seconds Retry-After header from 429 and 503 replies.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

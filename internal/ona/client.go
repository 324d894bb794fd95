// Package ona fetches survey submissions from an ONA-compatible data API.
// Every fetch retrieves the complete current dataset; there is no pagination
// state or incremental fetching between calls.
package ona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/survey-quality/dashboard/internal/records"
	"github.com/survey-quality/dashboard/pkg/circuitbreaker"
	"github.com/survey-quality/dashboard/pkg/logger"
	"github.com/survey-quality/dashboard/pkg/retry"
)

// Reason classifies a failed fetch for the status endpoint. The raw error
// goes to the logs only, never to API clients.
type Reason string

const (
	ReasonNetwork Reason = "network"
	ReasonAuth    Reason = "auth"
	ReasonStatus  Reason = "status"
	ReasonPayload Reason = "payload"
)

type FetchError struct {
	Reason Reason
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch failed (%s, status %d): %v", e.Reason, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch failed (%s): %v", e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Classify extracts the short failure reason from err when the fetcher
// produced it.
func Classify(err error) (Reason, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Reason, true
	}
	return "", false
}

type Config struct {
	// URL is the full data endpoint, e.g. https://api.ona.io/api/v1/data/1234.
	URL     string
	Token   string
	Timeout time.Duration
	// MaxAttempts bounds retries per fetch, defaulting to 3.
	MaxAttempts int
}

type Client struct {
	url         string
	token       string
	httpClient  *http.Client
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	cb := circuitbreaker.NewCircuitBreaker("ona", circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    attempts,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		ShouldRetry:    retryable,
		Logger:         logger.GetLogger(),
	}

	return &Client{
		url:         cfg.URL,
		token:       cfg.Token,
		httpClient:  &http.Client{Timeout: timeout},
		cb:          cb,
		retryConfig: retryConfig,
	}
}

// Fetch retrieves the full current record set.
func (c *Client) Fetch(ctx context.Context) ([]records.RawRecord, error) {
	logger.Info("Fetching submissions", zap.String("url", c.url))

	var result []records.RawRecord

	err := c.cb.Execute(ctx, func() error {
		recs, err := retry.DoWithResult(ctx, c.retryConfig, func() ([]records.RawRecord, error) {
			return c.fetchOnce(ctx)
		})
		if err != nil {
			return err
		}
		result = recs
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Fetch completed", zap.Int("records", len(result)))

	return result, nil
}

func (c *Client) fetchOnce(ctx context.Context) ([]records.RawRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &FetchError{Reason: ReasonNetwork, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Reason: ReasonNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &FetchError{Reason: ReasonAuth, Status: resp.StatusCode, Err: errors.New("token rejected")}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Reason: ReasonStatus, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Reason: ReasonNetwork, Err: fmt.Errorf("read response: %w", err)}
	}

	var recs []records.RawRecord
	if err := json.Unmarshal(body, &recs); err != nil {
		return nil, &FetchError{Reason: ReasonPayload, Err: fmt.Errorf("parse response: %w", err)}
	}

	return recs, nil
}

// BreakerState exposes the fetch circuit state for the status endpoint.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.cb.State()
}

// retryable rules out attempts that would fail identically: a rejected token
// and a malformed body do not heal between retries, and 4xx responses other
// than auth indicate a misconfigured endpoint.
func retryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		switch fe.Reason {
		case ReasonAuth, ReasonPayload:
			return false
		case ReasonStatus:
			return fe.Status >= 500
		}
	}
	return true
}

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/meshflow/orchestrator/common/correlation"
)

// Logger interface for HTTP client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

var (
	// ErrNotFound is returned for 404 responses. Not retried.
	ErrNotFound = errors.New("entity not found")
	// ErrTemporarilyUnavailable is returned when the circuit breaker is
	// open or the upstream answers 503. Callers with referential-integrity
	// checks must fail closed on it.
	ErrTemporarilyUnavailable = errors.New("manager temporarily unavailable")
)

// statusError carries a non-2xx response through the retry policy.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// ResilientClient wraps http.Client with an exponential-backoff retry policy
// composed with a circuit breaker. When the breaker is open every call
// fails fast with ErrTemporarilyUnavailable.
type ResilientClient struct {
	client         *http.Client
	breaker        *gobreaker.CircuitBreaker
	retryAttempts  int
	retryBaseDelay time.Duration
	logger         Logger
}

// ResilientClientOpts contains options for creating a resilient client.
type ResilientClientOpts struct {
	Name             string
	Timeout          time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	BreakerThreshold int
	BreakerOpenFor   time.Duration
	Logger           Logger
}

// NewResilientClient creates a resilient HTTP client.
func NewResilientClient(opts ResilientClientOpts) *ResilientClient {
	threshold := uint32(opts.BreakerThreshold)
	if threshold == 0 {
		threshold = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    opts.Name,
		Timeout: opts.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A 404 is a definitive answer, not an upstream fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			opts.Logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &ResilientClient{
		client: &http.Client{
			Timeout: opts.Timeout,
		},
		breaker:        breaker,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		logger:         opts.Logger,
	}
}

// DoJSON performs one request with the full retry+breaker policy, decoding
// a 2xx response body into out (when out is non-nil).
func (c *ResilientClient) DoJSON(ctx context.Context, method, url string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	operation := func() error {
		attemptErr := c.attempt(ctx, method, url, body, out)
		if attemptErr == nil {
			return nil
		}

		if errors.Is(attemptErr, gobreaker.ErrOpenState) || errors.Is(attemptErr, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("%w: circuit breaker open for %s", ErrTemporarilyUnavailable, url))
		}
		if errors.Is(attemptErr, ErrNotFound) {
			return backoff.Permanent(attemptErr)
		}

		var se *statusError
		if errors.As(attemptErr, &se) {
			if se.StatusCode == http.StatusServiceUnavailable {
				// Retried, but surfaced distinctly on exhaustion so callers
				// can fail closed.
				return fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, attemptErr)
			}
			if !retryable(se.StatusCode) {
				return backoff.Permanent(attemptErr)
			}
		}

		c.logger.Warn("manager request failed, will retry", "method", method, "url", url, "error", attemptErr)
		return attemptErr
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBaseDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retryAttempts)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return err
	}
	return nil
}

// attempt runs a single HTTP round trip through the circuit breaker.
func (c *ResilientClient) attempt(ctx context.Context, method, url string, body []byte, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if correlationID, ok := correlation.FromContext(ctx); ok {
			req.Header.Set(correlation.HeaderName, correlationID)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &statusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

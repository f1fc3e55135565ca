// Package transport provides the shared HTTP calling convention the
// HTTP-based external-system clients (internal/clients/pm,
// internal/clients/agents) build on; the CLI-based internal/clients/tracker
// does not use it. It provides a pooled *http.Client, a per-host
// minimum-request-interval throttle, classified retry with exponential
// backoff, and a circuit breaker per host: context-aware request
// construction, explicit status-code classification, %w-wrapped errors,
// and a gobreaker-backed resilience wrapper around every call.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/oculairmedia/huly-vibe-sync/internal/metrics"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

// Config controls one Client's pooling, throttling, retry, and
// circuit-breaking behavior.
type Config struct {
	MinRequestInterval time.Duration // per-client throttle gate
	MaxRetryAttempts   int
	BaseBackoff        time.Duration
	RequestTimeout     time.Duration

	// CircuitMaxFailures is the consecutive-failure count that opens the
	// breaker; CircuitOpenTimeout is how long it stays open before
	// probing again.
	CircuitMaxFailures uint32
	CircuitOpenTimeout time.Duration
}

// DefaultConfig returns the engine's documented defaults: 100ms min
// request interval, 5 retry attempts, 250ms base backoff.
func DefaultConfig() Config {
	return Config{
		MinRequestInterval: 100 * time.Millisecond,
		MaxRetryAttempts:   5,
		BaseBackoff:        250 * time.Millisecond,
		RequestTimeout:     30 * time.Second,
		CircuitMaxFailures: 5,
		CircuitOpenTimeout: 30 * time.Second,
	}
}

// Client is a throttled, retrying, circuit-broken HTTP caller shared by
// every external-system client.
type Client struct {
	httpClient *http.Client
	cfg        Config
	breaker    *gobreaker.CircuitBreaker

	mu       sync.Mutex
	lastCall time.Time
}

// New creates a transport Client for one external system host. name is used
// as the circuit breaker's identity in logs/metrics.
func New(name string, cfg Config) *Client {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.CircuitOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CircuitMaxFailures
		},
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:        cfg,
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

// throttle blocks until at least MinRequestInterval has elapsed since the
// previous call, or ctx is canceled.
func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	next := c.lastCall.Add(c.cfg.MinRequestInterval)
	if next.Before(now) {
		next = now
	}
	c.lastCall = next
	c.mu.Unlock()
	wait := next.Sub(now)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes an HTTP request through the throttle, circuit breaker, and
// retry-with-backoff, returning the response body. component/operation name
// the call for syncerr classification. statusClassifier maps an HTTP status
// code observed on a non-2xx response to a syncerr.Code; a nil classifier
// uses DefaultStatusClass.
func (c *Client) Do(ctx context.Context, component, operation string, req *http.Request, statusClassifier func(int) syncerr.Code) ([]byte, int, error) {
	if statusClassifier == nil {
		statusClassifier = DefaultStatusClass
	}

	var bodyBytes []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("transport: read request body: %w", err)
		}
		_ = req.Body.Close()
		bodyBytes = b
	}

	attempt := 0
	var respBody []byte
	var statusCode int
	var retryAfter time.Duration

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BaseBackoff
	boWithMax := backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetryAttempts))

	// When the server sent Retry-After, the notify callback sleeps for that
	// duration before the computed backoff interval for the next attempt.
	opErr := backoff.RetryNotify(func() error {
		attempt++
		if err := c.throttle(ctx); err != nil {
			return backoff.Permanent(err)
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doOnce(ctx, req, bodyBytes)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return syncerr.New(syncerr.Unavailable,
					syncerr.Context{Component: component, Operation: operation, Attempt: attempt}, err)
			}
			return syncerr.New(syncerr.Transient,
				syncerr.Context{Component: component, Operation: operation, Attempt: attempt}, err)
		}

		oneShot := result.(*onceResult)
		statusCode = oneShot.status
		respBody = oneShot.body
		retryAfter = oneShot.retryAfter

		if statusCode >= 200 && statusCode < 300 {
			return nil
		}

		code := statusClassifier(statusCode)
		classified := syncerr.New(code,
			syncerr.Context{Component: component, Operation: operation, Attempt: attempt},
			fmt.Errorf("%s %s: HTTP %d: %s", req.Method, req.URL, statusCode, string(respBody)))
		if code == syncerr.Transient || code == syncerr.Unavailable {
			return classified
		}
		return backoff.Permanent(classified)
	}, backoff.WithContext(boWithMax, ctx), func(err error, next time.Duration) {
		metrics.RecordRetry(ctx, component)
		if retryAfter > 0 {
			time.Sleep(retryAfter)
		}
	})

	if opErr != nil {
		if se, ok := syncerr.As(opErr); ok {
			return nil, statusCode, se
		}
		return nil, statusCode, syncerr.New(syncerr.Transient,
			syncerr.Context{Component: component, Operation: operation, Attempt: attempt}, opErr)
	}
	return respBody, statusCode, nil
}

type onceResult struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

func (c *Client) doOnce(ctx context.Context, req *http.Request, body []byte) (*onceResult, error) {
	cloned := req.Clone(ctx)
	if body != nil {
		cloned.Body = io.NopCloser(bytes.NewReader(body))
		cloned.ContentLength = int64(len(body))
	}

	resp, err := c.httpClient.Do(cloned)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &onceResult{status: resp.StatusCode, body: respBody, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}, nil
}

// parseRetryAfter parses an HTTP Retry-After header (delta-seconds form
// only; the engine's external systems don't send the HTTP-date form).
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(v, "%d", &seconds); err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// DefaultStatusClass classifies an HTTP status code: 408/429/500/502/503/504
// are Transient; 400/401/403/404/422 are Permanent (404 as NotFound
// specifically); anything else defaults to Permanent.
func DefaultStatusClass(status int) syncerr.Code {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return syncerr.Transient
	case http.StatusNotFound:
		return syncerr.NotFound
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusUnprocessableEntity:
		return syncerr.Permanent
	default:
		return syncerr.Permanent
	}
}

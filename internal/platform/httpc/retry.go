// Package httpc wraps outbound HTTP calls with the retry behaviour every
// upstream used here demands: capped exponential backoff with jitter, a
// fixed attempt budget, and respect for Retry-After hints.
package httpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// ErrRetryBudgetExhausted marks a call that kept failing after the full
// attempt budget. Callers surface it as an upstream-unavailable failure.
var ErrRetryBudgetExhausted = errors.New("httpc: retry budget exhausted")

// RetryPolicy bounds the retry loop.
type RetryPolicy struct {
	MaxAttempts uint32
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy covers rate-limited billing and CRM APIs.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Jitter:      100 * time.Millisecond,
	}
}

// Validate rejects policies the retry loop cannot run with.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts == 0 {
		return errors.New("httpc: max attempts must be positive")
	}
	if p.BaseDelay <= 0 {
		return errors.New("httpc: base delay must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		return errors.New("httpc: max delay below base delay")
	}
	if p.Jitter < 0 {
		return errors.New("httpc: jitter must not be negative")
	}
	return nil
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do issues the request built by build, retrying retryable statuses and
// transport errors under the policy. build is called once per attempt so
// request bodies are never reused. A non-retryable status returns the
// response as-is for the caller to interpret.
func Do(ctx context.Context, client *http.Client, policy RetryPolicy, build func() (*http.Request, error)) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var lastErr error
	for attempt := uint32(0); attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoff(policy, attempt, lastErr)); err != nil {
				return nil, err
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = err
			continue
		}
		if !retryable(resp.StatusCode) {
			return resp, nil
		}
		lastErr = &StatusError{Status: resp.StatusCode, RetryAfter: parseRetryAfter(resp)}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	return nil, fmt.Errorf("%w: %v", ErrRetryBudgetExhausted, lastErr)
}

// StatusError records a retryable upstream status and any server pacing hint.
type StatusError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Status)
}

func backoff(policy RetryPolicy, attempt uint32, lastErr error) time.Duration {
	var statusErr *StatusError
	if errors.As(lastErr, &statusErr) && statusErr.RetryAfter > 0 {
		// The server told us when to come back; trust it over our own curve.
		if statusErr.RetryAfter > policy.MaxDelay {
			return policy.MaxDelay
		}
		return statusErr.RetryAfter
	}
	delay := policy.BaseDelay << (attempt - 1)
	if delay > policy.MaxDelay || delay <= 0 {
		delay = policy.MaxDelay
	}
	if policy.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(policy.Jitter)))
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

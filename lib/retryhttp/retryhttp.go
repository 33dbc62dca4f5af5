// Package retryhttp configures a resty client with the retry policy
// shared by every request the scraper makes: bounded attempts,
// exponential backoff, and rate-limit compliance.
package retryhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrRetriesExhausted = fmt.Errorf("request failed after all retry attempts")
var ErrAuthRequired = fmt.Errorf("the service no longer accepts this session as authenticated")

type Policy struct {
	// total attempts for one logical request, including the first
	MaxAttempts int
	// base delay, doubled on every failed attempt
	BackoffBase time.Duration
	// upper bound on the exponential schedule, a Retry-After header
	// may still exceed it
	BackoffCap time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultPolicy().BackoffBase
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = DefaultPolicy().BackoffCap
	}
	return p
}

// Configure installs the retry policy on a resty client. Only network
// errors, 5xx and 429 are retried; auth failures and other 4xx are left
// for Classify to surface.
func Configure(client *resty.Client, policy Policy) {
	policy = policy.withDefaults()

	client.SetRetryCount(policy.MaxAttempts - 1)
	client.SetRetryWaitTime(policy.BackoffBase)
	client.SetRetryMaxWaitTime(maxWait(policy))

	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		if r == nil {
			return false
		}
		code := r.StatusCode()
		return code == http.StatusTooManyRequests || code >= 500
	})

	client.SetRetryAfter(func(c *resty.Client, resp *resty.Response) (time.Duration, error) {
		return waitDuration(policy, resp), nil
	})

	client.AddRetryHook(func(resp *resty.Response, err error) {
		attempt := 1
		if resp != nil && resp.Request != nil {
			attempt = resp.Request.Attempt
		}
		level := slog.LevelWarn
		if attempt >= policy.MaxAttempts-1 {
			level = slog.LevelError
		}
		args := []any{
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
		}
		if err != nil {
			args = append(args, "err", err)
		} else if resp != nil {
			args = append(args, "status", resp.StatusCode())
		}
		slog.Log(context.Background(), level, "retrying request", args...)
	})
}

// the Retry-After ceiling, kept above BackoffCap so a server-mandated
// wait is not silently truncated by resty
func maxWait(p Policy) time.Duration {
	w := 5 * time.Minute
	if p.BackoffCap > w {
		w = p.BackoffCap
	}
	return w
}

func waitDuration(p Policy, resp *resty.Response) time.Duration {
	attempt := 1
	if resp != nil && resp.Request != nil && resp.Request.Attempt > 0 {
		attempt = resp.Request.Attempt
	}

	if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
		header := resp.Header().Get("Retry-After")
		if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	// BackoffBase * 2^(attempt-1)
	d := p.BackoffBase << uint(attempt-1)
	if d > p.BackoffCap || d <= 0 {
		d = p.BackoffCap
	}
	return d
}

// Classify maps the outcome of an already-retried request onto the
// pipeline's failure kinds. By the time a caller sees a retryable
// status here, all retries have already run.
func Classify(resp *resty.Response, err error) error {
	// a canceled or timed-out context is the caller's doing, not an
	// exhausted retry schedule
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	if resp == nil {
		return nil
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuthRequired, code)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf(
			"%w: status %d on attempt %d",
			ErrRetriesExhausted, code, resp.Request.Attempt,
		)
	case code >= 400:
		return fmt.Errorf("request failed with unrecoverable status %d", code)
	}
	return nil
}

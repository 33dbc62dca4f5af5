package retryhttp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

func newTestClient(policy Policy) *resty.Client {
	client := resty.New()
	client.SetTimeout(time.Second * 5)
	Configure(client, policy)
	return client
}

func TestRetryAfterHeaderHonored(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := newTestClient(Policy{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond * 10,
	})

	start := time.Now()
	res, err := client.R().Get(server.URL)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NoError(t, Classify(res, err))
	require.Equal(t, http.StatusOK, res.StatusCode())
	require.EqualValues(t, 2, calls.Load())
	require.GreaterOrEqual(t, elapsed, time.Second)
}

func TestServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(Policy{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond * 4,
	})

	res, err := client.R().Get(server.URL)
	require.NoError(t, err)

	err = Classify(res, err)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.EqualValues(t, 3, calls.Load())
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(Policy{MaxAttempts: 3, BackoffBase: time.Millisecond})

	res, err := client.R().Get(server.URL)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	err = Classify(res, err)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrRetriesExhausted))
	require.False(t, errors.Is(err, ErrAuthRequired))
}

func TestAuthFailureSurfacedWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(Policy{MaxAttempts: 3, BackoffBase: time.Millisecond})

	res, err := client.R().Get(server.URL)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())
	require.ErrorIs(t, Classify(res, err), ErrAuthRequired)
}

func TestCanceledRequestNotReportedAsExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := newTestClient(Policy{MaxAttempts: 3, BackoffBase: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := client.R().SetContext(ctx).Get(server.URL)
	require.Error(t, err)

	err = Classify(res, err)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, ErrRetriesExhausted))
}

func TestWaitDurationSchedule(t *testing.T) {
	policy := Policy{
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffCap:  time.Second * 5,
	}

	testCases := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 1, expected: time.Second},
		{attempt: 2, expected: time.Second * 2},
		{attempt: 3, expected: time.Second * 4},
		// capped from here on
		{attempt: 4, expected: time.Second * 5},
		{attempt: 5, expected: time.Second * 5},
	}
	for _, test := range testCases {
		res := &resty.Response{
			Request: &resty.Request{Attempt: test.attempt},
		}
		require.Equal(t, test.expected, waitDuration(policy, res), "attempt %d", test.attempt)
	}
}

// internal/bridge/reconnect_test.go
package bridge

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestSupervisor wires a supervisor whose sleep records requested delays
// instead of waiting.
func newTestSupervisor(t *testing.T, policy RetryPolicy, breaker *Breaker) (*supervisor, *[]time.Duration) {
	t.Helper()
	if breaker == nil {
		breaker = NewBreaker(testEndpoint, BreakerSettings{FailureThreshold: 1000}, zaptest.NewLogger(t))
	}
	s := newSupervisor(policy, testEndpoint, breaker, zaptest.NewLogger(t))

	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return s, &delays
}

func TestSupervisor_FirstAttemptImmediate(t *testing.T) {
	s, delays := newTestSupervisor(t, RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, BackoffFactor: 2}, nil)

	calls := 0
	err := s.run(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays, "success on the initial attempt must not sleep")
}

func TestSupervisor_ExponentialSchedule(t *testing.T) {
	s, delays := newTestSupervisor(t, RetryPolicy{MaxRetries: 4, BaseDelay: 100 * time.Millisecond, BackoffFactor: 2}, nil)

	err := s.run(context.Background(), func(context.Context) error {
		return syscall.ECONNREFUSED
	})
	require.Error(t, err)

	// Delay before retry n is BaseDelay * factor^(n-1), with no jitter.
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	assert.Equal(t, want, *delays)
}

func TestSupervisor_ExhaustionAggregatesSequence(t *testing.T) {
	s, _ := newTestSupervisor(t, RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, BackoffFactor: 2}, nil)

	start := time.Now()
	err := s.run(context.Background(), func(context.Context) error {
		return syscall.ECONNREFUSED
	})

	var be *BridgeError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindNetwork, be.Kind)
	assert.Equal(t, 3, be.Attempts, "initial attempt plus two retries")
	assert.False(t, be.FirstSeenAt.Before(start.Add(-time.Second)))
	assert.False(t, be.LastAttemptAt.Before(be.FirstSeenAt))
}

func TestSupervisor_EventualSuccess(t *testing.T) {
	s, delays := newTestSupervisor(t, RetryPolicy{MaxRetries: 5, BaseDelay: time.Second, BackoffFactor: 2}, nil)

	calls := 0
	err := s.run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return syscall.ECONNRESET
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *delays, 2)
}

func TestSupervisor_NonRetryableReturnsImmediately(t *testing.T) {
	s, delays := newTestSupervisor(t, RetryPolicy{MaxRetries: 5, BaseDelay: time.Second, BackoffFactor: 2}, nil)

	calls := 0
	authErr := newError(KindAuthentication, testEndpoint, "token rejected", nil)
	err := s.run(context.Background(), func(context.Context) error {
		calls++
		return authErr
	})

	var be *BridgeError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindAuthentication, be.Kind)
	assert.Equal(t, 1, calls, "bad credentials must not be retried")
	assert.Empty(t, *delays)
}

// A breaker that opens mid-sequence short-circuits the remaining retries. The
// short-circuit itself makes no transport attempt, so the reported attempt
// count only covers real ones.
func TestSupervisor_BreakerOpenStopsRetrying(t *testing.T) {
	breaker := NewBreaker(testEndpoint, BreakerSettings{FailureThreshold: 2, RecoveryTimeout: time.Hour}, zaptest.NewLogger(t))
	s, delays := newTestSupervisor(t, RetryPolicy{MaxRetries: 10, BaseDelay: time.Second, BackoffFactor: 2}, breaker)

	calls := 0
	err := s.run(context.Background(), func(context.Context) error {
		calls++
		return syscall.ECONNREFUSED
	})

	var be *BridgeError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindBreakerOpen, be.Kind)
	assert.Equal(t, 2, calls, "the breaker admits exactly its threshold in attempts")
	assert.Len(t, *delays, 2, "the short-circuited attempt still slept, later ones never ran")
	assert.Equal(t, BreakerOpen, breaker.State())
}

func TestSupervisor_ContextCancellationDuringBackoff(t *testing.T) {
	s, _ := newTestSupervisor(t, RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, BackoffFactor: 2}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(sleepCtx context.Context, d time.Duration) error {
		cancel()
		return sleepCtx.Err()
	}

	calls := 0
	err := s.run(ctx, func(context.Context) error {
		calls++
		return syscall.ECONNREFUSED
	})

	var be *BridgeError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindCanceled, be.Kind)
	assert.Equal(t, 1, calls)
}

// The error returned by the connect function may be a value the caller still
// holds, so the sequence annotations must land on a copy of it.
func TestSupervisor_DoesNotMutateConnectError(t *testing.T) {
	s, _ := newTestSupervisor(t, RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, BackoffFactor: 2}, nil)

	shared := newError(KindNetwork, testEndpoint, "link down", nil)
	err := s.run(context.Background(), func(context.Context) error {
		return shared
	})

	var be *BridgeError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 3, be.Attempts)
	assert.NotSame(t, shared, be)
	assert.Equal(t, 1, shared.Attempts, "the caller's error must keep its own attempt count")
}

func TestSupervisor_ZeroRetriesSingleAttempt(t *testing.T) {
	s, delays := newTestSupervisor(t, RetryPolicy{MaxRetries: 0, BaseDelay: time.Second, BackoffFactor: 2}, nil)

	calls := 0
	err := s.run(context.Background(), func(context.Context) error {
		calls++
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestRetryPolicy_Defaults(t *testing.T) {
	p := RetryPolicy{MaxRetries: -1, BackoffFactor: 0.5}.withDefaults()
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, float64(2), p.BackoffFactor)
}

func TestSleepCtx(t *testing.T) {
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}

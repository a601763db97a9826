// internal/bridge/reconnect.go
package bridge

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds one reconnect sequence. The delay before retry n
// (n >= 1) is BaseDelay * BackoffFactor^(n-1); the initial attempt fires
// immediately.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 2
	}
	return p
}

// supervisor retries a connect function with exponential backoff, gated by
// the endpoint's circuit breaker. It is an explicit bounded loop rather than
// recursion, so the attempt count is directly observable and the stack stays
// flat no matter how large the retry budget is.
type supervisor struct {
	policy   RetryPolicy
	endpoint string
	breaker  *Breaker
	logger   *zap.Logger

	// sleep is a seam for tests; the default waits or returns early when the
	// context ends.
	sleep func(ctx context.Context, d time.Duration) error
}

func newSupervisor(policy RetryPolicy, endpoint string, breaker *Breaker, logger *zap.Logger) *supervisor {
	return &supervisor{
		policy:   policy.withDefaults(),
		endpoint: endpoint,
		breaker:  breaker,
		logger:   logger.Named("reconnect"),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run executes connect through the breaker: one immediate attempt, then up to
// MaxRetries delayed retries. It returns nil on the first success. On
// exhaustion it returns a single aggregated BridgeError carrying the final
// kind, the total attempt count, and the sequence's time bounds.
//
// Non-retryable failures (Authentication, Configuration) surface immediately
// without consuming retry budget, as do breaker short-circuits and
// cancellation: retrying bad credentials cannot succeed, and a known-bad
// endpoint should not be hammered while its breaker cools down.
func (s *supervisor) run(ctx context.Context, connect func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.policy.BaseDelay
	bo.Multiplier = s.policy.BackoffFactor
	// The schedule must be exactly BaseDelay * factor^(n-1): no jitter, no
	// interval cap, no elapsed-time cutoff. The retry budget is the only bound.
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Duration(1<<62 - 1)
	bo.MaxElapsedTime = 0
	bo.Reset()

	var errCtx *BridgeError

	attempt := func() *BridgeError {
		err := s.breaker.Do(func() error { return connect(ctx) })
		if err == nil {
			return nil
		}
		return Classify(err, s.endpoint)
	}

	total := 1
	first := time.Now()
	if errCtx = attempt(); errCtx == nil {
		return nil
	}
	if !errCtx.Retryable() {
		return errCtx
	}

	for n := 1; n <= s.policy.MaxRetries; n++ {
		delay := bo.NextBackOff()
		s.logger.Info("Retrying connection",
			zap.String("endpoint", s.endpoint),
			zap.Int("attempt", n),
			zap.Duration("delay", delay),
			zap.String("last_error_kind", errCtx.Kind.String()))

		if err := s.sleep(ctx, delay); err != nil {
			return Classify(err, s.endpoint)
		}

		last := attempt()
		if last != nil && last.Kind == KindBreakerOpen {
			// A short-circuit is a distinct, immediately-returned failure; no
			// transport attempt happened, so it charges no retry budget.
			return last
		}
		total++
		if last == nil {
			s.logger.Info("Reconnected",
				zap.String("endpoint", s.endpoint),
				zap.Int("attempts", total))
			return nil
		}

		// Carry the sequence context forward on a copy: the connect error may
		// be a value the caller still holds and must not be mutated here.
		seq := *last
		seq.Attempts = total
		seq.FirstSeenAt = first
		seq.LastAttemptAt = time.Now()
		errCtx = &seq

		if !errCtx.Retryable() {
			return errCtx
		}
	}

	s.logger.Error("Retry budget exhausted",
		zap.String("endpoint", s.endpoint),
		zap.Int("attempts", total),
		zap.String("kind", errCtx.Kind.String()))
	return errCtx
}

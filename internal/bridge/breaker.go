// internal/bridge/breaker.go
package bridge

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	// BreakerClosed passes calls through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen short-circuits calls until the recovery timeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets exactly one probe call through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "invalid"
	}
}

// BreakerSettings configures one endpoint's breaker.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker waits before allowing a
	// half-open probe.
	RecoveryTimeout time.Duration
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 30 * time.Second
	}
	return s
}

// Breaker isolates one flaky endpoint. The legal transitions are
// Closed -> Open -> HalfOpen -> {Closed, Open}; recovery never skips
// HalfOpen. One Breaker may be shared by every connection to the same
// endpoint in the process, so all mutation happens under the mutex.
type Breaker struct {
	endpoint string
	settings BreakerSettings
	logger   *zap.Logger

	// now is a clock seam for tests.
	now func() time.Time

	mu               sync.Mutex
	state            BreakerState
	failureCount     int
	lastFailureAt    time.Time
	halfOpenInFlight bool
}

// NewBreaker builds a breaker for a single endpoint.
func NewBreaker(endpoint string, settings BreakerSettings, logger *zap.Logger) *Breaker {
	return &Breaker{
		endpoint: endpoint,
		settings: settings.withDefaults(),
		logger:   logger.Named("breaker"),
		now:      time.Now,
		state:    BreakerClosed,
	}
}

// State returns the current state, accounting for an elapsed recovery timeout.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.recoveryElapsed() {
		return BreakerHalfOpen
	}
	return b.state
}

// FailureCount returns the consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

func (b *Breaker) recoveryElapsed() bool {
	return b.now().Sub(b.lastFailureAt) >= b.settings.RecoveryTimeout
}

// allow decides whether a call may proceed. In Open it short-circuits with a
// BreakerOpen failure until the recovery timeout has elapsed, at which point
// the next caller is admitted as the single half-open probe.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if !b.recoveryElapsed() {
			return newError(KindBreakerOpen, b.endpoint, "circuit breaker is open", nil)
		}
		b.setState(BreakerHalfOpen)
		b.halfOpenInFlight = true
		b.logger.Info("Circuit breaker probing", zap.String("endpoint", b.endpoint))
		return nil

	case BreakerHalfOpen:
		if b.halfOpenInFlight {
			return newError(KindBreakerOpen, b.endpoint, "circuit breaker probe already in flight", nil)
		}
		b.halfOpenInFlight = true
		return nil

	default:
		return newError(KindBreakerOpen, b.endpoint, "circuit breaker in invalid state", nil)
	}
}

// record feeds the outcome of an admitted call back into the state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case BreakerHalfOpen:
			b.logger.Info("Circuit breaker closing after successful probe",
				zap.String("endpoint", b.endpoint))
			b.setState(BreakerClosed)
		case BreakerClosed:
			// Steady state.
		}
		b.failureCount = 0
		b.halfOpenInFlight = false
		return
	}

	b.failureCount++
	b.lastFailureAt = b.now()

	switch b.state {
	case BreakerClosed:
		if b.failureCount >= b.settings.FailureThreshold {
			b.logger.Warn("Circuit breaker opening",
				zap.String("endpoint", b.endpoint),
				zap.Int("consecutive_failures", b.failureCount))
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.logger.Warn("Circuit breaker probe failed, reopening",
			zap.String("endpoint", b.endpoint))
		b.setState(BreakerOpen)
		b.halfOpenInFlight = false
	}
}

func (b *Breaker) setState(next BreakerState) {
	if b.state == next {
		return
	}
	b.logger.Debug("Circuit breaker state change",
		zap.String("endpoint", b.endpoint),
		zap.String("from", b.state.String()),
		zap.String("to", next.String()))
	b.state = next
}

// Do wraps fn with the breaker. A short-circuit returns a KindBreakerOpen
// error without invoking fn; otherwise fn runs and its outcome feeds the
// state machine. Cancellation is not an endpoint fault and is not recorded.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil && Classify(err, b.endpoint).Kind == KindCanceled {
		b.mu.Lock()
		b.halfOpenInFlight = false
		b.mu.Unlock()
		return err
	}
	b.record(err == nil)
	return err
}

// BreakerRegistry hands out one long-lived Breaker per distinct endpoint so
// that supervisor retries and fresh connections to the same endpoint share
// failure history.
type BreakerRegistry struct {
	mu       sync.Mutex
	settings BreakerSettings
	logger   *zap.Logger
	breakers map[string]*Breaker
}

// NewBreakerRegistry builds a registry whose breakers all use the given
// settings.
func NewBreakerRegistry(settings BreakerSettings, logger *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		settings: settings.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the endpoint, creating it on first use.
func (r *BreakerRegistry) Get(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	b := NewBreaker(endpoint, r.settings, r.logger)
	r.breakers[endpoint] = b
	return b
}

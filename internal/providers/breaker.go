package providers

import (
	"sync"
	"time"
)

// BreakerState is the state of a per-provider circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// circuitBreaker gates whether a candidate is attempted at all, ahead of
// the retry/backoff loop. It opens after FailureThreshold consecutive
// failures and half-opens (allows exactly one probe) after OpenDuration,
// doubling the open window (capped at MaxOpenDuration) on repeated
// probe failures.
type circuitBreaker struct {
	mu sync.Mutex

	cfg CircuitBreakerConfig

	consecutiveFailures int
	state               BreakerState
	openedAt            time.Time
	currentOpenDuration time.Duration
	probeInFlight       bool
}

func newCircuitBreaker(cfg CircuitBreakerConfig) *circuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.MaxOpenDuration <= 0 {
		cfg.MaxOpenDuration = 5 * time.Minute
	}
	return &circuitBreaker{cfg: cfg, state: BreakerClosed, currentOpenDuration: cfg.OpenDuration}
}

// allow reports whether a request may be attempted now. When it returns
// true from the open state, the caller is the probe and must call
// recordSuccess/recordFailure to resolve the half-open trial.
func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) < b.currentOpenDuration {
			return false
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		return true
	case BreakerHalfOpen:
		// Only one probe in flight at a time.
		return !b.probeInFlight
	default:
		return true
	}
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	from := b.state
	b.consecutiveFailures = 0
	b.state = BreakerClosed
	b.probeInFlight = false
	b.currentOpenDuration = b.cfg.OpenDuration
	b.mu.Unlock()
	b.notify(from, BreakerClosed)
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	from := b.state

	if b.state == BreakerHalfOpen {
		b.probeInFlight = false
		b.openedAt = time.Now()
		b.currentOpenDuration *= 2
		if b.currentOpenDuration > b.cfg.MaxOpenDuration {
			b.currentOpenDuration = b.cfg.MaxOpenDuration
		}
		b.state = BreakerOpen
		b.mu.Unlock()
		b.notify(from, BreakerOpen)
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// notify invokes the configured state-change hook, if any, outside of
// b.mu — it is a no-op when from == to.
func (b *circuitBreaker) notify(from, to BreakerState) {
	if from == to || b.cfg.OnStateChange == nil {
		return
	}
	b.cfg.OnStateChange(string(from), string(to))
}

func (b *circuitBreaker) snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

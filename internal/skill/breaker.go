package skill

import (
	"sync"
	"time"

	"github.com/pitabwire/sequencer/internal/config"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all calls through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probe calls through after the open timeout.
	BreakerHalfOpen
	// BreakerOpen rejects all calls immediately.
	BreakerOpen
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
		return "unknown"
	}
}

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// Breaker trips on consecutive failures or on the error rate within a
// tumbling window. It is safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      config.CircuitBreakerConfig
	now      func() time.Time
	state    BreakerState
	failures int
	probes   int
	openedAt time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewBreaker creates a breaker. Zero thresholds fall back to 5 consecutive
// failures, 2 half-open successes and a 30s open timeout.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.windowStart = b.now()
	return b
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState() != BreakerOpen
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerClosed:
		b.failures = 0
		b.recordWindowCall(false)
	case BreakerHalfOpen:
		b.probes++
		if b.probes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.probes = 0
			b.resetWindow()
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerClosed:
		b.failures++
		b.recordWindowCall(true)
		if b.failures >= b.cfg.FailureThreshold || b.errorRateExceeded() {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState moves Open to HalfOpen once the timeout elapsed. Must be
// called with lock held.
func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.cfg.Timeout {
		b.state = BreakerHalfOpen
		b.probes = 0
	}
	return b.state
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.probes = 0
	b.resetWindow()
}

func (b *Breaker) recordWindowCall(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) errorRateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.cfg.ErrorRateThreshold
}

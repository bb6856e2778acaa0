package portalclient

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/civicportal/internal/config"
)

// ErrCircuitOpen is returned by Allow while the breaker rejects calls.
var ErrCircuitOpen = errors.New("portalclient: circuit breaker is open")

// BreakerState is the position of the circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
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
		return "unknown"
	}
}

// minErrorRateSamples keeps a handful of early failures from tripping the
// rate check.
const minErrorRateSamples = 10

// Breaker guards the portal API. It trips on consecutive failures or on
// the error rate within a tumbling window, and reports every state change
// to its observer. Safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	state    BreakerState
	failures int
	// successes counts consecutive half-open successes.
	successes int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	errorRateThreshold float64
	errorRateWindow    time.Duration
	windowStart        time.Time
	windowTotal        int
	windowFailures     int

	now      func() time.Time
	onChange func(BreakerState)
}

// NewBreaker creates a closed breaker from config. Zero thresholds fall
// back to 5 failures, 2 successes and a 30s cool-down; a zero error rate
// threshold or window disables rate-based tripping.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	b := &Breaker{
		state:              BreakerClosed,
		failureThreshold:   cfg.FailureThreshold,
		successThreshold:   cfg.SuccessThreshold,
		cooldown:           cfg.Timeout,
		errorRateThreshold: cfg.ErrorRateThreshold,
		errorRateWindow:    cfg.ErrorRateWindow,
		now:                time.Now,
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 5
	}
	if b.successThreshold < 1 {
		b.successThreshold = 2
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	b.windowStart = b.now()
	return b
}

// OnChange registers fn to observe state changes. fn runs with the
// breaker locked and must not call back into it.
func (b *Breaker) OnChange(fn func(BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if s == BreakerOpen {
		b.openedAt = b.now()
	}
	if s != BreakerClosed {
		b.successes = 0
	}
	if b.onChange != nil {
		b.onChange(s)
	}
}

// coolLocked moves an open breaker to half-open once the cool-down has
// elapsed.
func (b *Breaker) coolLocked() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.cooldown {
		b.setState(BreakerHalfOpen)
	}
}

// Allow returns ErrCircuitOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.coolLocked()
	if b.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a call that reached a healthy server.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.countLocked(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.failures = 0
			b.resetWindowLocked()
			b.setState(BreakerClosed)
		}
	}
}

// RecordFailure records a transport error or a 5xx answer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.countLocked(true)
		if b.failures >= b.failureThreshold || b.errorRateExceededLocked() {
			b.resetWindowLocked()
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coolLocked()
	return b.state
}

// ErrorRate returns the failure ratio and call count of the current window.
func (b *Breaker) ErrorRate() (rate float64, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindowLocked()
	if b.windowTotal == 0 {
		return 0, 0
	}
	return float64(b.windowFailures) / float64(b.windowTotal), b.windowTotal
}

func (b *Breaker) countLocked(failed bool) {
	if b.errorRateWindow <= 0 {
		return
	}
	b.rollWindowLocked()
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) rollWindowLocked() {
	if b.errorRateWindow > 0 && b.now().Sub(b.windowStart) > b.errorRateWindow {
		b.resetWindowLocked()
	}
}

func (b *Breaker) resetWindowLocked() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) errorRateExceededLocked() bool {
	if b.errorRateThreshold <= 0 || b.errorRateWindow <= 0 || b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.errorRateThreshold
}

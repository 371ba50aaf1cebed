package recovery

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker fast-fails a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	// BreakerClosed admits all calls.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen fast-fails all calls until the cooldown elapses.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen admits a limited number of trial calls.
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig parameterizes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Default: 5.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before admitting
	// trial calls. Default: 30s.
	Cooldown time.Duration

	// HalfOpenTrials is how many trial calls the half-open state admits.
	// Default: 1.
	HalfOpenTrials int
}

// Breaker is a three-state circuit breaker. Closed counts consecutive
// failures; Open fast-fails until the cooldown elapses; HalfOpen admits
// a bounded number of trials; one failure reopens, all successes close.
type Breaker struct {
	mu sync.Mutex

	cfg BreakerConfig

	state        BreakerState
	failures     int
	openedAt     time.Time
	trialsIssued int
	trialsPassed int

	now func() time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = 1
	}
	return &Breaker{
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// State returns the current breaker state, applying the open→half-open
// transition if the cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen
// when the circuit is open or the half-open trial budget is exhausted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if b.trialsIssued >= b.cfg.HalfOpenTrials {
			return ErrCircuitOpen
		}
		b.trialsIssued++
		return nil
	}
	return nil
}

// Record reports the outcome of an admitted call.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case BreakerHalfOpen:
		if !success {
			b.open()
			return
		}
		b.trialsPassed++
		if b.trialsPassed >= b.cfg.HalfOpenTrials {
			b.state = BreakerClosed
			b.failures = 0
		}
	case BreakerOpen:
		// A straggler completing after the circuit opened; ignore.
	}
}

func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.trialsIssued = 0
	b.trialsPassed = 0
}

// maybeHalfOpen transitions Open to HalfOpen when the cooldown elapsed.
// Callers must hold the mutex.
func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = BreakerHalfOpen
		b.trialsIssued = 0
		b.trialsPassed = 0
	}
}

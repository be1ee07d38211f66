package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker implements the circuit breaker pattern. After threshold
// consecutive failures it rejects calls for cooldown, then lets up to
// halfOpenMax trial calls through.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	threshold   int
	cooldown    time.Duration
	halfOpenMax int
	lastFailure time.Time
	halfOpenCnt int
	now         func() time.Time
}

// NewBreaker creates a new circuit breaker. A threshold <= 0 disables it.
func NewBreaker(threshold int, cooldown time.Duration, halfOpenMax int) *Breaker {
	if halfOpenMax <= 0 {
		halfOpenMax = 1
	}
	return &Breaker{
		state:       Closed,
		threshold:   threshold,
		cooldown:    cooldown,
		halfOpenMax: halfOpenMax,
		now:         time.Now,
	}
}

// Allow checks if the request should be allowed.
func (b *Breaker) Allow() bool {
	if b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.halfOpenCnt = 1
		return true
	case HalfOpen:
		if b.halfOpenCnt >= b.halfOpenMax {
			return false
		}
		b.halfOpenCnt++
		return true
	}
	return true
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case Closed:
		if b.threshold > 0 && b.failures >= b.threshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
	}
}

// State returns the current circuit breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

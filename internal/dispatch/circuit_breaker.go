package dispatch

import (
	"sync"
	"time"
)

// CircuitState is the admission posture of the Dispatch Service.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "open"
	}
}

// CircuitBreaker trips dispatch admission off when too many instances are
// already in flight against too few online agents, adapted from
// control_plane/scheduler/circuit_breaker.go's queue-depth/saturation gate.
type CircuitBreaker struct {
	mu sync.RWMutex

	queueThreshold int
	saturationMax  float64
	cooldown       time.Duration

	state     CircuitState
	openedAt  time.Time
	testCount int
	testLimit int
}

func NewCircuitBreaker(queueThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		state:          CircuitClosed,
		queueThreshold: queueThreshold,
		saturationMax:  0.95,
		cooldown:       30 * time.Second,
		testLimit:      5,
	}
}

// ShouldAdmit decides whether another poll round should dispatch, given the
// current count of Dispatched-but-not-terminal instances and the fraction of
// online agents already at capacity.
func (cb *CircuitBreaker) ShouldAdmit(inFlight int, agentSaturation float64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldown {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return true
		}
		if inFlight < cb.queueThreshold/2 && agentSaturation < cb.saturationMax {
			cb.state = CircuitClosed
			return true
		}
		return false
	}

	if inFlight > cb.queueThreshold || agentSaturation > cb.saturationMax {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return false
	}
	return cb.state == CircuitClosed
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = CircuitClosed
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
	}
}

func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

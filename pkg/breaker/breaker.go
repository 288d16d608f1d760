// Package breaker implements the three-state circuit breaker gating calls
// to the LLM client.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call when the breaker is open (or
// half-open and a trial is already in flight).
var ErrCircuitOpen = errors.New("circuit open")

type state int

const (
	closed state = iota
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker trips to open after FailureThreshold consecutive failures and
// probes recovery with a single trial call after CooldownSeconds.
type Breaker struct {
	failureThreshold int
	cooldown         time.Duration

	mu           sync.Mutex
	state        state
	failures     int
	openedAt     time.Time
	trialInFlight bool
}

// New builds a Breaker with the given failure threshold and cooldown.
func New(failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Breaker{failureThreshold: failureThreshold, cooldown: cooldown}
}

// State reports the current state as a metric-friendly label.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked().String()
}

// currentLocked resolves an open breaker whose cooldown has elapsed into
// half-open, without admitting a trial itself (Call does that).
func (b *Breaker) currentLocked() state {
	if b.state == open && time.Since(b.openedAt) >= b.cooldown {
		return halfOpen
	}
	return b.state
}

// Call invokes fn if the breaker admits it: always when closed, never when
// open (cooldown not yet elapsed), and exactly once for concurrent callers
// when half-open — other concurrent half-open callers are rejected with
// ErrCircuitOpen without being counted as failures.
func (b *Breaker) Call(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trialInFlight {
		b.trialInFlight = false
	}
	if err != nil {
		b.recordFailureLocked()
		return err
	}
	b.recordSuccessLocked()
	return nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentLocked() {
	case closed:
		return nil
	case halfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.state = halfOpen
		b.trialInFlight = true
		return nil
	default: // open, cooldown not elapsed
		return ErrCircuitOpen
	}
}

func (b *Breaker) recordSuccessLocked() {
	b.state = closed
	b.failures = 0
}

func (b *Breaker) recordFailureLocked() {
	if b.state == halfOpen {
		b.state = open
		b.openedAt = time.Now()
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = open
		b.openedAt = time.Now()
	}
}

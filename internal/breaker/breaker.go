// Package breaker keeps one circuit breaker per gateway session so one
// tenant's failing session never trips another tenant's sends.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

type Settings struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32
	// ResetTimeout is how long an open circuit rejects before probing.
	ResetTimeout time.Duration
	// SuccessThreshold consecutive half-open successes close the circuit.
	SuccessThreshold uint32

	// OnStateChange is invoked on every breaker transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

// Registry lazily creates breakers keyed by gateway session. State is
// process-local and rebuilt closed on restart.
type Registry struct {
	settings Settings

	mu sync.Mutex
	m  map[string]*gobreaker.CircuitBreaker
}

func NewRegistry(s Settings) *Registry {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = 2
	}
	return &Registry{settings: s, m: make(map[string]*gobreaker.CircuitBreaker)}
}

// For returns the breaker for a session, creating it on first use.
func (r *Registry) For(session string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.m[session]; ok {
		return cb
	}
	s := r.settings
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: session,
		// MaxRequests doubles as the half-open success threshold:
		// gobreaker closes after that many consecutive successes.
		MaxRequests: s.SuccessThreshold,
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: s.OnStateChange,
	})
	r.m[session] = cb
	return cb
}

// IsOpen reports whether err is the breaker rejecting without calling
// through. Rejections do not feed the breaker's own failure counter.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

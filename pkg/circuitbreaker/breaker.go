// Package circuitbreaker stops sending to push service hosts that keep
// failing.
//
// A breaker opens after Threshold consecutive failures. Once Cooldown has
// passed it lets a single probe through (half-open); the probe's result
// closes or reopens it.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // requests allowed
	Open                  // requests blocked
	HalfOpen              // one probe in flight
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

// Config holds breaker settings.
type Config struct {
	Threshold int           // consecutive failures before opening (default: 5)
	Cooldown  time.Duration // open duration before a probe (default: 30s)

	// OnStateChange is called outside the breaker lock after every
	// transition. May be nil.
	OnStateChange func(key string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker guards a single host.
type Breaker struct {
	key string
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a closed breaker for key.
func New(key string, cfg Config) *Breaker {
	return &Breaker{key: key, cfg: cfg.withDefaults(), now: time.Now}
}

// Allow reports whether a request may be attempted. While half-open only
// the caller that moved the breaker out of open is allowed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return false
		}
		b.transition(HalfOpen)
		return true
	case HalfOpen:
		b.mu.Unlock()
		return false
	default:
		b.mu.Unlock()
		return true
	}
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	if b.state == Closed {
		b.mu.Unlock()
		return
	}
	b.transition(Closed)
}

// RecordFailure counts a failure, opening the breaker at the threshold or
// when a half-open probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	if b.state == HalfOpen || (b.state == Closed && b.failures >= b.cfg.Threshold) {
		b.openedAt = b.now()
		b.transition(Open)
		return
	}
	b.mu.Unlock()
}

// Abandon gives up a half-open probe that never reached the host, letting
// the next caller probe instead.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	if b.state != HalfOpen {
		b.mu.Unlock()
		return
	}
	b.transition(Open)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with mu held; it releases it.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.mu.Unlock()
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(b.key, from, to)
	}
}

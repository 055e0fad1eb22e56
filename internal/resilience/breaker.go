// Package resilience provides a three-state circuit breaker
// (closed → open → half-open) used to shield calls against flapping
// tenant tool endpoints: once an endpoint trips its breaker, function
// calls fail fast instead of burning the model's tool timeout on every
// retry.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("resilience: breaker open")

// State is the breaker's operating mode.
type State int

const (
	// Closed forwards all calls.
	Closed State = iota

	// Open rejects all calls until the cooldown elapses.
	Open

	// HalfOpen lets a limited number of probe calls through to decide
	// whether the endpoint has recovered.
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

// Config tunes a Breaker. Zero values get defaults suited to per-call tool
// endpoints: trip after 3 consecutive failures, cool down for 30 seconds,
// close again after 2 successful probes.
type Config struct {
	Name        string
	MaxFailures int
	Cooldown    time.Duration
	ProbeMax    int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probeMax    int

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewBreaker creates a Breaker from cfg, applying defaults for zero fields.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeMax <= 0 {
		cfg.ProbeMax = 2
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		probeMax:    cfg.ProbeMax,
	}
}

// Allow reports whether a call may proceed, advancing open → half-open when
// the cooldown has elapsed. Every allowed call must be followed by exactly
// one RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.probes = 0
		b.probeFails = 0
		slog.Info("breaker half-open", "name", b.name)
	case HalfOpen:
		if b.probes >= b.probeMax {
			return false
		}
	}

	if b.state == HalfOpen {
		b.probes++
	}
	return true
}

// RecordSuccess notes a successful call, closing the breaker when enough
// half-open probes have passed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		if b.probes-b.probeFails >= b.probeMax {
			b.state = Closed
			b.failures = 0
			slog.Info("breaker closed", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// RecordFailure notes a failed call. Any failure in half-open re-opens
// immediately; in closed the breaker trips after MaxFailures consecutive
// failures.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	if b.state == HalfOpen {
		b.probeFails++
		b.state = Open
		b.failures = b.maxFailures
		slog.Warn("breaker re-opened", "name", b.name)
		return
	}

	b.failures++
	if b.state == Closed && b.failures >= b.maxFailures {
		b.state = Open
		slog.Warn("breaker opened", "name", b.name, "consecutive_failures", b.failures)
	}
}

// Execute runs fn when the breaker allows it, recording the outcome. Rejected
// calls return ErrOpen without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// State returns the current state. An elapsed cooldown reports HalfOpen even
// though the transition itself happens on the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFailure) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

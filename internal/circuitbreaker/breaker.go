// Package circuitbreaker guards outbound calls to webhook endpoints.
//
// # Closed ──(error rate ≥ threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//
// A half-open breaker lets HalfOpenProbes calls through; all must succeed to
// close it again and any failure reopens it. The error rate is computed over
// a sliding window and only once MinRequests outcomes are in the window.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute when the breaker rejects the call.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration.
type Config struct {
	ErrorPct       float64       // error percentage that trips the breaker (0-100)
	MinRequests    int           // outcomes required in the window before tripping
	WindowDuration time.Duration // sliding window for the error rate
	OpenDuration   time.Duration // time spent open before probing
	HalfOpenProbes int           // probe calls allowed while half-open
}

// DefaultConfig opens the breaker for thirty seconds once half of at least
// five calls in the last minute failed.
func DefaultConfig() Config {
	return Config{
		ErrorPct:       50,
		MinRequests:    5,
		WindowDuration: time.Minute,
		OpenDuration:   30 * time.Second,
		HalfOpenProbes: 1,
	}
}

// Breaker is a single endpoint's circuit breaker.
type Breaker struct {
	mu             sync.Mutex
	cfg            Config
	state          State
	window         []outcome
	failed         int
	openedAt       time.Time
	halfOpenProbes int
	halfOpenOK     int
	now            func() time.Time
}

// New creates a new circuit breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. A caller that is allowed must
// report the outcome with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()
	switch b.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.observe(now, true)
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.state = StateClosed
			b.window = b.window[:0]
			b.failed = 0
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.observe(now, false)
		if b.tripped() {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
	}
}

// Execute runs fn when the breaker allows it and records the outcome.
// Context cancellation is not counted as an endpoint failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case ctx.Err() != nil:
		// caller gave up; release the probe slot without judging the endpoint
		b.mu.Lock()
		if b.state == StateHalfOpen && b.halfOpenProbes > 0 {
			b.halfOpenProbes--
		}
		b.mu.Unlock()
	default:
		b.RecordFailure()
	}
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// advanceLocked moves an open breaker to half-open once OpenDuration passed.
func (b *Breaker) advanceLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.halfOpenProbes = 0
		b.halfOpenOK = 0
	}
}

// outcome is one call result inside the sliding window.
type outcome struct {
	at time.Time
	ok bool
}

const maxWindowEntries = 10000

// observe appends a result and drops results older than the window.
func (b *Breaker) observe(now time.Time, ok bool) {
	b.window = append(b.window, outcome{at: now, ok: ok})
	if !ok {
		b.failed++
	}

	cutoff := now.Add(-b.cfg.WindowDuration)
	drop := 0
	for drop < len(b.window) && (b.window[drop].at.Before(cutoff) || len(b.window)-drop > maxWindowEntries) {
		if !b.window[drop].ok {
			b.failed--
		}
		drop++
	}
	if drop > 0 {
		b.window = append(b.window[:0], b.window[drop:]...)
	}
}

func (b *Breaker) tripped() bool {
	total := len(b.window)
	if total == 0 || total < b.cfg.MinRequests {
		return false
	}
	return float64(b.failed)*100/float64(total) >= b.cfg.ErrorPct
}

// Registry holds one breaker per endpoint, all sharing a configuration.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for an endpoint, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = New(r.cfg)
	r.breakers[key] = b
	return b
}

// Remove deletes the breaker for an endpoint.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.breakers, key)
	r.mu.Unlock()
}

// Snapshot returns each endpoint's breaker state.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.State().String()
	}
	return out
}

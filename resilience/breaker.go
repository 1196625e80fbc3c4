// Copyright 2025 Lynkr
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resilience provides the circuit breaker and retry engine
// that wrap every upstream dispatcher call. The breaker fails fast
// when an upstream is unhealthy; the retry engine absorbs transient
// faults with jittered exponential backoff.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Execute without invoking the
// operation when the breaker is open. Callers fall back on it.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the circuit breaker state machine position.
type BreakerState int32

const (
	// StateClosed allows requests through.
	StateClosed BreakerState = iota
	// StateOpen blocks requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a bounded number of probe requests.
	StateHalfOpen
)

// String returns the canonical upper-case state name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// statusCoder is implemented by upstream errors that carry an HTTP
// status.
type statusCoder interface {
	StatusCode() int
}

// IsBreakerFailure classifies an operation outcome for breaker
// accounting. A 4xx other than 408/429 means the upstream was
// reachable and answered deterministically, so it counts as success.
// 408, 429, 5xx, and transport errors count as failures. Caller
// cancellation is never charged to the upstream.
func IsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		if code >= 400 && code < 500 && code != 408 && code != 429 {
			return false
		}
	}
	return true
}

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of failures inside Window that
	// trips the breaker.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// Window is the rolling interval failures are counted over.
	Window time.Duration

	// HalfOpenMaxProbes caps concurrent probe requests in half-open.
	HalfOpenMaxProbes int

	// Classify decides whether an operation error counts as a
	// failure. Defaults to IsBreakerFailure.
	Classify func(error) bool
}

// DefaultBreakerConfig returns the standard breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		Cooldown:          60 * time.Second,
		Window:            120 * time.Second,
		HalfOpenMaxProbes: 1,
		Classify:          IsBreakerFailure,
	}
}

// Breaker is a per-provider circuit breaker. All methods are safe for
// concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    []time.Time
	lastFailure time.Time
	nextProbe   time.Time
	probes      int

	now func() time.Time
}

// NewBreaker creates a breaker for the named provider. Zero config
// fields take their defaults.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	if cfg.Classify == nil {
		cfg.Classify = IsBreakerFailure
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Execute runs op under breaker protection. When the breaker is open
// it returns ErrBreakerOpen immediately without invoking op.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

// Do runs op under breaker protection and returns its result. It is
// the typed counterpart of Execute.
func Do[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	result, err := op(ctx)
	b.record(err)
	if err != nil {
		return zero, err
	}
	return result, nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Before(b.nextProbe) {
			return fmt.Errorf("%s: %w", b.name, ErrBreakerOpen)
		}
		b.state = StateHalfOpen
		b.probes = 1
		return nil
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMaxProbes {
			return fmt.Errorf("%s: %w", b.name, ErrBreakerOpen)
		}
		b.probes++
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	failed := b.cfg.Classify(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateHalfOpen {
		b.probes--
		if b.probes < 0 {
			b.probes = 0
		}
	}

	if !failed {
		// A cancelled probe says nothing about the upstream; stay
		// half-open and let the next probe decide.
		if b.state == StateHalfOpen && !errors.Is(err, context.Canceled) {
			b.state = StateClosed
			b.failures = nil
			b.probes = 0
		}
		return
	}

	b.lastFailure = now
	if b.state == StateHalfOpen {
		b.trip(now)
		return
	}

	b.failures = append(b.failures, now)
	b.prune(now)
	if len(b.failures) >= b.cfg.FailureThreshold {
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.nextProbe = now.Add(b.cfg.Cooldown)
	b.failures = nil
	b.probes = 0
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = b.failures[i:]
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker to CLOSED and zeroes all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = nil
	b.probes = 0
	b.lastFailure = time.Time{}
	b.nextProbe = time.Time{}
}

// BreakerSnapshot is a point-in-time view for observability.
type BreakerSnapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	NextProbe    time.Time `json:"next_probe,omitempty"`
}

// Snapshot returns the breaker's current observable state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: len(b.failures),
		LastFailure:  b.lastFailure,
		NextProbe:    b.nextProbe,
	}
}

// BreakerRegistry holds one breaker per provider.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates a registry whose breakers share cfg.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named provider, creating it on
// first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Snapshots returns the current state of every registered breaker.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// ResetAll forces every registered breaker to CLOSED.
func (r *BreakerRegistry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

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

package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstreamError struct {
	status int
}

func (e *upstreamError) Error() string   { return fmt.Sprintf("upstream status %d", e.status) }
func (e *upstreamError) StatusCode() int { return e.status }

var errTransport = errors.New("connection reset")

func failingOp(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *time.Time) {
	b := NewBreaker("test", cfg)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, b.State())
		err := b.Execute(ctx, failingOp(errTransport))
		assert.Equal(t, errTransport, err)
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerFailsFastWhenOpen(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp(errTransport)))
	require.Equal(t, StateOpen, b.State())

	invoked := false
	err := b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, invoked)
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp(errTransport)))
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(61 * time.Second)
	err := b.Execute(ctx, failingOp(nil))
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp(errTransport)))
	*now = now.Add(61 * time.Second)
	require.Error(t, b.Execute(ctx, failingOp(errTransport)))
	assert.Equal(t, StateOpen, b.State())

	// The reopened breaker fails fast again until the next cooldown.
	assert.ErrorIs(t, b.Execute(ctx, failingOp(nil)), ErrBreakerOpen)
}

func TestBreakerHalfOpenProbeCancellationStaysHalfOpen(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp(errTransport)))
	*now = now.Add(61 * time.Second)

	require.Error(t, b.Execute(ctx, failingOp(context.Canceled)))
	assert.Equal(t, StateHalfOpen, b.State())

	// The next probe still decides the outcome.
	assert.NoError(t, b.Execute(ctx, failingOp(nil)))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeCap(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMaxProbes: 1})

	require.Error(t, b.Execute(context.Background(), failingOp(errTransport)))
	*now = now.Add(61 * time.Second)

	// First allow transitions to half-open and claims the probe slot.
	require.NoError(t, b.allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Second concurrent probe is rejected.
	assert.ErrorIs(t, b.allow(), ErrBreakerOpen)
}

func TestBreakerRollingWindowExpiresFailures(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 3, Window: 2 * time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp(errTransport)))
	require.Error(t, b.Execute(ctx, failingOp(errTransport)))

	// Old failures fall out of the window before the third arrives.
	*now = now.Add(3 * time.Minute)
	require.Error(t, b.Execute(ctx, failingOp(errTransport)))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker4xxCountsAsSuccess(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.Error(t, b.Execute(ctx, failingOp(&upstreamError{status: 400})))
	}
	assert.Equal(t, StateClosed, b.State())

	require.Error(t, b.Execute(ctx, failingOp(&upstreamError{status: 429})))
	require.Error(t, b.Execute(ctx, failingOp(&upstreamError{status: 503})))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1})

	require.Error(t, b.Execute(context.Background(), failingOp(context.Canceled)))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerManualReset(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1})

	require.Error(t, b.Execute(context.Background(), failingOp(errTransport)))
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(context.Background(), failingOp(nil)))
}

func TestBreakerDoReturnsResult(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1})

	got, err := Do(context.Background(), b, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestBreakerRegistry(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1})

	a := r.Get("anthropic")
	assert.Same(t, a, r.Get("anthropic"))
	assert.NotSame(t, a, r.Get("openai"))

	require.Error(t, a.Execute(context.Background(), failingOp(errTransport)))
	snaps := r.Snapshots()
	require.Len(t, snaps, 2)

	states := map[string]string{}
	for _, s := range snaps {
		states[s.Name] = s.State
	}
	assert.Equal(t, "OPEN", states["anthropic"])
	assert.Equal(t, "CLOSED", states["openai"])

	r.ResetAll()
	assert.Equal(t, StateClosed, a.State())
}

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

package limits

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRateLimiter(cfg RateConfig) (*MemoryRateLimiter, *time.Time) {
	l := NewMemoryRateLimiter(cfg)
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestMemoryRateLimiterMinuteWindow(t *testing.T) {
	l, _ := newTestRateLimiter(RateConfig{PerMinute: 60, PerHour: 1000})
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		d := l.Check(ctx, "user-1")
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
	}

	d := l.Check(ctx, "user-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMinute, d.Reason)
	assert.Equal(t, 60, d.Limit)
	assert.Equal(t, 60, d.Current)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestMemoryRateLimiterWindowAdvancesLazily(t *testing.T) {
	l, now := newTestRateLimiter(RateConfig{PerMinute: 2, PerHour: 1000})
	ctx := context.Background()

	require.True(t, l.Check(ctx, "user-1").Allowed)
	require.True(t, l.Check(ctx, "user-1").Allowed)
	require.False(t, l.Check(ctx, "user-1").Allowed)

	*now = now.Add(61 * time.Second)
	assert.True(t, l.Check(ctx, "user-1").Allowed)
}

func TestMemoryRateLimiterHourWindow(t *testing.T) {
	l, now := newTestRateLimiter(RateConfig{PerMinute: 10, PerHour: 15})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.True(t, l.Check(ctx, "user-1").Allowed)
	}
	*now = now.Add(61 * time.Second)
	for i := 0; i < 5; i++ {
		require.True(t, l.Check(ctx, "user-1").Allowed)
	}

	d := l.Check(ctx, "user-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonHour, d.Reason)
}

func TestMemoryRateLimiterIsolatesUsers(t *testing.T) {
	l, _ := newTestRateLimiter(RateConfig{PerMinute: 1, PerHour: 1000})
	ctx := context.Background()

	require.True(t, l.Check(ctx, "user-1").Allowed)
	require.False(t, l.Check(ctx, "user-1").Allowed)
	assert.True(t, l.Check(ctx, "user-2").Allowed)
}

func TestMemoryRateLimiterDeniedRequestsDoNotCount(t *testing.T) {
	l, now := newTestRateLimiter(RateConfig{PerMinute: 1, PerHour: 2})
	ctx := context.Background()

	require.True(t, l.Check(ctx, "user-1").Allowed)
	for i := 0; i < 10; i++ {
		require.False(t, l.Check(ctx, "user-1").Allowed)
	}

	// Only the admitted request counted toward the hour window.
	*now = now.Add(61 * time.Second)
	assert.True(t, l.Check(ctx, "user-1").Allowed)
}

func TestMemoryRateLimiterSweep(t *testing.T) {
	l, now := newTestRateLimiter(RateConfig{PerMinute: 10, PerHour: 10})
	ctx := context.Background()

	l.Check(ctx, "user-1")
	l.Check(ctx, "user-2")
	assert.Equal(t, 0, l.Sweep())

	*now = now.Add(3 * time.Hour)
	assert.Equal(t, 2, l.Sweep())
}

func newMiniredisLimiter(t *testing.T, cfg RateConfig) *RedisRateLimiter {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRateLimiterFromClient(client, cfg)
}

func TestRedisRateLimiterMinuteWindow(t *testing.T) {
	l := newMiniredisLimiter(t, RateConfig{PerMinute: 5, PerHour: 1000})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := l.Check(ctx, "user-1")
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
	}

	d := l.Check(ctx, "user-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMinute, d.Reason)
	assert.Equal(t, 5, d.Limit)
}

func TestRedisRateLimiterIsolatesUsers(t *testing.T) {
	l := newMiniredisLimiter(t, RateConfig{PerMinute: 1, PerHour: 1000})
	ctx := context.Background()

	require.True(t, l.Check(ctx, "user-1").Allowed)
	require.False(t, l.Check(ctx, "user-1").Allowed)
	assert.True(t, l.Check(ctx, "user-2").Allowed)
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedisRateLimiterFromClient(client, RateConfig{PerMinute: 1, PerHour: 1})

	srv.Close()
	d := l.Check(context.Background(), "user-1")
	assert.True(t, d.Allowed)
}

func TestRedisRateLimiterFlush(t *testing.T) {
	l := newMiniredisLimiter(t, RateConfig{PerMinute: 1, PerHour: 1000})
	ctx := context.Background()

	require.True(t, l.Check(ctx, "user-1").Allowed)
	require.False(t, l.Check(ctx, "user-1").Allowed)

	require.NoError(t, l.Flush(ctx, "user-1"))
	assert.True(t, l.Check(ctx, "user-1").Allowed)
}

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

// Package limits implements admission control: per-user rate limits,
// monthly budgets, and process-wide load shedding. Every check runs
// before any upstream call is made.
package limits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"lynkr/gateway/shared/logger"
)

var limitsLog = logger.New("limits")

// Rate limit denial reasons.
const (
	ReasonMinute = "rate_limit_minute"
	ReasonHour   = "rate_limit_hour"
)

// RateConfig holds per-user request ceilings.
type RateConfig struct {
	PerMinute int
	PerHour   int
}

// DefaultRateConfig returns the standard per-user limits.
func DefaultRateConfig() RateConfig {
	return RateConfig{PerMinute: 60, PerHour: 1000}
}

// RateDecision is the outcome of one admission check.
type RateDecision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	Current    int           `json:"current,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

// RateLimiter admits or rejects a request for a user.
type RateLimiter interface {
	Check(ctx context.Context, userID string) RateDecision
}

// rateWindow is one user's lazily advanced counters.
type rateWindow struct {
	minuteStart time.Time
	minuteCount int
	hourStart   time.Time
	hourCount   int
}

// MemoryRateLimiter keeps per-user minute and hour windows in memory.
// Windows advance lazily on access; counters increment only when the
// request is admitted.
type MemoryRateLimiter struct {
	cfg RateConfig

	mu    sync.Mutex
	users map[string]*rateWindow

	now func() time.Time
}

// NewMemoryRateLimiter creates an in-memory rate limiter.
func NewMemoryRateLimiter(cfg RateConfig) *MemoryRateLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultRateConfig().PerMinute
	}
	if cfg.PerHour <= 0 {
		cfg.PerHour = DefaultRateConfig().PerHour
	}
	return &MemoryRateLimiter{
		cfg:   cfg,
		users: make(map[string]*rateWindow),
		now:   time.Now,
	}
}

// Check admits or rejects one request for userID.
func (l *MemoryRateLimiter) Check(_ context.Context, userID string) RateDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.users[userID]
	if !ok {
		w = &rateWindow{minuteStart: now, hourStart: now}
		l.users[userID] = w
	}

	if now.Sub(w.minuteStart) >= time.Minute {
		w.minuteStart = now
		w.minuteCount = 0
	}
	if now.Sub(w.hourStart) >= time.Hour {
		w.hourStart = now
		w.hourCount = 0
	}

	if w.minuteCount >= l.cfg.PerMinute {
		return RateDecision{
			Reason:     ReasonMinute,
			Limit:      l.cfg.PerMinute,
			Current:    w.minuteCount,
			RetryAfter: w.minuteStart.Add(time.Minute).Sub(now),
		}
	}
	if w.hourCount >= l.cfg.PerHour {
		return RateDecision{
			Reason:     ReasonHour,
			Limit:      l.cfg.PerHour,
			Current:    w.hourCount,
			RetryAfter: w.hourStart.Add(time.Hour).Sub(now),
		}
	}

	w.minuteCount++
	w.hourCount++
	return RateDecision{Allowed: true}
}

// Sweep drops windows idle for longer than an hour. Intended to run
// from a background ticker.
func (l *MemoryRateLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for userID, w := range l.users {
		if now.Sub(w.hourStart) >= 2*time.Hour {
			delete(l.users, userID)
			removed++
		}
	}
	return removed
}

// RedisRateLimiter enforces the same limits across replicas using a
// sliding-window sorted set per user and window. Redis errors fail
// open so the gateway keeps serving when Redis is down.
type RedisRateLimiter struct {
	cfg    RateConfig
	client *redis.Client
}

// NewRedisRateLimiter creates a Redis-backed rate limiter from a
// redis:// URL.
func NewRedisRateLimiter(redisURL string, cfg RateConfig) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultRateConfig().PerMinute
	}
	if cfg.PerHour <= 0 {
		cfg.PerHour = DefaultRateConfig().PerHour
	}
	return &RedisRateLimiter{cfg: cfg, client: client}, nil
}

// NewRedisRateLimiterFromClient wraps an existing client. Used by
// tests and by callers that manage the connection pool themselves.
func NewRedisRateLimiterFromClient(client *redis.Client, cfg RateConfig) *RedisRateLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultRateConfig().PerMinute
	}
	if cfg.PerHour <= 0 {
		cfg.PerHour = DefaultRateConfig().PerHour
	}
	return &RedisRateLimiter{cfg: cfg, client: client}
}

// Check admits or rejects one request for userID.
func (l *RedisRateLimiter) Check(ctx context.Context, userID string) RateDecision {
	minuteCount, ok := l.windowCount(ctx, "ratelimit:min:"+userID, time.Minute)
	if !ok {
		return RateDecision{Allowed: true}
	}
	if minuteCount > l.cfg.PerMinute {
		return RateDecision{
			Reason:     ReasonMinute,
			Limit:      l.cfg.PerMinute,
			Current:    minuteCount,
			RetryAfter: time.Minute,
		}
	}

	hourCount, ok := l.windowCount(ctx, "ratelimit:hour:"+userID, time.Hour)
	if !ok {
		return RateDecision{Allowed: true}
	}
	if hourCount > l.cfg.PerHour {
		return RateDecision{
			Reason:     ReasonHour,
			Limit:      l.cfg.PerHour,
			Current:    hourCount,
			RetryAfter: time.Hour,
		}
	}

	return RateDecision{Allowed: true}
}

// windowCount records the current request in the window's sorted set
// and returns the resulting count. ok is false on Redis failure.
func (l *RedisRateLimiter) windowCount(ctx context.Context, key string, window time.Duration) (int, bool) {
	now := time.Now()

	pipe := l.client.Pipeline()
	minScore := now.Add(-window).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	card := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*window)

	if _, err := pipe.Exec(ctx); err != nil {
		limitsLog.Warn("", "", "redis rate limit check failed, failing open", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return 0, false
	}

	// ZCARD ran before ZADD, so the current request is +1.
	return int(card.Val()) + 1, true
}

// Flush removes all rate limit state for a user. Admin operation.
func (l *RedisRateLimiter) Flush(ctx context.Context, userID string) error {
	return l.client.Del(ctx, "ratelimit:min:"+userID, "ratelimit:hour:"+userID).Err()
}

// Close releases the Redis connection pool.
func (l *RedisRateLimiter) Close() error {
	return l.client.Close()
}

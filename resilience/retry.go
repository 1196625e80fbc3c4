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
	"math/rand"
	"net"
	"syscall"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the
	// first try.
	MaxRetries int

	// InitialDelay is the wait time before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the maximum wait time between retries.
	MaxDelay time.Duration

	// Jitter is the uniform jitter fraction applied to each delay
	// (0.0-1.0).
	Jitter float64

	// RetryIf determines if an error should be retried. Defaults to
	// IsRetryable.
	RetryIf func(err error) bool
}

// DefaultRetryConfig returns the standard retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Jitter:       0.2,
		RetryIf:      IsRetryable,
	}
}

// retryableStatuses are the HTTP statuses worth a second attempt.
var retryableStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// retryAfterHinter is implemented by upstream errors that carry a
// Retry-After hint.
type retryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// IsRetryable reports whether an error is worth retrying. Retryable:
// 408/429/5xx statuses, timeouts, connection resets and refusals, DNS
// failures. Caller cancellation is always fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code > 0 {
			return retryableStatuses[code]
		}
		// Status zero means the upstream was never reached or never
		// produced a usable response; another attempt may succeed.
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// WithRetry executes fn with exponential backoff retry. Delay for
// attempt k is min(maxDelay, initial*2^k) scaled by uniform jitter;
// an upstream Retry-After hint overrides a shorter computed delay.
// Context cancellation aborts immediately.
func WithRetry[T any](ctx context.Context, config RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	retryIf := config.RetryIf
	if retryIf == nil {
		retryIf = IsRetryable
	}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryIf(err) {
			return zero, err
		}
		if attempt >= config.MaxRetries {
			break
		}

		delay := backoffDelay(config, attempt)
		var hinter retryAfterHinter
		if errors.As(err, &hinter) {
			if hint := hinter.RetryAfterHint(); hint > delay {
				delay = hint
			}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, lastErr
}

func backoffDelay(config RetryConfig, attempt int) time.Duration {
	delay := config.InitialDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= config.MaxDelay {
			delay = config.MaxDelay
			break
		}
	}
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.Jitter > 0 {
		spread := float64(delay) * config.Jitter
		delay = time.Duration(float64(delay) + (rand.Float64()*2*spread - spread))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

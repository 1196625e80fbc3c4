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

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lynkr/gateway/resilience"
)

func newTestTracker() (*Tracker, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t := NewTracker(nil)
	t.now = func() time.Time { return now }
	return t, &now
}

func TestReportHealthyProvider(t *testing.T) {
	tr, _ := newTestTracker()

	for i := 0; i < 20; i++ {
		tr.Observe("anthropic", 100*time.Millisecond, nil)
	}

	r := tr.Report("anthropic")
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, 20, r.Samples)
	assert.Equal(t, 1.0, r.SuccessRate)
	assert.InDelta(t, 100, r.P50Ms, 1)
	assert.InDelta(t, 100, r.MeanMs, 1)
	assert.True(t, tr.Healthy("anthropic"))
}

func TestReportDegradedOnSuccessRate(t *testing.T) {
	tr, _ := newTestTracker()

	for i := 0; i < 8; i++ {
		tr.Observe("openrouter", 50*time.Millisecond, nil)
	}
	for i := 0; i < 2; i++ {
		tr.Observe("openrouter", 50*time.Millisecond, errors.New("boom"))
	}

	r := tr.Report("openrouter")
	assert.Equal(t, StatusDegraded, r.Status)
	assert.InDelta(t, 0.8, r.SuccessRate, 0.001)
	assert.True(t, tr.Healthy("openrouter"))
}

func TestReportDegradedOnLatency(t *testing.T) {
	tr, _ := newTestTracker()

	for i := 0; i < 20; i++ {
		tr.Observe("slow", 6*time.Second, nil)
	}

	r := tr.Report("slow")
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Greater(t, r.P95Ms, 5000.0)
}

func TestReportUnhealthyOnFailures(t *testing.T) {
	tr, _ := newTestTracker()

	for i := 0; i < 10; i++ {
		tr.Observe("flaky", 50*time.Millisecond, errors.New("boom"))
	}

	r := tr.Report("flaky")
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.False(t, tr.Healthy("flaky"))
}

func TestWindowExpiry(t *testing.T) {
	tr, now := newTestTracker()

	for i := 0; i < 10; i++ {
		tr.Observe("p", 50*time.Millisecond, errors.New("boom"))
	}
	require.Equal(t, StatusUnhealthy, tr.Report("p").Status)

	*now = now.Add(Window + time.Second)
	r := tr.Report("p")
	assert.Equal(t, 0, r.Samples)
	assert.Equal(t, StatusHealthy, r.Status)
}

func TestUnknownProviderPresumedHealthy(t *testing.T) {
	tr, _ := newTestTracker()
	assert.True(t, tr.Healthy("never-seen"))
	assert.Equal(t, 1.0, tr.Report("never-seen").SuccessRate)
}

func TestInFlightTracking(t *testing.T) {
	tr, _ := newTestTracker()

	done1 := tr.Begin("p")
	done2 := tr.Begin("p")
	assert.Equal(t, int64(2), tr.Report("p").InFlight)

	done1()
	done1() // idempotent
	assert.Equal(t, int64(1), tr.Report("p").InFlight)
	done2()
	assert.Equal(t, int64(0), tr.Report("p").InFlight)
}

func TestPercentiles(t *testing.T) {
	tr, _ := newTestTracker()

	for i := 1; i <= 100; i++ {
		tr.Observe("p", time.Duration(i)*time.Millisecond, nil)
	}

	r := tr.Report("p")
	assert.InDelta(t, 50, r.P50Ms, 1)
	assert.InDelta(t, 95, r.P95Ms, 1)
	assert.InDelta(t, 99, r.P99Ms, 1)
}

func TestBreakerOpenForcesUnhealthy(t *testing.T) {
	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{FailureThreshold: 1})
	tr := NewTracker(breakers)

	require.Error(t, breakers.Get("anthropic").Execute(context.Background(),
		func(context.Context) error { return errors.New("boom") }))

	tr.Observe("anthropic", 50*time.Millisecond, nil)
	r := tr.Report("anthropic")
	assert.Equal(t, "OPEN", r.BreakerState)
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.False(t, tr.Healthy("anthropic"))
}

func TestReportsSorted(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Observe("zeta", time.Millisecond, nil)
	tr.Observe("alpha", time.Millisecond, nil)

	reports := tr.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, "alpha", reports[0].Provider)
	assert.Equal(t, "zeta", reports[1].Provider)
}

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

// Package health tracks per-provider latency and success over a
// sliding window and classifies each provider for routing and the
// health endpoints.
package health

import (
	"sort"
	"sync"
	"time"

	"lynkr/gateway/resilience"
)

// Status classifies one provider.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Window is the sample retention period.
const Window = 5 * time.Minute

// Degraded/unhealthy classification cutoffs.
const (
	unhealthySuccessRate = 0.5
	degradedSuccessRate  = 0.9
	degradedP95          = 5 * time.Second
)

type sample struct {
	at      time.Time
	latency time.Duration
	success bool
}

// Report is one provider's derived view.
type Report struct {
	Provider    string  `json:"provider"`
	Status      Status  `json:"status"`
	Samples     int     `json:"samples"`
	SuccessRate float64 `json:"success_rate"`
	InFlight    int64   `json:"in_flight"`

	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`

	BreakerState string `json:"breaker_state,omitempty"`
}

type providerTrack struct {
	samples  []sample
	inFlight int64
}

// Tracker is the process-wide health registry. It also satisfies the
// router's health view.
type Tracker struct {
	mu        sync.Mutex
	providers map[string]*providerTrack
	breakers  *resilience.BreakerRegistry
	now       func() time.Time
}

// NewTracker creates a tracker. breakers may be nil when breaker state
// should not influence classification.
func NewTracker(breakers *resilience.BreakerRegistry) *Tracker {
	return &Tracker{
		providers: make(map[string]*providerTrack),
		breakers:  breakers,
		now:       time.Now,
	}
}

// Observe records one completed upstream call.
func (t *Tracker) Observe(provider string, latency time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	track := t.track(provider)
	track.samples = append(track.samples, sample{
		at:      t.now(),
		latency: latency,
		success: err == nil,
	})
	t.prune(track)
}

// Begin increments the provider's in-flight count; the returned
// function decrements it.
func (t *Tracker) Begin(provider string) func() {
	t.mu.Lock()
	t.track(provider).inFlight++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.track(provider).inFlight--
			t.mu.Unlock()
		})
	}
}

// Healthy reports whether the provider is usable for routing. Unknown
// providers are presumed healthy.
func (t *Tracker) Healthy(provider string) bool {
	return t.Report(provider).Status != StatusUnhealthy
}

// Report derives the provider's current classification.
func (t *Tracker) Report(provider string) Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	track := t.track(provider)
	t.prune(track)

	report := Report{
		Provider: provider,
		Status:   StatusHealthy,
		Samples:  len(track.samples),
		InFlight: track.inFlight,
	}

	breakerOpen := false
	if t.breakers != nil {
		snap := t.breakers.Get(provider).Snapshot()
		report.BreakerState = snap.State
		breakerOpen = snap.State == resilience.StateOpen.String()
	}

	if len(track.samples) > 0 {
		latencies := make([]float64, 0, len(track.samples))
		var sum float64
		successes := 0
		for _, s := range track.samples {
			ms := float64(s.latency.Microseconds()) / 1000
			latencies = append(latencies, ms)
			sum += ms
			if s.success {
				successes++
			}
		}
		sort.Float64s(latencies)

		report.SuccessRate = float64(successes) / float64(len(track.samples))
		report.MeanMs = sum / float64(len(latencies))
		report.P50Ms = percentile(latencies, 0.50)
		report.P95Ms = percentile(latencies, 0.95)
		report.P99Ms = percentile(latencies, 0.99)

		switch {
		case report.SuccessRate < unhealthySuccessRate:
			report.Status = StatusUnhealthy
		case report.SuccessRate < degradedSuccessRate,
			report.P95Ms > float64(degradedP95.Milliseconds()):
			report.Status = StatusDegraded
		}
	} else {
		report.SuccessRate = 1
	}

	if breakerOpen {
		report.Status = StatusUnhealthy
	}
	return report
}

// Reports returns every tracked provider, sorted by name.
func (t *Tracker) Reports() []Report {
	t.mu.Lock()
	names := make([]string, 0, len(t.providers))
	for name := range t.providers {
		names = append(names, name)
	}
	t.mu.Unlock()
	sort.Strings(names)

	reports := make([]Report, 0, len(names))
	for _, name := range names {
		reports = append(reports, t.Report(name))
	}
	return reports
}

func (t *Tracker) track(provider string) *providerTrack {
	track, ok := t.providers[provider]
	if !ok {
		track = &providerTrack{}
		t.providers[provider] = track
	}
	return track
}

func (t *Tracker) prune(track *providerTrack) {
	cutoff := t.now().Add(-Window)
	kept := track.samples[:0]
	for _, s := range track.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	track.samples = kept
}

// percentile reads the nearest-rank percentile from sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

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

package gateway

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lynkr_requests_total",
			Help: "Total number of requests processed by the gateway",
		},
		[]string{"endpoint", "status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lynkr_request_duration_milliseconds",
			Help:    "Request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"endpoint"},
	)
	promUpstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lynkr_upstream_calls_total",
			Help: "Total number of upstream provider calls",
		},
		[]string{"provider", "status"},
	)
	promFallbackSuccesses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lynkr_fallback_successes_total",
			Help: "Total number of successful fallback invocations",
		},
	)
	promFallbackFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lynkr_fallback_failures_total",
			Help: "Total number of failed fallback invocations",
		},
	)
	promTurnTerminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lynkr_turn_terminations_total",
			Help: "Orchestrated turn outcomes by termination reason",
		},
		[]string{"reason"},
	)
	promRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lynkr_rate_limited_total",
			Help: "Total number of rate-limited requests",
		},
	)
	promShedded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lynkr_shedded_total",
			Help: "Total number of load-shed requests",
		},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promUpstreamCalls)
	prometheus.MustRegister(promFallbackSuccesses)
	prometheus.MustRegister(promFallbackFailures)
	prometheus.MustRegister(promTurnTerminations)
	prometheus.MustRegister(promRateLimited)
	prometheus.MustRegister(promShedded)
}

// Metrics keeps an in-process snapshot for the JSON /metrics endpoint
// alongside the Prometheus registry.
type Metrics struct {
	mu sync.Mutex

	startTime         time.Time
	requests          int64
	errors            int64
	rateLimited       int64
	shedded           int64
	fallbackSuccesses int64
	fallbackFailures  int64
	terminations      map[string]int64
	latencies         []float64
}

// NewMetrics creates the JSON metrics snapshot store.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:    time.Now(),
		terminations: make(map[string]int64),
		latencies:    make([]float64, 0, 1000),
	}
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(endpoint string, status int, duration time.Duration) {
	statusClass := statusClassOf(status)
	promRequestsTotal.WithLabelValues(endpoint, statusClass).Inc()
	promRequestDuration.WithLabelValues(endpoint).Observe(float64(duration.Milliseconds()))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if status >= 400 {
		m.errors++
	}
	if len(m.latencies) < cap(m.latencies) {
		m.latencies = append(m.latencies, float64(duration.Milliseconds()))
	}
}

// ObserveUpstream records one upstream call outcome.
func (m *Metrics) ObserveUpstream(provider string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	promUpstreamCalls.WithLabelValues(provider, status).Inc()
}

// ObserveFallback records a fallback invocation.
func (m *Metrics) ObserveFallback(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.fallbackSuccesses++
		promFallbackSuccesses.Inc()
	} else {
		m.fallbackFailures++
		promFallbackFailures.Inc()
	}
}

// ObserveTermination records an orchestrated turn outcome.
func (m *Metrics) ObserveTermination(reason string) {
	promTurnTerminations.WithLabelValues(reason).Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminations[reason]++
}

// ObserveRateLimited records a 429 admission denial.
func (m *Metrics) ObserveRateLimited() {
	promRateLimited.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimited++
}

// ObserveShedded records a 503 load-shed denial.
func (m *Metrics) ObserveShedded() {
	promShedded.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shedded++
}

// Snapshot returns the JSON view for /metrics.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	terminations := make(map[string]int64, len(m.terminations))
	for k, v := range m.terminations {
		terminations[k] = v
	}

	var mean float64
	if len(m.latencies) > 0 {
		var sum float64
		for _, l := range m.latencies {
			sum += l
		}
		mean = sum / float64(len(m.latencies))
	}

	return map[string]any{
		"uptime_seconds":     int64(time.Since(m.startTime).Seconds()),
		"requests_total":     m.requests,
		"errors_total":       m.errors,
		"rate_limited_total": m.rateLimited,
		"shedded_total":      m.shedded,
		"fallback": map[string]int64{
			"successes_total": m.fallbackSuccesses,
			"failures_total":  m.fallbackFailures,
		},
		"turn_terminations": terminations,
		"mean_latency_ms":   mean,
	}
}

func statusClassOf(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

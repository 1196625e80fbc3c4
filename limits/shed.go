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
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ShedConfig configures the load shedder.
type ShedConfig struct {
	// HeapThreshold is the heap-used fraction above which new
	// requests are shed.
	HeapThreshold float64

	// InFlightThreshold is the concurrent request ceiling.
	InFlightThreshold int64

	// CheckInterval is how long an overload verdict is cached.
	CheckInterval time.Duration

	// HeapLimitBytes is the reference heap size for the fraction.
	// Defaults to the process memory limit when available, else 4 GiB.
	HeapLimitBytes uint64
}

// DefaultShedConfig returns the standard shedding thresholds.
func DefaultShedConfig() ShedConfig {
	return ShedConfig{
		HeapThreshold:     0.90,
		InFlightThreshold: 1000,
		CheckInterval:     time.Second,
		HeapLimitBytes:    4 << 30,
	}
}

// LoadShedder rejects new work when the process is overloaded. The
// heap check is cached for CheckInterval so per-request overhead is a
// single atomic load plus a counter.
type LoadShedder struct {
	cfg ShedConfig

	inFlight atomic.Int64
	shedded  atomic.Int64

	mu          sync.Mutex
	lastCheck   time.Time
	lastVerdict bool
	lastHeap    float64

	readHeap func() uint64
	now      func() time.Time
}

// NewLoadShedder creates a load shedder. Zero config fields take
// their defaults.
func NewLoadShedder(cfg ShedConfig) *LoadShedder {
	def := DefaultShedConfig()
	if cfg.HeapThreshold <= 0 || cfg.HeapThreshold > 1 {
		cfg.HeapThreshold = def.HeapThreshold
	}
	if cfg.InFlightThreshold <= 0 {
		cfg.InFlightThreshold = def.InFlightThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.HeapLimitBytes == 0 {
		cfg.HeapLimitBytes = def.HeapLimitBytes
	}
	return &LoadShedder{
		cfg: cfg,
		readHeap: func() uint64 {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.HeapAlloc
		},
		now: time.Now,
	}
}

// IsOverloaded reports whether new work should be shed.
func (s *LoadShedder) IsOverloaded() bool {
	if s.inFlight.Load() > s.cfg.InFlightThreshold {
		return true
	}
	return s.heapOverloaded()
}

func (s *LoadShedder) heapOverloaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastCheck) < s.cfg.CheckInterval {
		return s.lastVerdict
	}
	s.lastCheck = now
	s.lastHeap = float64(s.readHeap()) / float64(s.cfg.HeapLimitBytes)
	s.lastVerdict = s.lastHeap > s.cfg.HeapThreshold
	return s.lastVerdict
}

// Admit attempts to admit one request. On success it returns a
// release hook that must be called exactly once when the request
// finishes, including on client disconnect; the hook is idempotent.
func (s *LoadShedder) Admit() (release func(), ok bool) {
	if s.IsOverloaded() {
		s.shedded.Add(1)
		return nil, false
	}
	s.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { s.inFlight.Add(-1) })
	}, true
}

// ShedStats is the observability view of the shedder.
type ShedStats struct {
	InFlight          int64   `json:"in_flight"`
	InFlightThreshold int64   `json:"in_flight_threshold"`
	HeapFraction      float64 `json:"heap_fraction"`
	HeapThreshold     float64 `json:"heap_threshold"`
	SheddedTotal      int64   `json:"shedded_total"`
	Overloaded        bool    `json:"overloaded"`
}

// Stats returns current shedding counters.
func (s *LoadShedder) Stats() ShedStats {
	overloaded := s.IsOverloaded()
	s.mu.Lock()
	heap := s.lastHeap
	s.mu.Unlock()
	return ShedStats{
		InFlight:          s.inFlight.Load(),
		InFlightThreshold: s.cfg.InFlightThreshold,
		HeapFraction:      heap,
		HeapThreshold:     s.cfg.HeapThreshold,
		SheddedTotal:      s.shedded.Load(),
		Overloaded:        overloaded,
	}
}

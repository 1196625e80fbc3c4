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
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Budget denial reasons.
const (
	ReasonTokenLimit   = "token_limit_exceeded"
	ReasonRequestLimit = "request_limit_exceeded"
	ReasonCostLimit    = "cost_limit_exceeded"
)

// BudgetConfig holds one user's monthly ceilings. Zero means
// unlimited for that counter.
type BudgetConfig struct {
	MonthlyTokens    int64 `json:"monthly_tokens"`
	MonthlyRequests  int64 `json:"monthly_requests"`
	MonthlyCostCents int64 `json:"monthly_cost_cents"`

	// AlertThreshold is the fraction of any limit at which a warning
	// is attached to successful checks.
	AlertThreshold float64 `json:"alert_threshold"`
}

// DefaultBudgetConfig returns the standard monthly budget.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MonthlyTokens:    10_000_000,
		MonthlyRequests:  50_000,
		MonthlyCostCents: 20_000,
		AlertThreshold:   0.8,
	}
}

// MonthUsage is one user's accumulated usage for a month.
type MonthUsage struct {
	Month     string `json:"month"`
	Tokens    int64  `json:"tokens"`
	Requests  int64  `json:"requests"`
	CostCents int64  `json:"cost_cents"`
}

// BudgetDecision is the outcome of a budget check.
type BudgetDecision struct {
	Allowed  bool         `json:"allowed"`
	Reason   string       `json:"reason,omitempty"`
	Usage    MonthUsage   `json:"usage"`
	Limits   BudgetConfig `json:"limits"`
	Warnings []string     `json:"warnings,omitempty"`
}

// UsageEvent is one recorded upstream call. Retries aggregate to a
// single event.
type UsageEvent struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CostCents int       `json:"cost_cents"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageStore persists the append-only usage log.
type UsageStore interface {
	Record(ctx context.Context, event UsageEvent) error
	MonthTotals(ctx context.Context, userID, month string) (MonthUsage, error)
}

const budgetStripes = 64

// BudgetManager enforces three parallel monthly counters per user.
// Month totals are cached in memory and advanced on every recorded
// event; per-user operations are serialized by striped locks so
// concurrent requests for different users never contend.
type BudgetManager struct {
	defaults  BudgetConfig
	overrides map[string]BudgetConfig
	store     UsageStore

	stripes [budgetStripes]sync.Mutex
	cache   sync.Map // userID -> *MonthUsage

	now func() time.Time
}

// NewBudgetManager creates a budget manager backed by store.
// overrides maps user ids to non-default budgets and may be nil.
func NewBudgetManager(defaults BudgetConfig, overrides map[string]BudgetConfig, store UsageStore) *BudgetManager {
	if defaults.AlertThreshold <= 0 || defaults.AlertThreshold > 1 {
		defaults.AlertThreshold = DefaultBudgetConfig().AlertThreshold
	}
	return &BudgetManager{
		defaults:  defaults,
		overrides: overrides,
		store:     store,
		now:       time.Now,
	}
}

func (m *BudgetManager) limitsFor(userID string) BudgetConfig {
	if cfg, ok := m.overrides[userID]; ok {
		if cfg.AlertThreshold <= 0 || cfg.AlertThreshold > 1 {
			cfg.AlertThreshold = m.defaults.AlertThreshold
		}
		return cfg
	}
	return m.defaults
}

func (m *BudgetManager) stripe(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &m.stripes[h.Sum32()%budgetStripes]
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// totals returns the cached month usage for userID, loading it from
// the store on first access or month rollover. Caller holds the
// user's stripe lock.
func (m *BudgetManager) totals(ctx context.Context, userID string) (*MonthUsage, error) {
	month := monthKey(m.now())
	if v, ok := m.cache.Load(userID); ok {
		u := v.(*MonthUsage)
		if u.Month == month {
			return u, nil
		}
	}
	loaded, err := m.store.MonthTotals(ctx, userID, month)
	if err != nil {
		return nil, err
	}
	loaded.Month = month
	u := &loaded
	m.cache.Store(userID, u)
	return u, nil
}

// Check consults the three monthly counters for userID. Store errors
// fail open so a degraded store never blocks traffic.
func (m *BudgetManager) Check(ctx context.Context, userID string) BudgetDecision {
	limits := m.limitsFor(userID)

	mu := m.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	usage, err := m.totals(ctx, userID)
	if err != nil {
		limitsLog.Warn(userID, "", "budget lookup failed, failing open", map[string]interface{}{
			"error": err.Error(),
		})
		return BudgetDecision{Allowed: true, Limits: limits}
	}

	decision := BudgetDecision{Usage: *usage, Limits: limits}
	switch {
	case limits.MonthlyTokens > 0 && usage.Tokens >= limits.MonthlyTokens:
		decision.Reason = ReasonTokenLimit
	case limits.MonthlyRequests > 0 && usage.Requests >= limits.MonthlyRequests:
		decision.Reason = ReasonRequestLimit
	case limits.MonthlyCostCents > 0 && usage.CostCents >= limits.MonthlyCostCents:
		decision.Reason = ReasonCostLimit
	default:
		decision.Allowed = true
		decision.Warnings = budgetWarnings(*usage, limits)
	}
	return decision
}

func budgetWarnings(usage MonthUsage, limits BudgetConfig) []string {
	var warnings []string
	check := func(name string, current, limit int64) {
		if limit > 0 && float64(current) >= limits.AlertThreshold*float64(limit) {
			warnings = append(warnings, fmt.Sprintf(
				"%s usage at %d of %d (%.0f%% threshold)",
				name, current, limit, limits.AlertThreshold*100))
		}
	}
	check("token", usage.Tokens, limits.MonthlyTokens)
	check("request", usage.Requests, limits.MonthlyRequests)
	check("cost", usage.CostCents, limits.MonthlyCostCents)
	return warnings
}

// RecordUsage appends one usage event and advances the cached month
// totals. Called exactly once per successful upstream call.
func (m *BudgetManager) RecordUsage(ctx context.Context, event UsageEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}

	mu := m.stripe(event.UserID)
	mu.Lock()
	defer mu.Unlock()

	usage, totalsErr := m.totals(ctx, event.UserID)

	// Persist first so the cached totals never run ahead of the store.
	if err := m.store.Record(ctx, event); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	if totalsErr == nil {
		usage.Tokens += int64(event.TokensIn + event.TokensOut)
		usage.Requests++
		usage.CostCents += int64(event.CostCents)
	}
	return nil
}

// Usage returns the current month totals for userID.
func (m *BudgetManager) Usage(ctx context.Context, userID string) (MonthUsage, error) {
	mu := m.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	usage, err := m.totals(ctx, userID)
	if err != nil {
		return MonthUsage{}, err
	}
	return *usage, nil
}

// MemoryStore is the in-process UsageStore: an append-only event log
// with precomputed month totals.
type MemoryStore struct {
	mu     sync.Mutex
	events []UsageEvent
	totals map[string]MonthUsage // userID|month
}

// NewMemoryStore creates an empty in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{totals: make(map[string]MonthUsage)}
}

// Record appends one event and updates the month totals.
func (s *MemoryStore) Record(_ context.Context, event UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	key := event.UserID + "|" + monthKey(event.Timestamp)
	t := s.totals[key]
	t.Tokens += int64(event.TokensIn + event.TokensOut)
	t.Requests++
	t.CostCents += int64(event.CostCents)
	s.totals[key] = t
	return nil
}

// MonthTotals returns the precomputed totals for one user month.
func (s *MemoryStore) MonthTotals(_ context.Context, userID, month string) (MonthUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.totals[userID+"|"+month]
	t.Month = month
	return t, nil
}

// Events returns a copy of the event log. Used by tests and the
// metrics view.
func (s *MemoryStore) Events() []UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UsageEvent, len(s.events))
	copy(out, s.events)
	return out
}

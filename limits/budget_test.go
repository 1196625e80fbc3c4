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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBudgetManager(cfg BudgetConfig) (*BudgetManager, *MemoryStore, *time.Time) {
	store := NewMemoryStore()
	m := NewBudgetManager(cfg, nil, store)
	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, store, &now
}

func TestBudgetAllowsUnderLimits(t *testing.T) {
	m, _, _ := newTestBudgetManager(BudgetConfig{
		MonthlyTokens:    1000,
		MonthlyRequests:  10,
		MonthlyCostCents: 500,
		AlertThreshold:   0.8,
	})

	d := m.Check(context.Background(), "user-1")
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Warnings)
}

func TestBudgetTokenLimit(t *testing.T) {
	m, _, _ := newTestBudgetManager(BudgetConfig{
		MonthlyTokens:  100,
		AlertThreshold: 0.8,
	})
	ctx := context.Background()

	require.NoError(t, m.RecordUsage(ctx, UsageEvent{
		UserID: "user-1", Provider: "anthropic", Model: "claude-sonnet-4",
		TokensIn: 60, TokensOut: 40,
	}))

	d := m.Check(ctx, "user-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonTokenLimit, d.Reason)
	assert.EqualValues(t, 100, d.Usage.Tokens)
}

func TestBudgetRequestLimit(t *testing.T) {
	m, _, _ := newTestBudgetManager(BudgetConfig{
		MonthlyRequests: 2,
		AlertThreshold:  0.8,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, m.RecordUsage(ctx, UsageEvent{UserID: "user-1", TokensIn: 1}))
	}
	d := m.Check(ctx, "user-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRequestLimit, d.Reason)
}

func TestBudgetCostLimit(t *testing.T) {
	m, _, _ := newTestBudgetManager(BudgetConfig{
		MonthlyCostCents: 100,
		AlertThreshold:   0.8,
	})
	ctx := context.Background()

	require.NoError(t, m.RecordUsage(ctx, UsageEvent{UserID: "user-1", CostCents: 100}))
	d := m.Check(ctx, "user-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCostLimit, d.Reason)
}

func TestBudgetAlertWarnings(t *testing.T) {
	m, _, _ := newTestBudgetManager(BudgetConfig{
		MonthlyTokens:  100,
		AlertThreshold: 0.8,
	})
	ctx := context.Background()

	require.NoError(t, m.RecordUsage(ctx, UsageEvent{UserID: "user-1", TokensIn: 80}))
	d := m.Check(ctx, "user-1")
	assert.True(t, d.Allowed)
	require.Len(t, d.Warnings, 1)
	assert.Contains(t, d.Warnings[0], "token")
}

func TestBudgetMonthRollover(t *testing.T) {
	m, _, now := newTestBudgetManager(BudgetConfig{
		MonthlyTokens:  100,
		AlertThreshold: 0.8,
	})
	ctx := context.Background()

	require.NoError(t, m.RecordUsage(ctx, UsageEvent{UserID: "user-1", TokensIn: 100}))
	require.False(t, m.Check(ctx, "user-1").Allowed)

	// First-of-month boundary resets all three counters.
	*now = time.Date(2026, 9, 1, 0, 0, 1, 0, time.UTC)
	d := m.Check(ctx, "user-1")
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 0, d.Usage.Tokens)
}

func TestBudgetPerUserOverrides(t *testing.T) {
	store := NewMemoryStore()
	m := NewBudgetManager(
		BudgetConfig{MonthlyRequests: 100, AlertThreshold: 0.8},
		map[string]BudgetConfig{"vip": {MonthlyRequests: 1000}},
		store,
	)

	assert.EqualValues(t, 1000, m.limitsFor("vip").MonthlyRequests)
	assert.EqualValues(t, 100, m.limitsFor("user-1").MonthlyRequests)
	// Overrides without a threshold inherit the default.
	assert.EqualValues(t, 0.8, m.limitsFor("vip").AlertThreshold)
}

func TestBudgetConcurrentRecordsAreSerialized(t *testing.T) {
	m, store, _ := newTestBudgetManager(BudgetConfig{AlertThreshold: 0.8})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.RecordUsage(ctx, UsageEvent{UserID: "user-1", TokensIn: 2, CostCents: 1})
		}()
	}
	wg.Wait()

	usage, err := m.Usage(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, usage.Tokens)
	assert.EqualValues(t, 50, usage.Requests)
	assert.EqualValues(t, 50, usage.CostCents)
	assert.Len(t, store.Events(), 50)
}

type failingStore struct{}

func (failingStore) Record(context.Context, UsageEvent) error {
	return errors.New("store down")
}

func (failingStore) MonthTotals(context.Context, string, string) (MonthUsage, error) {
	return MonthUsage{}, errors.New("store down")
}

func TestBudgetFailsOpenOnStoreError(t *testing.T) {
	m := NewBudgetManager(BudgetConfig{MonthlyTokens: 1, AlertThreshold: 0.8}, nil, failingStore{})
	d := m.Check(context.Background(), "user-1")
	assert.True(t, d.Allowed)
}

type flakyStore struct {
	*MemoryStore
	failRecord bool
}

func (s *flakyStore) Record(ctx context.Context, event UsageEvent) error {
	if s.failRecord {
		return errors.New("store down")
	}
	return s.MemoryStore.Record(ctx, event)
}

func TestBudgetStoreErrorLeavesCacheUnchanged(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	m := NewBudgetManager(BudgetConfig{MonthlyTokens: 1000, AlertThreshold: 0.8}, nil, store)
	ctx := context.Background()

	require.NoError(t, m.RecordUsage(ctx, UsageEvent{UserID: "user-1", TokensIn: 50}))

	store.failRecord = true
	require.Error(t, m.RecordUsage(ctx, UsageEvent{UserID: "user-1", TokensIn: 30}))

	// The cached month matches what the store durably holds.
	usage, err := m.Usage(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 50, usage.Tokens)
	assert.EqualValues(t, 1, usage.Requests)
}

func TestCalculateCostCents(t *testing.T) {
	// claude-sonnet-4: 300/1500 cents per 1K.
	assert.Equal(t, 300+1500, CalculateCostCents("claude-sonnet-4", 1000, 1000))
	// Dated snapshot resolves by prefix.
	assert.Equal(t, 300, CalculateCostCents("claude-sonnet-4-20250514", 1000, 0))
	// Local models are free.
	assert.Equal(t, 0, CalculateCostCents("local", 100000, 100000))
	// Unknown models use conservative default pricing.
	assert.Equal(t, 1000+3000, CalculateCostCents("mystery-model", 1000, 1000))
}

func TestFormatCostDollars(t *testing.T) {
	assert.Equal(t, "$1.35", FormatCostDollars(135))
	assert.Equal(t, "$0.00", FormatCostDollars(0))
}

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
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // postgres driver
)

// PostgresStore persists usage events to a usage_events table so
// budgets survive restarts and are shared across replicas.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects to the given DSN and verifies the
// connection.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Record appends one usage event.
func (s *PostgresStore) Record(ctx context.Context, event UsageEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (
			user_id, session_id, provider, model,
			tokens_in, tokens_out, cost_cents, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.UserID, nullString(event.SessionID), event.Provider, event.Model,
		event.TokensIn, event.TokensOut, event.CostCents, event.Timestamp)

	if err != nil {
		limitsLog.Error(event.UserID, "", "failed to record usage event", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	return nil
}

// MonthTotals sums the event log for one user month. The month key is
// formatted 2006-01 in UTC.
func (s *PostgresStore) MonthTotals(ctx context.Context, userID, month string) (MonthUsage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(tokens_in + tokens_out), 0),
			COUNT(*),
			COALESCE(SUM(cost_cents), 0)
		FROM usage_events
		WHERE user_id = $1
		  AND to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM') = $2
	`, userID, month)

	usage := MonthUsage{Month: month}
	if err := row.Scan(&usage.Tokens, &usage.Requests, &usage.CostCents); err != nil {
		return MonthUsage{}, fmt.Errorf("failed to load month totals: %w", err)
	}
	return usage, nil
}

// Close releases the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// nullString converts an empty string to NULL for database insertion.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

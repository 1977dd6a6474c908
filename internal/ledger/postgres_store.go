package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PostgresStore struct {
	db       DB
	defaults map[Category]Limits
	now      func() time.Time
}

func NewPostgresStore(db DB, defaults map[Category]Limits) *PostgresStore {
	return &PostgresStore{
		db:       db,
		defaults: defaults,
		now:      time.Now,
	}
}

func (s *PostgresStore) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin usage tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insert := `
		INSERT INTO usage_records (user_id, category, feature, provider, cost_usd, billable_run, session_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, insert,
		rec.UserID, rec.Category, rec.Feature, rec.Provider,
		rec.CostUSD, rec.BillableRun, rec.SessionID, meta,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	// Session-scoped records are audit detail only; their cost reaches
	// MonthlyTotals exactly once, at session finalization.
	if rec.SessionID == nil {
		if err := s.applyToTotals(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit usage tx: %w", err)
	}
	return nil
}

// applyToTotals folds one standalone record into the user's counters.
// The insert arm performs lazy month rollover with the configured
// default limits; the update arm is a single-row atomic increment.
func (s *PostgresStore) applyToTotals(ctx context.Context, tx pgx.Tx, rec *UsageRecord) error {
	limits := s.defaults[rec.Category]
	runs := 0
	if rec.BillableRun {
		runs = 1
	}

	upsert := `
		INSERT INTO monthly_totals (user_id, category, month, spend_usd, billable_runs, spend_limit_usd, run_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, category, month) DO UPDATE
		SET spend_usd     = monthly_totals.spend_usd + EXCLUDED.spend_usd,
		    billable_runs = monthly_totals.billable_runs + EXCLUDED.billable_runs
	`
	_, err := tx.Exec(ctx, upsert,
		rec.UserID, rec.Category, MonthOf(s.now()),
		rec.CostUSD, runs, limits.SpendLimitUSD, limits.RunLimit,
	)
	if err != nil {
		return fmt.Errorf("failed to update monthly totals: %w", err)
	}
	return nil
}

func (s *PostgresStore) Totals(ctx context.Context, userID string, category Category, month string) (*MonthlyTotals, error) {
	query := `
		SELECT spend_usd, billable_runs, spend_limit_usd, run_limit
		FROM monthly_totals
		WHERE user_id = $1 AND category = $2 AND month = $3
	`
	t := MonthlyTotals{UserID: userID, Category: category, Month: month}
	err := s.db.QueryRow(ctx, query, userID, category, month).Scan(
		&t.SpendUSD, &t.BillableRuns, &t.SpendLimitUSD, &t.RunLimit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No usage yet this month: zero counters, default limits.
			limits := s.defaults[category]
			t.SpendLimitUSD = limits.SpendLimitUSD
			t.RunLimit = limits.RunLimit
			return &t, nil
		}
		return nil, fmt.Errorf("failed to get monthly totals: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) UsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error) {
	query := `
		SELECT id, user_id, category, feature, provider, cost_usd, billable_run, session_id, metadata, created_at
		FROM usage_records
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		var meta []byte
		err := rows.Scan(
			&r.ID, &r.UserID, &r.Category, &r.Feature, &r.Provider,
			&r.CostUSD, &r.BillableRun, &r.SessionID, &meta, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return records, nil
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tapfolio/metering/internal/ledger"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db  DB
	now func() time.Time
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// AppendStep appends one step and bumps the derived totals in a single
// upsert, creating the session row on the first step. The conflict arm
// is guarded on status so a finalized session rejects further steps.
func (s *PostgresStore) AppendStep(ctx context.Context, userID, sessionID, feature string, category ledger.Category, step Step) error {
	if step.RecordedAt.IsZero() {
		step.RecordedAt = s.now().UTC()
	}
	stepJSON, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}

	runs := 0
	if step.BillableRun {
		runs = 1
	}

	query := `
		INSERT INTO sessions (user_id, session_id, feature, category, status, steps, total_cost_usd, total_runs)
		VALUES ($1, $2, $3, $4, 'active', jsonb_build_array($5::jsonb), $6, $7)
		ON CONFLICT (user_id, session_id) DO UPDATE
		SET steps          = sessions.steps || EXCLUDED.steps,
		    total_cost_usd = sessions.total_cost_usd + EXCLUDED.total_cost_usd,
		    total_runs     = sessions.total_runs + EXCLUDED.total_runs
		WHERE sessions.status = 'active'
	`
	tag, err := s.db.Exec(ctx, query,
		userID, sessionID, feature, category, stepJSON, step.CostUSD, runs,
	)
	if err != nil {
		return fmt.Errorf("failed to append step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFinalized
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, sessionID string) (*Session, error) {
	query := `
		SELECT user_id, session_id, feature, category, status, steps, total_cost_usd, total_runs, created_at, finalized_at
		FROM sessions
		WHERE user_id = $1 AND session_id = $2
	`
	return s.scanSession(s.db.QueryRow(ctx, query, userID, sessionID))
}

// ClaimFinalize is the idempotence gate for finalization: the UPDATE
// only matches an active row, so exactly one caller observes
// claimed=true for a given session.
func (s *PostgresStore) ClaimFinalize(ctx context.Context, userID, sessionID string) (*Session, bool, error) {
	query := `
		UPDATE sessions
		SET status = 'finalized', finalized_at = now()
		WHERE user_id = $1 AND session_id = $2 AND status = 'active'
		RETURNING user_id, session_id, feature, category, status, steps, total_cost_usd, total_runs, created_at, finalized_at
	`
	sess, err := s.scanSession(s.db.QueryRow(ctx, query, userID, sessionID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return sess, true, nil
}

func (s *PostgresStore) scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	var steps []byte
	err := row.Scan(
		&sess.UserID, &sess.SessionID, &sess.Feature, &sess.Category,
		&sess.Status, &steps, &sess.TotalCostUSD, &sess.TotalRuns,
		&sess.CreatedAt, &sess.FinalizedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &sess.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
		}
	}
	return &sess, nil
}

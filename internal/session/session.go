package session

import (
	"context"
	"errors"
	"time"

	"github.com/tapfolio/metering/internal/ledger"
)

var (
	ErrNotFound  = errors.New("session: not found")
	ErrFinalized = errors.New("session: already finalized")
)

type Status string

const (
	StatusActive    Status = "active"
	StatusFinalized Status = "finalized"
)

// Step is one recorded stage of a session. Steps are append-only and
// ordered by the caller-supplied StepNumber.
type Step struct {
	StepNumber  int             `json:"step_number"`
	StepLabel   string          `json:"step_label"`
	Feature     string          `json:"feature"`
	Provider    string          `json:"provider"`
	CostUSD     float64         `json:"cost_usd"`
	DurationMs  int64           `json:"duration_ms"`
	BillableRun bool            `json:"billable_run"`
	Metadata    ledger.Metadata `json:"metadata"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// Session is one logical multi-step user action. Its accumulated cost
// reaches the ledger exactly once, at finalization; a multi-step action
// counts as a single billable run regardless of step count.
type Session struct {
	UserID       string          `json:"user_id"`
	SessionID    string          `json:"session_id"`
	Feature      string          `json:"feature"`
	Category     ledger.Category `json:"category"`
	Status       Status          `json:"status"`
	Steps        []Step          `json:"steps"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	TotalRuns    int64           `json:"total_runs"`
	CreatedAt    time.Time       `json:"created_at"`
	FinalizedAt  *time.Time      `json:"finalized_at,omitempty"`
}

// Store persists sessions. AppendStep creates the session on first use
// and returns ErrFinalized when the target session is already closed.
// ClaimFinalize atomically flips active to finalized and reports whether
// this call won the claim; a second claim is a no-op with claimed=false.
type Store interface {
	AppendStep(ctx context.Context, userID, sessionID, feature string, category ledger.Category, step Step) error
	Get(ctx context.Context, userID, sessionID string) (*Session, error)
	ClaimFinalize(ctx context.Context, userID, sessionID string) (*Session, bool, error)
}

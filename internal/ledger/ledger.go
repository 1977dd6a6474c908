package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidCategory = errors.New("ledger: unknown usage category")
	ErrNegativeCost    = errors.New("ledger: cost must be non-negative")
)

// Category separates spend tracked against independent monthly quotas.
type Category string

const (
	CategoryAPI Category = "api" // metered third-party API calls (geocoding, place search)
	CategoryAI  Category = "ai"  // metered AI calls (embedding, rerank)
)

func (c Category) Valid() bool {
	return c == CategoryAPI || c == CategoryAI
}

// Metadata is the typed per-record annotation bag. All fields are
// optional; new features add fields rather than reusing loose maps.
type Metadata struct {
	SessionID string `json:"session_id,omitempty"`
	GridKey   string `json:"grid_key,omitempty"`
	CacheHit  bool   `json:"cache_hit,omitempty"`
	Degraded  string `json:"degraded,omitempty"`
	Query     string `json:"query,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// UsageRecord is one externally-caused cost event. Records are immutable
// once written. A non-nil SessionID marks a per-step audit record whose
// cost is billed only when its session finalizes; such records never
// touch MonthlyTotals.
type UsageRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Category    Category  `json:"category"`
	Feature     string    `json:"feature"`
	Provider    string    `json:"provider"`
	CostUSD     float64   `json:"cost_usd"`
	BillableRun bool      `json:"billable_run"`
	SessionID   *string   `json:"session_id,omitempty"`
	Metadata    Metadata  `json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r *UsageRecord) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("ledger: user_id is required")
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, r.Category)
	}
	if r.CostUSD < 0 || math.IsNaN(r.CostUSD) {
		return fmt.Errorf("%w: %v", ErrNegativeCost, r.CostUSD)
	}
	return nil
}

// MonthlyTotals is the running counters row for (user, category, month).
type MonthlyTotals struct {
	UserID        string   `json:"user_id"`
	Category      Category `json:"category"`
	Month         string   `json:"month"` // "2006-01"
	SpendUSD      float64  `json:"spend_usd"`
	BillableRuns  int64    `json:"billable_runs"`
	SpendLimitUSD float64  `json:"spend_limit_usd"`
	RunLimit      int64    `json:"run_limit"`
}

// Limits carries the configured default monthly quotas, used when a user
// has no monthly_totals row yet (lazy month rollover).
type Limits struct {
	SpendLimitUSD float64
	RunLimit      int64
}

// MonthOf formats the calendar-month bucket key for a timestamp.
func MonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Store is the usage ledger. RecordUsage appends the record and, only
// for standalone records (nil SessionID), atomically folds cost and run
// count into the matching MonthlyTotals row, creating the row with
// zeroed counters on first use in a month.
type Store interface {
	RecordUsage(ctx context.Context, rec *UsageRecord) error
	Totals(ctx context.Context, userID string, category Category, month string) (*MonthlyTotals, error)
	UsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error)
}

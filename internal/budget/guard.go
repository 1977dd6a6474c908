package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapfolio/metering/internal/ledger"
	"github.com/tapfolio/metering/internal/metrics"
)

// Reason explains a rejected affordability check.
type Reason string

const (
	ReasonBudgetExceeded Reason = "budget_exceeded"
	ReasonRunsExceeded   Reason = "runs_exceeded"
)

// AffordabilityResult is the typed outcome of a pre-flight check.
// Budget exhaustion is expected control flow, never an error.
type AffordabilityResult struct {
	CanAfford bool   `json:"can_afford"`
	Reason    Reason `json:"reason,omitempty"`
}

// TotalsReader is the slice of the ledger the guard needs.
type TotalsReader interface {
	Totals(ctx context.Context, userID string, category ledger.Category, month string) (*ledger.MonthlyTotals, error)
}

// Guard answers "can this user afford this operation right now".
//
// The check is advisory: it is not transactionally linked to the ledger
// write that follows, so two concurrent requests can both pass and
// overshoot the limit by at most one operation's cost per category.
// That bounded overshoot is an accepted tradeoff, not a bug.
type Guard struct {
	totals TotalsReader
	log    zerolog.Logger
	now    func() time.Time
}

func NewGuard(totals TotalsReader, log zerolog.Logger) *Guard {
	return &Guard{
		totals: totals,
		log:    log.With().Str("component", "budget_guard").Logger(),
		now:    time.Now,
	}
}

// CanAfford checks estimated cost and run quota against the current
// month's totals. It fails closed: run quota is checked before spend.
func (g *Guard) CanAfford(ctx context.Context, userID string, category ledger.Category, estimatedCostUSD float64, requiresBillableRun bool) (*AffordabilityResult, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ledger.ErrInvalidCategory, category)
	}
	if estimatedCostUSD < 0 {
		return nil, fmt.Errorf("%w: %v", ledger.ErrNegativeCost, estimatedCostUSD)
	}

	totals, err := g.totals.Totals(ctx, userID, category, ledger.MonthOf(g.now()))
	if err != nil {
		return nil, fmt.Errorf("affordability check failed: %w", err)
	}

	if requiresBillableRun && totals.BillableRuns >= totals.RunLimit {
		g.reject(userID, category, ReasonRunsExceeded, totals)
		return &AffordabilityResult{CanAfford: false, Reason: ReasonRunsExceeded}, nil
	}

	if totals.SpendUSD+estimatedCostUSD > totals.SpendLimitUSD {
		g.reject(userID, category, ReasonBudgetExceeded, totals)
		return &AffordabilityResult{CanAfford: false, Reason: ReasonBudgetExceeded}, nil
	}

	return &AffordabilityResult{CanAfford: true}, nil
}

// reject emits the analytics event for a refused operation. It carries
// no cost and never touches totals.
func (g *Guard) reject(userID string, category ledger.Category, reason Reason, totals *ledger.MonthlyTotals) {
	metrics.BudgetRejections.WithLabelValues(string(category), string(reason)).Inc()
	g.log.Info().
		Str("user_id", userID).
		Str("category", string(category)).
		Str("reason", string(reason)).
		Float64("spend_usd", totals.SpendUSD).
		Float64("spend_limit_usd", totals.SpendLimitUSD).
		Int64("billable_runs", totals.BillableRuns).
		Int64("run_limit", totals.RunLimit).
		Msg("operation rejected by budget guard")
}

package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tapfolio/metering/internal/ledger"
	"github.com/tapfolio/metering/internal/metrics"
)

// Aggregator owns the session lifecycle. Finalize bills a session's
// accumulated cost to the ledger exactly once: the store-level claim
// flips active to finalized atomically, so retried or racing finalize
// calls after the first are true no-ops checked by status, never by
// re-deriving cost.
type Aggregator struct {
	sessions Store
	ledger   ledger.Store
	log      zerolog.Logger
}

func NewAggregator(sessions Store, ledgerStore ledger.Store, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		sessions: sessions,
		ledger:   ledgerStore,
		log:      log.With().Str("component", "session_aggregator").Logger(),
	}
}

// Finalize closes the session and writes the single ledger entry for
// the whole multi-step action. The entry is standalone (nil SessionID)
// so it increments monthly totals, and counts one billable run no
// matter how many steps the session had. A ledger failure here must
// propagate: losing this write means the cost is never billed.
func (a *Aggregator) Finalize(ctx context.Context, userID, sessionID string) error {
	sess, claimed, err := a.sessions.ClaimFinalize(ctx, userID, sessionID)
	if err != nil {
		return fmt.Errorf("finalize session %s: %w", sessionID, err)
	}
	if !claimed {
		a.log.Debug().
			Str("user_id", userID).
			Str("session_id", sessionID).
			Msg("finalize no-op: session absent or already finalized")
		return nil
	}

	rec := &ledger.UsageRecord{
		UserID:      userID,
		Category:    sess.Category,
		Feature:     sess.Feature,
		Provider:    "session",
		CostUSD:     sess.TotalCostUSD,
		BillableRun: true,
		Metadata: ledger.Metadata{
			SessionID: sessionID,
		},
	}
	if err := a.ledger.RecordUsage(ctx, rec); err != nil {
		metrics.LedgerWrites.WithLabelValues("finalize", "error").Inc()
		a.log.Error().Err(err).
			Str("user_id", userID).
			Str("session_id", sessionID).
			Float64("total_cost_usd", sess.TotalCostUSD).
			Msg("ledger write for finalized session failed; cost not billed")
		return fmt.Errorf("record finalized session %s: %w", sessionID, err)
	}

	metrics.LedgerWrites.WithLabelValues("finalize", "ok").Inc()
	metrics.SessionsFinalized.Inc()
	a.log.Info().
		Str("user_id", userID).
		Str("session_id", sessionID).
		Str("feature", sess.Feature).
		Int("steps", len(sess.Steps)).
		Float64("total_cost_usd", sess.TotalCostUSD).
		Msg("session finalized")
	return nil
}

// Get exposes a session for the read API.
func (a *Aggregator) Get(ctx context.Context, userID, sessionID string) (*Session, error) {
	return a.sessions.Get(ctx, userID, sessionID)
}

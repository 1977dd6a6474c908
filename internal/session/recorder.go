package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapfolio/metering/internal/ledger"
	"github.com/tapfolio/metering/internal/metrics"
)

// StepInput is one stage's outcome as reported by a pipeline.
type StepInput struct {
	UserID      string
	SessionID   *string // nil records standalone usage instead of a step
	StepNumber  int
	StepLabel   string
	Feature     string
	Category    ledger.Category
	Provider    string
	CostUSD     float64
	DurationMs  int64
	BillableRun bool
	Metadata    ledger.Metadata
}

// Recorder writes step outcomes. Session-scoped steps go to the session
// document only; their cost is billed at finalization. Standalone usage
// goes straight to the ledger and affects monthly totals immediately.
//
// Recording is best-effort telemetry from the pipeline's point of view:
// every failure is logged here, and the returned error exists for
// callers that want to inspect it, not to interrupt the user-visible
// flow. The real cost is still captured at finalization from the
// session's persisted totals even if one step's write was lost.
type Recorder struct {
	ledger   ledger.Store
	sessions Store
	log      zerolog.Logger
}

func NewRecorder(ledgerStore ledger.Store, sessions Store, log zerolog.Logger) *Recorder {
	return &Recorder{
		ledger:   ledgerStore,
		sessions: sessions,
		log:      log.With().Str("component", "step_recorder").Logger(),
	}
}

func (r *Recorder) RecordStep(ctx context.Context, in StepInput) error {
	if in.SessionID == nil {
		err := r.ledger.RecordUsage(ctx, &ledger.UsageRecord{
			UserID:      in.UserID,
			Category:    in.Category,
			Feature:     in.Feature,
			Provider:    in.Provider,
			CostUSD:     in.CostUSD,
			BillableRun: in.BillableRun,
			Metadata:    in.Metadata,
		})
		if err != nil {
			metrics.LedgerWrites.WithLabelValues("standalone", "error").Inc()
			r.log.Error().Err(err).
				Str("user_id", in.UserID).
				Str("feature", in.Feature).
				Float64("cost_usd", in.CostUSD).
				Msg("standalone usage write failed")
			return fmt.Errorf("record standalone usage: %w", err)
		}
		metrics.LedgerWrites.WithLabelValues("standalone", "ok").Inc()
		return nil
	}

	step := Step{
		StepNumber:  in.StepNumber,
		StepLabel:   in.StepLabel,
		Feature:     in.Feature,
		Provider:    in.Provider,
		CostUSD:     in.CostUSD,
		DurationMs:  in.DurationMs,
		BillableRun: in.BillableRun,
		Metadata:    in.Metadata,
		RecordedAt:  time.Now().UTC(),
	}
	if err := r.sessions.AppendStep(ctx, in.UserID, *in.SessionID, in.Feature, in.Category, step); err != nil {
		metrics.LedgerWrites.WithLabelValues("session_step", "error").Inc()
		r.log.Error().Err(err).
			Str("user_id", in.UserID).
			Str("session_id", *in.SessionID).
			Int("step_number", in.StepNumber).
			Str("step_label", in.StepLabel).
			Msg("session step write failed")
		return fmt.Errorf("record session step: %w", err)
	}
	metrics.LedgerWrites.WithLabelValues("session_step", "ok").Inc()
	return nil
}

package seeder

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tapfolio/metering/internal/ledger"
)

const DemoUserID = "00000000-0000-0000-0000-000000000001"

// SeedDemoUser provisions current-month quota rows for a demo user so
// local pipelines have budget to spend. Safe to run repeatedly.
func SeedDemoUser(ctx context.Context, db ledger.DB, defaults map[ledger.Category]ledger.Limits) {
	month := ledger.MonthOf(time.Now())
	query := `
		INSERT INTO monthly_totals (user_id, category, month, spend_usd, billable_runs, spend_limit_usd, run_limit)
		VALUES ($1, $2, $3, 0, 0, $4, $5)
		ON CONFLICT (user_id, category, month) DO NOTHING
	`

	for category, limits := range defaults {
		_, err := db.Exec(ctx, query, DemoUserID, category, month, limits.SpendLimitUSD, limits.RunLimit)
		if err != nil {
			log.Warn().Err(err).Str("category", string(category)).Msg("seeder: failed to provision demo quota")
			continue
		}
		log.Info().
			Str("user_id", DemoUserID).
			Str("category", string(category)).
			Str("month", month).
			Float64("spend_limit_usd", limits.SpendLimitUSD).
			Int64("run_limit", limits.RunLimit).
			Msg("seeder: demo quota ready")
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GridCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metering_grid_cache_hits_total",
		Help: "Geo-grid cache hits.",
	})

	GridCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metering_grid_cache_misses_total",
		Help: "Geo-grid cache misses.",
	})

	BudgetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metering_budget_rejections_total",
		Help: "Pre-flight affordability rejections by reason.",
	}, []string{"category", "reason"})

	PaidLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metering_paid_lookups_total",
		Help: "Paid venue lookups by outcome.",
	}, []string{"provider", "outcome"})

	LedgerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metering_ledger_writes_total",
		Help: "Usage ledger writes by kind (standalone, session_step, finalize).",
	}, []string{"kind", "status"})

	SessionsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metering_sessions_finalized_total",
		Help: "Sessions transitioned to finalized.",
	})
)

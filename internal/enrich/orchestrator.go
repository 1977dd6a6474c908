package enrich

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tapfolio/metering/internal/budget"
	"github.com/tapfolio/metering/internal/cache"
	"github.com/tapfolio/metering/internal/ledger"
	"github.com/tapfolio/metering/internal/lookup"
	"github.com/tapfolio/metering/internal/metrics"
	"github.com/tapfolio/metering/internal/session"
)

const (
	SourceCache = "cache"
	SourceAPI   = "api"

	ReasonLookupFailed      = "lookup_failed"
	ReasonBudgetCheckFailed = "budget_check_failed"

	featureEnrichment = "venue_enrichment"
)

// Result is what the caller's pipeline sees. A degraded outcome has a
// nil Venue, empty Source, zero cost, and Reason set; it is never an
// error.
type Result struct {
	Venue   *lookup.Venue `json:"venue"`
	Source  string        `json:"source,omitempty"`
	CostUSD float64       `json:"cost_usd"`
	Reason  string        `json:"reason,omitempty"`
}

// Checker is the pre-flight affordability gate.
type Checker interface {
	CanAfford(ctx context.Context, userID string, category ledger.Category, estimatedCostUSD float64, requiresBillableRun bool) (*budget.AffordabilityResult, error)
}

// StepWriter records step outcomes; failures are best-effort.
type StepWriter interface {
	RecordStep(ctx context.Context, in session.StepInput) error
}

// Orchestrator answers "what venue is at these coordinates" as cheaply
// as possible: grid cache first, then a budget-gated paid lookup. Every
// failure mode past the cache degrades to a null-venue result; the
// caller's pipeline never fails because of enrichment.
type Orchestrator struct {
	cache    cache.Cache
	guard    Checker
	recorder StepWriter
	provider lookup.Provider
	breaker  *gobreaker.CircuitBreaker
	ttlMin   time.Duration
	ttlMax   time.Duration
	log      zerolog.Logger
	tracer   trace.Tracer
}

func NewOrchestrator(
	c cache.Cache,
	guard Checker,
	recorder StepWriter,
	provider lookup.Provider,
	ttlMin, ttlMax time.Duration,
	log zerolog.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	settings := gobreaker.Settings{
		Name:        provider.Name(),
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Orchestrator{
		cache:    c,
		guard:    guard,
		recorder: recorder,
		provider: provider,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		ttlMin:   ttlMin,
		ttlMax:   ttlMax,
		log:      log.With().Str("component", "enrich_orchestrator").Logger(),
		tracer:   tracer,
	}
}

// Enrich resolves coordinates to a venue. sessionID may be nil; when
// set, the cost is recorded as a step of that session and billed at
// finalization, otherwise it hits the ledger immediately.
func (o *Orchestrator) Enrich(ctx context.Context, coords lookup.Coordinates, userID string, sessionID *string, hints string) *Result {
	ctx, span := o.tracer.Start(ctx, "enrich.lookup")
	defer span.End()

	key := GridKey(coords.Lat, coords.Lng)
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("grid_key", key),
	)

	if venue, ok := o.fromCache(ctx, key); ok {
		metrics.GridCacheHits.Inc()
		span.SetAttributes(attribute.String("source", SourceCache))
		// Zero-cost entry for observability only.
		_ = o.recorder.RecordStep(ctx, session.StepInput{
			UserID:    userID,
			SessionID: sessionID,
			StepLabel: "venue_lookup",
			Feature:   featureEnrichment,
			Category:  ledger.CategoryAPI,
			Provider:  o.provider.Name(),
			Metadata:  ledger.Metadata{GridKey: key, CacheHit: true},
		})
		return &Result{Venue: venue, Source: SourceCache}
	}
	metrics.GridCacheMisses.Inc()

	estimated := o.provider.CostPerLookupUSD()
	affordable, err := o.guard.CanAfford(ctx, userID, ledger.CategoryAPI, estimated, true)
	if err != nil {
		o.log.Error().Err(err).Str("user_id", userID).Msg("affordability check unavailable, degrading")
		return &Result{Reason: ReasonBudgetCheckFailed}
	}
	if !affordable.CanAfford {
		// Hard rule: budget exhaustion degrades, it never throws. No
		// usage record or step is written for a refused lookup.
		span.SetAttributes(attribute.String("degraded", string(affordable.Reason)))
		return &Result{Reason: string(affordable.Reason)}
	}

	start := time.Now()
	res, err := o.breaker.Execute(func() (interface{}, error) {
		return o.provider.Nearby(ctx, coords, hints)
	})
	if err != nil {
		metrics.PaidLookups.WithLabelValues(o.provider.Name(), "error").Inc()
		o.log.Warn().Err(err).
			Str("user_id", userID).
			Str("grid_key", key).
			Msg("paid lookup failed, degrading")
		return &Result{Reason: ReasonLookupFailed}
	}
	venue := res.(*lookup.Venue)
	latency := time.Since(start).Milliseconds()
	metrics.PaidLookups.WithLabelValues(o.provider.Name(), "ok").Inc()

	o.store(ctx, key, venue)

	// Cost is recorded only on confirmed success; a failed or timed-out
	// lookup above never reaches this point.
	_ = o.recorder.RecordStep(ctx, session.StepInput{
		UserID:      userID,
		SessionID:   sessionID,
		StepLabel:   "venue_lookup",
		Feature:     featureEnrichment,
		Category:    ledger.CategoryAPI,
		Provider:    o.provider.Name(),
		CostUSD:     estimated,
		DurationMs:  latency,
		BillableRun: true,
		Metadata:    ledger.Metadata{GridKey: key, LatencyMs: latency},
	})

	span.SetAttributes(attribute.String("source", SourceAPI))
	return &Result{Venue: venue, Source: SourceAPI, CostUSD: estimated}
}

func (o *Orchestrator) fromCache(ctx context.Context, key string) (*lookup.Venue, bool) {
	data, err := o.cache.Get(ctx, CachePrefix+key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			o.log.Warn().Err(err).Str("grid_key", key).Msg("grid cache read failed")
		}
		return nil, false
	}
	var venue lookup.Venue
	if err := venue.UnmarshalBinary(data); err != nil {
		o.log.Warn().Err(err).Str("grid_key", key).Msg("corrupt grid cache entry, dropping")
		_ = o.cache.Delete(ctx, CachePrefix+key)
		return nil, false
	}
	return &venue, true
}

func (o *Orchestrator) store(ctx context.Context, key string, venue *lookup.Venue) {
	data, err := venue.MarshalBinary()
	if err != nil {
		o.log.Warn().Err(err).Str("grid_key", key).Msg("failed to encode venue for cache")
		return
	}
	ttl := JitterTTL(o.ttlMin, o.ttlMax)
	if err := o.cache.Set(ctx, CachePrefix+key, data, ttl); err != nil {
		o.log.Warn().Err(err).Str("grid_key", key).Msg("grid cache write failed")
	}
}

// ClearCache drops every grid entry. Administrative use only.
func (o *Orchestrator) ClearCache(ctx context.Context) (int64, error) {
	return o.cache.ClearByPrefix(ctx, CachePrefix)
}

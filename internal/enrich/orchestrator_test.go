package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tapfolio/metering/internal/budget"
	"github.com/tapfolio/metering/internal/cache"
	"github.com/tapfolio/metering/internal/ledger"
	"github.com/tapfolio/metering/internal/lookup"
	"github.com/tapfolio/metering/internal/session"
)

type fakeChecker struct {
	result *budget.AffordabilityResult
	err    error
	calls  int
}

func (f *fakeChecker) CanAfford(_ context.Context, _ string, _ ledger.Category, _ float64, _ bool) (*budget.AffordabilityResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeRecorder struct {
	steps []session.StepInput
	err   error
}

func (f *fakeRecorder) RecordStep(_ context.Context, in session.StepInput) error {
	f.steps = append(f.steps, in)
	return f.err
}

type fakeProvider struct {
	venue *lookup.Venue
	err   error
	calls int
}

func (f *fakeProvider) Nearby(_ context.Context, _ lookup.Coordinates, _ string) (*lookup.Venue, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.venue, nil
}

func (f *fakeProvider) Name() string              { return "fake" }
func (f *fakeProvider) CostPerLookupUSD() float64 { return 0.032 }

func affordable() *fakeChecker {
	return &fakeChecker{result: &budget.AffordabilityResult{CanAfford: true}}
}

func newOrchestrator(c cache.Cache, guard Checker, rec StepWriter, p lookup.Provider) *Orchestrator {
	tracer := noop.NewTracerProvider().Tracer("test")
	return NewOrchestrator(c, guard, rec, p, time.Hour, 2*time.Hour, zerolog.Nop(), tracer)
}

func TestGridKey_NearbyPointsShareACell(t *testing.T) {
	// ~50 m apart, same ~111 m cell.
	assert.Equal(t, GridKey(48.85661, 2.35222), GridKey(48.85699, 2.35261))
}

func TestGridKey_DistantPointsDiffer(t *testing.T) {
	// ~250 m apart.
	assert.NotEqual(t, GridKey(48.8566, 2.3522), GridKey(48.8580, 2.3540))
}

func TestGridKey_Format(t *testing.T) {
	assert.Equal(t, "48.856:2.352", GridKey(48.85661, 2.35222))
	assert.Equal(t, "-33.869:151.209", GridKey(-33.8688, 151.2093))
}

func TestJitterTTL_Bounds(t *testing.T) {
	min, max := time.Hour, 2*time.Hour
	seen := make(map[time.Duration]struct{})
	for i := 0; i < 1000; i++ {
		ttl := JitterTTL(min, max)
		require.GreaterOrEqual(t, ttl, min)
		require.LessOrEqual(t, ttl, max)
		seen[ttl] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "jitter must actually spread expirations")
}

func TestJitterTTL_DegenerateWindow(t *testing.T) {
	assert.Equal(t, time.Hour, JitterTTL(time.Hour, time.Hour))
}

func TestEnrich_MissThenHit(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemoryCache()
	rec := &fakeRecorder{}
	p := &fakeProvider{venue: &lookup.Venue{Name: "Cafe de Flore", Lat: 48.854, Lng: 2.3326}}
	o := newOrchestrator(mem, affordable(), rec, p)

	// First call: miss, paid lookup.
	first := o.Enrich(ctx, lookup.Coordinates{Lat: 48.8566, Lng: 2.3522}, "u1", nil, "")
	require.NotNil(t, first.Venue)
	assert.Equal(t, SourceAPI, first.Source)
	assert.InDelta(t, 0.032, first.CostUSD, 1e-9)
	assert.Equal(t, 1, p.calls)

	// Second call ~30 m away: same cell, served from cache at no cost.
	second := o.Enrich(ctx, lookup.Coordinates{Lat: 48.85685, Lng: 2.35240}, "u1", nil, "")
	require.NotNil(t, second.Venue)
	assert.Equal(t, SourceCache, second.Source)
	assert.Zero(t, second.CostUSD)
	assert.Equal(t, "Cafe de Flore", second.Venue.Name)
	assert.Equal(t, 1, p.calls, "cache hit must not trigger a paid lookup")
}

func TestEnrich_CacheHitRecordsZeroCostStep(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemoryCache()
	rec := &fakeRecorder{}
	p := &fakeProvider{venue: &lookup.Venue{Name: "v"}}
	o := newOrchestrator(mem, affordable(), rec, p)

	o.Enrich(ctx, lookup.Coordinates{Lat: 1, Lng: 2}, "u1", nil, "")
	o.Enrich(ctx, lookup.Coordinates{Lat: 1, Lng: 2}, "u1", nil, "")

	require.Len(t, rec.steps, 2)
	apiStep, hitStep := rec.steps[0], rec.steps[1]
	assert.InDelta(t, 0.032, apiStep.CostUSD, 1e-9)
	assert.True(t, apiStep.BillableRun)
	assert.Zero(t, hitStep.CostUSD)
	assert.False(t, hitStep.BillableRun)
	assert.True(t, hitStep.Metadata.CacheHit)
}

func TestEnrich_BudgetExhaustionDegrades(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemoryCache()
	rec := &fakeRecorder{}
	guard := &fakeChecker{result: &budget.AffordabilityResult{CanAfford: false, Reason: budget.ReasonBudgetExceeded}}
	p := &fakeProvider{venue: &lookup.Venue{Name: "v"}}
	o := newOrchestrator(mem, guard, rec, p)

	res := o.Enrich(ctx, lookup.Coordinates{Lat: 48.8566, Lng: 2.3522}, "u1", nil, "")

	assert.Nil(t, res.Venue)
	assert.Empty(t, res.Source)
	assert.Zero(t, res.CostUSD)
	assert.Equal(t, "budget_exceeded", res.Reason)
	assert.Zero(t, p.calls, "no billable call may happen after rejection")
	assert.Empty(t, rec.steps, "no usage record or step for a refused lookup")
}

func TestEnrich_LookupFailureDegrades(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemoryCache()
	rec := &fakeRecorder{}
	p := &fakeProvider{err: errors.New("connection reset")}
	o := newOrchestrator(mem, affordable(), rec, p)

	res := o.Enrich(ctx, lookup.Coordinates{Lat: 1, Lng: 2}, "u1", nil, "")

	assert.Nil(t, res.Venue)
	assert.Equal(t, ReasonLookupFailed, res.Reason)
	assert.Zero(t, res.CostUSD, "cost is only recorded on confirmed success")
	assert.Empty(t, rec.steps)

	// Nothing was cached for the failed lookup.
	_, err := mem.Get(ctx, CachePrefix+GridKey(1, 2))
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestEnrich_GuardErrorDegrades(t *testing.T) {
	mem := cache.NewMemoryCache()
	guard := &fakeChecker{err: errors.New("pg down")}
	p := &fakeProvider{venue: &lookup.Venue{Name: "v"}}
	o := newOrchestrator(mem, guard, &fakeRecorder{}, p)

	res := o.Enrich(context.Background(), lookup.Coordinates{Lat: 1, Lng: 2}, "u1", nil, "")
	assert.Nil(t, res.Venue)
	assert.Equal(t, ReasonBudgetCheckFailed, res.Reason)
	assert.Zero(t, p.calls)
}

func TestEnrich_RecorderFailureDoesNotAffectResult(t *testing.T) {
	mem := cache.NewMemoryCache()
	rec := &fakeRecorder{err: errors.New("pg down")}
	p := &fakeProvider{venue: &lookup.Venue{Name: "v"}}
	o := newOrchestrator(mem, affordable(), rec, p)

	res := o.Enrich(context.Background(), lookup.Coordinates{Lat: 1, Lng: 2}, "u1", nil, "")
	require.NotNil(t, res.Venue)
	assert.Equal(t, SourceAPI, res.Source)
}

func TestEnrich_SessionScopedStep(t *testing.T) {
	mem := cache.NewMemoryCache()
	rec := &fakeRecorder{}
	p := &fakeProvider{venue: &lookup.Venue{Name: "v"}}
	o := newOrchestrator(mem, affordable(), rec, p)

	s := "sess-1"
	o.Enrich(context.Background(), lookup.Coordinates{Lat: 1, Lng: 2}, "u1", &s, "")

	require.Len(t, rec.steps, 1)
	require.NotNil(t, rec.steps[0].SessionID)
	assert.Equal(t, "sess-1", *rec.steps[0].SessionID)
}

func TestClearCache(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemoryCache()
	p := &fakeProvider{venue: &lookup.Venue{Name: "v"}}
	o := newOrchestrator(mem, affordable(), &fakeRecorder{}, p)

	o.Enrich(ctx, lookup.Coordinates{Lat: 1, Lng: 2}, "u1", nil, "")
	o.Enrich(ctx, lookup.Coordinates{Lat: 3, Lng: 4}, "u1", nil, "")

	removed, err := o.ClearCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

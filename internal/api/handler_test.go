package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tapfolio/metering/internal/enrich"
	"github.com/tapfolio/metering/internal/ledger"
	"github.com/tapfolio/metering/internal/lookup"
	"github.com/tapfolio/metering/internal/session"
)

type fakeEnricher struct {
	result  *enrich.Result
	cleared int64
}

func (f *fakeEnricher) Enrich(_ context.Context, _ lookup.Coordinates, _ string, _ *string, _ string) *enrich.Result {
	return f.result
}

func (f *fakeEnricher) ClearCache(_ context.Context) (int64, error) {
	return f.cleared, nil
}

type fakeStepWriter struct {
	steps []session.StepInput
	err   error
}

func (f *fakeStepWriter) RecordStep(_ context.Context, in session.StepInput) error {
	f.steps = append(f.steps, in)
	return f.err
}

type fakeFinalizer struct {
	err  error
	sess *session.Session
}

func (f *fakeFinalizer) Finalize(_ context.Context, _, _ string) error { return f.err }

func (f *fakeFinalizer) Get(_ context.Context, _, _ string) (*session.Session, error) {
	if f.sess == nil {
		return nil, session.ErrNotFound
	}
	return f.sess, nil
}

type fakeLedger struct {
	records   []*ledger.UsageRecord
	recordErr error
	totalsErr error
}

func (f *fakeLedger) RecordUsage(_ context.Context, rec *ledger.UsageRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if f.recordErr != nil {
		return f.recordErr
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeLedger) Totals(_ context.Context, userID string, category ledger.Category, month string) (*ledger.MonthlyTotals, error) {
	if f.totalsErr != nil {
		return nil, f.totalsErr
	}
	return &ledger.MonthlyTotals{
		UserID: userID, Category: category, Month: month,
		SpendUSD: 1.23, BillableRuns: 7, SpendLimitUSD: 2.00, RunLimit: 500,
	}, nil
}

func (f *fakeLedger) UsageByUser(_ context.Context, _ string, _, _ time.Time) ([]*ledger.UsageRecord, error) {
	return f.records, nil
}

type testEnv struct {
	handler  *Handler
	enricher *fakeEnricher
	steps    *fakeStepWriter
	fin      *fakeFinalizer
	led      *fakeLedger
	router   *chi.Mux
}

func setupTest() *testEnv {
	env := &testEnv{
		enricher: &fakeEnricher{result: &enrich.Result{Venue: &lookup.Venue{Name: "v"}, Source: enrich.SourceAPI, CostUSD: 0.032}},
		steps:    &fakeStepWriter{},
		fin:      &fakeFinalizer{},
		led:      &fakeLedger{},
	}
	tracer := noop.NewTracerProvider().Tracer("test")
	env.handler = NewHandler(env.enricher, env.led, env.steps, env.fin, zerolog.Nop(), tracer)

	r := chi.NewRouter()
	r.Post("/v1/enrich", env.handler.HandleEnrich)
	r.Post("/v1/usage", env.handler.HandleRecordUsage)
	r.Get("/v1/usage", env.handler.HandleUsageSummary)
	r.Post("/v1/sessions/{sessionID}/steps", env.handler.HandleRecordStep)
	r.Post("/v1/sessions/{sessionID}/finalize", env.handler.HandleFinalize)
	r.Get("/v1/sessions/{sessionID}", env.handler.HandleGetSession)
	r.Delete("/v1/admin/cache", env.handler.HandleClearCache)
	env.router = r
	return env
}

func doRequest(env *testEnv, method, path, userID string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req = req.WithContext(WithUserID(req.Context(), userID))
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func TestHandleEnrich_Unauthorized(t *testing.T) {
	env := setupTest()
	w := doRequest(env, "POST", "/v1/enrich", "", map[string]float64{"lat": 1, "lng": 2})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleEnrich_Success(t *testing.T) {
	env := setupTest()
	w := doRequest(env, "POST", "/v1/enrich", "u1", map[string]float64{"lat": 48.8566, "lng": 2.3522})
	require.Equal(t, http.StatusOK, w.Code)

	var res enrich.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, enrich.SourceAPI, res.Source)
	assert.Equal(t, "v", res.Venue.Name)
}

func TestHandleEnrich_DegradedIsStill200(t *testing.T) {
	env := setupTest()
	env.enricher.result = &enrich.Result{Reason: "budget_exceeded"}

	w := doRequest(env, "POST", "/v1/enrich", "u1", map[string]float64{"lat": 1, "lng": 2})
	require.Equal(t, http.StatusOK, w.Code)

	var res enrich.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Nil(t, res.Venue)
	assert.Equal(t, "budget_exceeded", res.Reason)
}

func TestHandleEnrich_CoordinatesOutOfRange(t *testing.T) {
	env := setupTest()
	w := doRequest(env, "POST", "/v1/enrich", "u1", map[string]float64{"lat": 91, "lng": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEnrich_InvalidBody(t *testing.T) {
	env := setupTest()
	req := httptest.NewRequest("POST", "/v1/enrich", strings.NewReader("{invalid"))
	req = req.WithContext(WithUserID(req.Context(), "u1"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRecordUsage_Success(t *testing.T) {
	env := setupTest()
	w := doRequest(env, "POST", "/v1/usage", "u1", map[string]any{
		"category": "api", "feature": "enrichment", "provider": "places",
		"cost_usd": 0.032, "billable_run": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, env.led.records, 1)
	assert.Equal(t, "u1", env.led.records[0].UserID)
}

func TestHandleRecordUsage_ValidationErrors(t *testing.T) {
	env := setupTest()

	w := doRequest(env, "POST", "/v1/usage", "u1", map[string]any{
		"category": "storage", "cost_usd": 0.01,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(env, "POST", "/v1/usage", "u1", map[string]any{
		"category": "api", "cost_usd": -1.0,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRecordUsage_StoreFailureIs500(t *testing.T) {
	env := setupTest()
	env.led.recordErr = errors.New("pg down")
	w := doRequest(env, "POST", "/v1/usage", "u1", map[string]any{
		"category": "api", "cost_usd": 0.01,
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleRecordStep_Accepted(t *testing.T) {
	env := setupTest()
	w := doRequest(env, "POST", "/v1/sessions/s1/steps", "u1", map[string]any{
		"step_number": 1, "step_label": "search", "feature": "semantic_search",
		"category": "ai", "cost_usd": 0.005, "billable_run": true,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, env.steps.steps, 1)
	require.NotNil(t, env.steps.steps[0].SessionID)
	assert.Equal(t, "s1", *env.steps.steps[0].SessionID)
}

func TestHandleRecordStep_WriteFailureStillAccepted(t *testing.T) {
	env := setupTest()
	env.steps.err = errors.New("pg down")
	w := doRequest(env, "POST", "/v1/sessions/s1/steps", "u1", map[string]any{
		"step_number": 1, "step_label": "search", "category": "ai", "cost_usd": 0.005,
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHandleRecordStep_ValidationRejected(t *testing.T) {
	env := setupTest()
	w := doRequest(env, "POST", "/v1/sessions/s1/steps", "u1", map[string]any{
		"category": "storage", "cost_usd": 0.005,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.steps.steps)
}

func TestHandleFinalize_Success(t *testing.T) {
	env := setupTest()
	w := doRequest(env, "POST", "/v1/sessions/s1/finalize", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "finalized", resp["status"])
}

func TestHandleFinalize_LedgerFailureIs500(t *testing.T) {
	env := setupTest()
	env.fin.err = errors.New("pg down")
	w := doRequest(env, "POST", "/v1/sessions/s1/finalize", "u1", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleGetSession_NotFound(t *testing.T) {
	env := setupTest()
	w := doRequest(env, "GET", "/v1/sessions/ghost", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleUsageSummary_Success(t *testing.T) {
	env := setupTest()
	env.led.records = []*ledger.UsageRecord{
		{UserID: "u1", Category: ledger.CategoryAPI, CostUSD: 0.032},
	}
	w := doRequest(env, "GET", "/v1/usage", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "u1", resp["user_id"])
	totals := resp["totals"].(map[string]any)
	assert.Contains(t, totals, "api")
	assert.Contains(t, totals, "ai")
}

func TestHandleUsageSummary_InvalidDateFormat(t *testing.T) {
	env := setupTest()
	w := doRequest(env, "GET", "/v1/usage?from=not-a-date", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleClearCache(t *testing.T) {
	env := setupTest()
	env.enricher.cleared = 3
	w := doRequest(env, "DELETE", "/v1/admin/cache", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]float64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(3), resp["removed"])
}

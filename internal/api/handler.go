package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tapfolio/metering/internal/enrich"
	"github.com/tapfolio/metering/internal/ledger"
	"github.com/tapfolio/metering/internal/lookup"
	"github.com/tapfolio/metering/internal/session"
)

// Enricher is the geo-grid orchestrator surface the API needs.
type Enricher interface {
	Enrich(ctx context.Context, coords lookup.Coordinates, userID string, sessionID *string, hints string) *enrich.Result
	ClearCache(ctx context.Context) (int64, error)
}

// StepWriter records step outcomes, best-effort.
type StepWriter interface {
	RecordStep(ctx context.Context, in session.StepInput) error
}

// Finalizer closes sessions and reads them back.
type Finalizer interface {
	Finalize(ctx context.Context, userID, sessionID string) error
	Get(ctx context.Context, userID, sessionID string) (*session.Session, error)
}

type Handler struct {
	enricher   Enricher
	ledger     ledger.Store
	recorder   StepWriter
	aggregator Finalizer
	log        zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewHandler(enricher Enricher, ledgerStore ledger.Store, recorder StepWriter, aggregator Finalizer, log zerolog.Logger, tracer trace.Tracer) *Handler {
	return &Handler{
		enricher:   enricher,
		ledger:     ledgerStore,
		recorder:   recorder,
		aggregator: aggregator,
		log:        log.With().Str("component", "api").Logger(),
		tracer:     tracer,
		now:        time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type enrichRequest struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	SessionID *string `json:"session_id,omitempty"`
	Hints     string  `json:"hints,omitempty"`
}

// HandleEnrich runs the geo-grid enrichment pipeline. Degraded results
// (budget exhausted, provider down) are still 200s: enrichment never
// fails the parent user action.
func (h *Handler) HandleEnrich(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req enrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lng < -180 || req.Lng > 180 {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}

	ctx, span := h.tracer.Start(ctx, "api.enrich")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", GetRequestID(ctx)),
	)

	result := h.enricher.Enrich(ctx, lookup.Coordinates{Lat: req.Lat, Lng: req.Lng}, userID, req.SessionID, req.Hints)
	writeJSON(w, http.StatusOK, result)
}

type recordUsageRequest struct {
	Category    ledger.Category `json:"category"`
	Feature     string          `json:"feature"`
	Provider    string          `json:"provider"`
	CostUSD     float64         `json:"cost_usd"`
	BillableRun bool            `json:"billable_run"`
	SessionID   *string         `json:"session_id,omitempty"`
	Metadata    ledger.Metadata `json:"metadata"`
}

// HandleRecordUsage appends a standalone (or session-audit) usage
// record. Unlike step recording this write is not best-effort: a lost
// record here is a lost cost.
func (h *Handler) HandleRecordUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req recordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec := &ledger.UsageRecord{
		UserID:      userID,
		Category:    req.Category,
		Feature:     req.Feature,
		Provider:    req.Provider,
		CostUSD:     req.CostUSD,
		BillableRun: req.BillableRun,
		SessionID:   req.SessionID,
		Metadata:    req.Metadata,
	}
	if err := h.ledger.RecordUsage(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrInvalidCategory) || errors.Is(err, ledger.ErrNegativeCost) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Str("user_id", userID).Msg("usage write failed")
		writeError(w, http.StatusInternalServerError, "failed to record usage")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// HandleUsageSummary returns current-month totals per category plus the
// raw records in the requested window (default: last 30 days).
func (h *Handler) HandleUsageSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := h.now()
	from := now.AddDate(0, 0, -30)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	month := ledger.MonthOf(now)
	totals := make(map[ledger.Category]*ledger.MonthlyTotals, 2)
	for _, cat := range []ledger.Category{ledger.CategoryAPI, ledger.CategoryAI} {
		t, err := h.ledger.Totals(ctx, userID, cat, month)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		totals[cat] = t
	}

	records, err := h.ledger.UsageByUser(ctx, userID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"month":   month,
		"totals":  totals,
		"records": records,
		"from":    from,
		"to":      to,
	})
}

type recordStepRequest struct {
	StepNumber  int             `json:"step_number"`
	StepLabel   string          `json:"step_label"`
	Feature     string          `json:"feature"`
	Category    ledger.Category `json:"category"`
	Provider    string          `json:"provider"`
	CostUSD     float64         `json:"cost_usd"`
	DurationMs  int64           `json:"duration_ms"`
	BillableRun bool            `json:"billable_run"`
	Metadata    ledger.Metadata `json:"metadata"`
}

// HandleRecordStep appends a step to a session. Fire-and-forget from
// the caller's perspective: a write failure is logged server-side and
// still answers 202. Validation failures are the one synchronous
// rejection.
func (h *Handler) HandleRecordStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	var req recordStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Category.Valid() {
		writeError(w, http.StatusBadRequest, "unknown usage category")
		return
	}
	if req.CostUSD < 0 {
		writeError(w, http.StatusBadRequest, "cost must be non-negative")
		return
	}

	_ = h.recorder.RecordStep(ctx, session.StepInput{
		UserID:      userID,
		SessionID:   &sessionID,
		StepNumber:  req.StepNumber,
		StepLabel:   req.StepLabel,
		Feature:     req.Feature,
		Category:    req.Category,
		Provider:    req.Provider,
		CostUSD:     req.CostUSD,
		DurationMs:  req.DurationMs,
		BillableRun: req.BillableRun,
		Metadata:    req.Metadata,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HandleFinalize closes a session and bills its total. A ledger failure
// here is the one enrichment-adjacent error that must surface: silently
// losing it would mean the cost is never billed.
func (h *Handler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.aggregator.Finalize(ctx, userID, sessionID); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Str("session_id", sessionID).Msg("finalize failed")
		writeError(w, http.StatusInternalServerError, "failed to finalize session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"status":     string(session.StatusFinalized),
	})
}

// HandleGetSession returns a session with its steps.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.aggregator.Get(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleClearCache drops all grid cache entries. Administrative.
func (h *Handler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	removed, err := h.enricher.ClearCache(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

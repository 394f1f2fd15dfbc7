package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

type ingestRequest struct {
	Scope     string             `json:"scope"`
	Metrics   map[string]float64 `json:"metrics"`
	Timestamp *time.Time         `json:"timestamp,omitempty"`
}

type ingestResponse struct {
	Scope      string   `json:"scope"`
	Accepted   int      `json:"accepted"`
	Rejected   []string `json:"rejected,omitempty"`
	Violations int      `json:"violations"`
	Warnings   int      `json:"warnings"`
}

func (g *Gateway) handleIngestSample(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Metrics) == 0 {
		g.writeError(w, http.StatusBadRequest, "metrics are required")
		return
	}

	scope, err := models.ParseScope(req.Scope)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sample := models.MetricSample{Scope: scope, Metrics: req.Metrics}
	if req.Timestamp != nil {
		sample.Timestamp = req.Timestamp.UTC()
	}

	outcome, err := g.ingestor.Ingest(r.Context(), sample)
	if err != nil {
		g.logger.Error("sample ingestion failed",
			zap.String("scope", req.Scope),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to ingest sample")
		return
	}

	g.writeJSON(w, http.StatusAccepted, ingestResponse{
		Scope:      scope.String(),
		Accepted:   len(req.Metrics) - len(outcome.Rejected),
		Rejected:   outcome.Rejected,
		Violations: len(outcome.Violations),
		Warnings:   len(outcome.Warnings),
	})
}

type statusResponse struct {
	Scope        string     `json:"scope"`
	Metric       string     `json:"metric"`
	Status       string     `json:"status"`
	ThrottleRate float64    `json:"throttle_rate"`
	Reason       string     `json:"reason,omitempty"`
	TrippedAt    *time.Time `json:"tripped_at,omitempty"`
}

// handleGetStatus is the admission query: request-handling code calls it
// to decide allow/degrade/block. A scope with no stored state reads
// CLOSED with zero throttle.
func (g *Gateway) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	metric := chi.URLParam(r, "metric")
	if scope == "" || metric == "" {
		g.writeError(w, http.StatusBadRequest, "scope and metric are required")
		return
	}
	if !models.ValidMetricName(metric) {
		g.writeError(w, http.StatusBadRequest, "invalid metric name")
		return
	}

	ctx := r.Context()

	state, err := g.admission.State(ctx, scope, metric)
	if err != nil {
		// Conservative default: an unreadable breaker store must not
		// block traffic.
		g.logger.Error("breaker state unreadable, reporting closed",
			zap.String("scope", scope),
			zap.String("metric", metric),
			zap.Error(err),
		)
		state = models.BreakerState{Scope: scope, Metric: metric, Status: models.StatusClosed}
	}

	rate, err := g.rates.Rate(ctx, scope)
	if err != nil {
		g.logger.Error("throttle rate unreadable, reporting zero",
			zap.String("scope", scope),
			zap.Error(err),
		)
		rate = 0
	}

	g.writeJSON(w, http.StatusOK, statusResponse{
		Scope:        scope,
		Metric:       metric,
		Status:       string(state.Status),
		ThrottleRate: rate,
		Reason:       state.Reason,
		TrippedAt:    state.TrippedAt,
	})
}

type budgetPayload struct {
	Scope          string  `json:"scope"`
	Metric         string  `json:"metric"`
	SoftLimit      float64 `json:"soft_limit"`
	HardMultiplier float64 `json:"hard_multiplier,omitempty"`
	HardLimit      float64 `json:"hard_limit"`
	Window         string  `json:"window"`
}

func (g *Gateway) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")

	budgets, err := g.budgets.ListForScope(r.Context(), scope)
	if err != nil {
		if errors.Is(err, models.ErrConfigurationMissing) {
			g.writeJSON(w, http.StatusOK, map[string]interface{}{
				"scope":   scope,
				"budgets": []budgetPayload{},
			})
			return
		}
		g.logger.Error("budget lookup failed", zap.String("scope", scope), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to load budgets")
		return
	}

	out := make([]budgetPayload, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, budgetPayload{
			Scope:          b.Scope,
			Metric:         b.Metric,
			SoftLimit:      b.SoftLimit,
			HardMultiplier: b.HardMultiplier,
			HardLimit:      b.HardLimit(),
			Window:         string(b.Window),
		})
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":   scope,
		"budgets": out,
	})
}

func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	limit := queryInt(r, "limit", 100)

	events, err := g.audit.ListEvents(r.Context(), scope, limit)
	if err != nil {
		g.logger.Error("audit listing failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (g *Gateway) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	limit := queryInt(r, "limit", 100)

	records, err := g.audit.ListAnomalies(r.Context(), scope, limit)
	if err != nil {
		g.logger.Error("anomaly listing failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list anomalies")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": records,
		"count":     len(records),
	})
}

func (g *Gateway) handleListRollups(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	period := models.PeriodKind(r.URL.Query().Get("period"))
	if period == "" {
		period = models.PeriodDay
	}
	if period != models.PeriodHour && period != models.PeriodDay && period != models.PeriodMonth {
		g.writeError(w, http.StatusBadRequest, "period must be hour, day or month")
		return
	}
	limit := queryInt(r, "limit", 100)

	rollups, err := g.rollups.ListRollups(r.Context(), scope, period, limit)
	if err != nil {
		g.logger.Error("rollup listing failed", zap.String("scope", scope), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list rollups")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":   scope,
		"period":  string(period),
		"rollups": rollups,
		"count":   len(rollups),
	})
}

func (g *Gateway) handleUpsertBudget(w http.ResponseWriter, r *http.Request) {
	var req budgetPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Scope != models.GlobalScopeKey {
		if _, err := models.ParseScope(req.Scope); err != nil {
			// Budgets may also live at project granularity: a single
			// valid segment passes.
			if !models.ValidScopeSegment(req.Scope) {
				g.writeError(w, http.StatusBadRequest, "invalid scope")
				return
			}
		}
	}

	budget := models.Budget{
		Scope:          req.Scope,
		Metric:         req.Metric,
		SoftLimit:      req.SoftLimit,
		HardMultiplier: req.HardMultiplier,
		Window:         models.WindowKind(req.Window),
	}

	if err := g.budgets.Upsert(r.Context(), budget); err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			g.writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		g.logger.Error("budget upsert failed", zap.String("scope", req.Scope), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to store budget")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (g *Gateway) handleDeleteBudget(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	metric := chi.URLParam(r, "metric")

	if err := g.budgets.Delete(r.Context(), scope, metric); err != nil {
		g.logger.Error("budget delete failed", zap.String("scope", scope), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to delete budget")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (g *Gateway) handleInvalidateBudget(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	g.budgets.Invalidate(scope)
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

type runRollupRequest struct {
	Period string `json:"period"`
	Date   string `json:"date,omitempty"` // RFC 3339; defaults to now
}

func (g *Gateway) handleRunRollup(w http.ResponseWriter, r *http.Request) {
	var req runRollupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	period := models.PeriodKind(req.Period)
	if period != models.PeriodHour && period != models.PeriodDay && period != models.PeriodMonth {
		g.writeError(w, http.StatusBadRequest, "period must be hour, day or month")
		return
	}

	date := time.Now().UTC()
	if req.Date != "" {
		parsed, err := time.Parse(time.RFC3339, req.Date)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "date must be RFC 3339")
			return
		}
		date = parsed
	}

	written, err := g.rollups.Run(r.Context(), period, date)
	if err != nil {
		g.logger.Error("manual rollup failed", zap.String("period", req.Period), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "rollup failed")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "completed",
		"rows_written": written,
	})
}

func (g *Gateway) handleRunMonthlyPass(w http.ResponseWriter, r *http.Request) {
	outcome, err := g.monthly.Run(r.Context())
	if err != nil {
		g.logger.Error("manual monthly pass failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "monthly pass failed")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "completed",
		"violations": len(outcome.Violations),
		"warnings":   len(outcome.Warnings),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

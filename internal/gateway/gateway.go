package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/usageguard/governor/internal/enforcement"
	"github.com/usageguard/governor/pkg/cache"
	"github.com/usageguard/governor/pkg/database"
	"github.com/usageguard/governor/pkg/metrics"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

// Ingestor is the sample fast path.
type Ingestor interface {
	Ingest(ctx context.Context, sample models.MetricSample) (enforcement.Outcome, error)
}

// AdmissionSource reads breaker state.
type AdmissionSource interface {
	State(ctx context.Context, scope, metric string) (models.BreakerState, error)
}

// RateSource reads the published throttle rate.
type RateSource interface {
	Rate(ctx context.Context, scope string) (float64, error)
}

// AuditReader serves the append-only governance history.
type AuditReader interface {
	ListEvents(ctx context.Context, scope string, limit int) ([]models.AuditEvent, error)
	ListAnomalies(ctx context.Context, scope string, limit int) ([]models.AnomalyRecord, error)
}

// RollupSource runs and reads period rollups.
type RollupSource interface {
	Run(ctx context.Context, period models.PeriodKind, date time.Time) (int, error)
	ListRollups(ctx context.Context, scope string, period models.PeriodKind, limit int) ([]models.PeriodRollup, error)
}

// MonthlyRunner triggers the monthly budget pass.
type MonthlyRunner interface {
	Run(ctx context.Context) (enforcement.Outcome, error)
}

// BudgetAdmin manages budget configuration.
type BudgetAdmin interface {
	ListForScope(ctx context.Context, scope string) ([]models.Budget, error)
	Upsert(ctx context.Context, budget models.Budget) error
	Delete(ctx context.Context, scope, metric string) error
	Invalidate(scope string)
}

// Gateway is the HTTP surface of the governance engine.
type Gateway struct {
	db     *database.Database
	cache  *cache.Cache
	logger *zap.Logger
	router *chi.Mux

	ingestor  Ingestor
	admission AdmissionSource
	rates     RateSource
	audit     AuditReader
	rollups   RollupSource
	monthly   MonthlyRunner
	budgets   BudgetAdmin

	adminToken  string
	metricsPath string
}

// NewGateway wires the HTTP API.
func NewGateway(
	db *database.Database,
	c *cache.Cache,
	logger *zap.Logger,
	ingestor Ingestor,
	admission AdmissionSource,
	rates RateSource,
	audit AuditReader,
	rollups RollupSource,
	monthly MonthlyRunner,
	budgets BudgetAdmin,
	adminToken, metricsPath string,
) *Gateway {
	g := &Gateway{
		db:          db,
		cache:       c,
		logger:      logger,
		router:      chi.NewRouter(),
		ingestor:    ingestor,
		admission:   admission,
		rates:       rates,
		audit:       audit,
		rollups:     rollups,
		monthly:     monthly,
		budgets:     budgets,
		adminToken:  adminToken,
		metricsPath: metricsPath,
	}

	g.setupRoutes()
	return g
}

// Router returns the configured handler.
func (g *Gateway) Router() http.Handler { return g.router }

func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(30 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		MaxAge:         300,
	}))

	path := g.metricsPath
	if path == "" {
		path = "/metrics"
	}
	g.router.Handle(path, promhttp.Handler())

	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	g.router.Group(func(r chi.Router) {
		r.Post("/v1/samples", g.handleIngestSample)
		r.Get("/v1/status/{scope}/{metric}", g.handleGetStatus)
		r.Get("/v1/budgets/{scope}", g.handleListBudgets)
		r.Get("/v1/audit", g.handleListAudit)
		r.Get("/v1/anomalies", g.handleListAnomalies)
		r.Get("/v1/rollups/{scope}", g.handleListRollups)
	})

	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Put("/admin/budgets", g.handleUpsertBudget)
		r.Delete("/admin/budgets/{scope}/{metric}", g.handleDeleteBudget)
		r.Post("/admin/budgets/{scope}/invalidate", g.handleInvalidateBudget)

		r.Post("/admin/rollups/run", g.handleRunRollup)
		r.Post("/admin/monthly-pass/run", g.handleRunMonthlyPass)
	})
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveRequest(route, r.Method, ww.Status(), time.Since(start))
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			g.writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}

		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.adminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if g.db != nil {
		if err := g.db.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "database not ready")
			return
		}
	}
	if g.cache != nil {
		if err := g.cache.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "cache not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
		},
	})
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/scheduling-rule-engine/internal/evaluator"
	"github.com/hackgods/scheduling-rule-engine/internal/logger"
	"github.com/hackgods/scheduling-rule-engine/internal/pattern"
	"github.com/hackgods/scheduling-rule-engine/internal/policy"
)

type PolicyCompiler interface {
	Compile(ctx context.Context, clinicID string, target policy.Status, compiledBy string) (*policy.Snapshot, error)
	Activate(ctx context.Context, clinicID string, version int) (bool, error)
	ListVersions(ctx context.Context, clinicID string) ([]policy.SnapshotSummary, error)
}

type PolicyCache interface {
	Get(ctx context.Context, clinicID string, version int, checkFreshness bool) (*policy.Snapshot, bool, error)
	Stats() policy.CacheStats
}

type SlotEvaluator interface {
	EvaluateSlot(ctx context.Context, evalCtx evaluator.Context, slot evaluator.Slot) (evaluator.Result, error)
	EvaluateSlots(ctx context.Context, evalCtx evaluator.Context, slots []evaluator.Slot) ([]evaluator.Result, error)
	Stats() evaluator.Stats
	ResetStats()
}

type PatternService interface {
	FindPatternSlots(ctx context.Context, patternID string, evalCtx evaluator.Context, start, end time.Time, maxResults int) ([]pattern.SlotSet, error)
	ReserveSlotSet(ctx context.Context, set pattern.SlotSet, patientID string, holdDuration time.Duration, clientHoldID string) (*pattern.Reservation, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*pattern.Reservation, error)
	ConfirmReservation(ctx context.Context, id uuid.UUID) (*pattern.Reservation, error)
	CancelReservation(ctx context.Context, id uuid.UUID, reason string) (*pattern.Reservation, error)
}

type RouterConfig struct {
	Compiler  PolicyCompiler
	Cache     PolicyCache
	Evaluator SlotEvaluator
	Patterns  PatternService

	Postgres Pinger
	Redis    *redis.Client
	Gatherer prometheus.Gatherer
	Logger   *logger.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/policies/{clinicID}", func(r chi.Router) {
		r.Post("/compile", compilePolicyHandler(cfg.Compiler))
		r.Post("/activate/{version}", activatePolicyHandler(cfg.Compiler))
		r.Get("/active", activePolicyHandler(cfg.Cache))
		r.Get("/versions", listVersionsHandler(cfg.Compiler))
	})
	r.Get("/cache/stats", cacheStatsHandler(cfg.Cache))

	r.Post("/evaluate", evaluateHandler(cfg.Evaluator))
	r.Post("/evaluate/batch", evaluateBatchHandler(cfg.Evaluator))
	r.Get("/evaluate/stats", evaluatorStatsHandler(cfg.Evaluator))
	r.Delete("/evaluate/stats", resetEvaluatorStatsHandler(cfg.Evaluator))

	r.Post("/patterns/{patternID}/search", searchPatternHandler(cfg.Patterns))
	r.Post("/reservations", reserveHandler(cfg.Patterns))
	r.Get("/reservations/{id}", getReservationHandler(cfg.Patterns))
	r.Post("/reservations/{id}/confirm", confirmReservationHandler(cfg.Patterns))
	r.Post("/reservations/{id}/cancel", cancelReservationHandler(cfg.Patterns))

	return r
}

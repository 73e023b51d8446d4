package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hackgods/scheduling-rule-engine/internal/api"
	"github.com/hackgods/scheduling-rule-engine/internal/config"
	"github.com/hackgods/scheduling-rule-engine/internal/db"
	"github.com/hackgods/scheduling-rule-engine/internal/evaluator"
	"github.com/hackgods/scheduling-rule-engine/internal/logger"
	"github.com/hackgods/scheduling-rule-engine/internal/metrics"
	"github.com/hackgods/scheduling-rule-engine/internal/pattern"
	"github.com/hackgods/scheduling-rule-engine/internal/policy"
	redisclient "github.com/hackgods/scheduling-rule-engine/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("api-server starting up", "env", cfg.Env, "http_port", cfg.HTTPPort, "version", version)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", "error", err)
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal("redis connection error", "error", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", "error", err)
		}
	}()
	log.Info("connected to Redis")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL)

	policyRepo := policy.NewPgRepository(pgPool)
	cache, err := policy.NewCache(policyRepo, rdb, policy.CacheOptions{
		Size:            cfg.PolicyCacheSize,
		TTL:             cfg.PolicyCacheTTL,
		SyncStaleAfter:  cfg.SyncStaleAfter,
		WarmConcurrency: cfg.WarmConcurrency,
	}, log.With("component", "policy_cache"), m)
	if err != nil {
		log.Fatal("policy cache init error", "error", err)
	}
	compiler := policy.NewCompiler(policyRepo, locker, cache, log.With("component", "compiler"), m)

	eval := evaluator.New(
		cache,
		evaluator.NewPgFacts(pgPool),
		evaluator.NewPgRecorder(pgPool),
		cfg.EvalBudget,
		log.With("component", "evaluator"),
		m,
	)

	patterns := pattern.NewService(
		pattern.NewPgRepository(pgPool),
		pattern.NewPgSlotSource(pgPool),
		eval,
		cache,
		locker,
		pattern.Options{HoldTTL: cfg.HoldTTL, SearchBudget: cfg.SearchBudget},
		log.With("component", "patterns"),
		m,
	)

	warmCache(rootCtx, log, policyRepo, cache)

	handler := api.NewRouter(api.RouterConfig{
		Compiler:  compiler,
		Cache:     cache,
		Evaluator: eval,
		Patterns:  patterns,
		Postgres:  pgPool,
		Redis:     rdb,
		Gatherer:  reg,
		Logger:    log,
		Env:       cfg.Env,
		Version:   version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server error", "error", err)
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
	}
}

func warmCache(ctx context.Context, log *logger.Logger, repo *policy.PgRepository, cache *policy.Cache) {
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clinics, err := repo.ClinicIDs(warmCtx)
	if err != nil {
		log.Warn("skipping policy cache warm", "error", err)
		return
	}

	// Warm logs its own report.
	cache.Warm(warmCtx, clinics)
}

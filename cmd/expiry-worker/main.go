package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/scheduling-rule-engine/internal/config"
	"github.com/hackgods/scheduling-rule-engine/internal/db"
	"github.com/hackgods/scheduling-rule-engine/internal/logger"
	"github.com/hackgods/scheduling-rule-engine/internal/pattern"
)

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

	log.Info("expiry-worker starting up", "env", cfg.Env, "interval", cfg.WorkerInterval)

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

	// The sweep only touches Postgres; search and locking stay unset.
	svc := pattern.NewService(
		pattern.NewPgRepository(pgPool),
		nil,
		nil,
		nil,
		nil,
		pattern.Options{HoldTTL: cfg.HoldTTL},
		log.With("component", "expiry_worker"),
		nil,
	)

	// Run once at startup
	runOnce(rootCtx, log, svc)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, log, svc)
		}
	}
}

func runOnce(ctx context.Context, log *logger.Logger, svc *pattern.Service) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	result, err := svc.CleanupExpiredHolds(runCtx)
	if err != nil {
		log.Error("expiry run error", "error", err)
		return
	}
	log.Info("expiry run complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"reservations", result.ExpiredReservations,
		"holds", result.ExpiredHolds,
	)
}

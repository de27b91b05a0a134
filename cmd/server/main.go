package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"

	"github.com/zteffi86/permia/internal/audit"
	"github.com/zteffi86/permia/internal/blob"
	"github.com/zteffi86/permia/internal/evidence/handler"
	"github.com/zteffi86/permia/internal/evidence/service"
	evidencestore "github.com/zteffi86/permia/internal/evidence/store"
	"github.com/zteffi86/permia/internal/idempotency"
	"github.com/zteffi86/permia/internal/jwttoken"
	"github.com/zteffi86/permia/internal/platform/config"
	"github.com/zteffi86/permia/internal/platform/httpserver"
	"github.com/zteffi86/permia/internal/platform/logger"
	"github.com/zteffi86/permia/internal/platform/metrics"
	"github.com/zteffi86/permia/internal/platform/middleware"
	platformpg "github.com/zteffi86/permia/internal/platform/postgres"
	platformredis "github.com/zteffi86/permia/internal/platform/redis"
	"github.com/zteffi86/permia/internal/ratelimit"
)

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)
	ctx := context.Background()

	// Storage backends degrade gracefully: without a database URL the
	// server runs fully in memory, which suits local development only.
	var db *sql.DB
	var recordStore evidencestore.Store = evidencestore.NewInMemoryStore()
	var auditStore audit.Store = audit.NewInMemoryStore()
	var idemStore idempotency.Store = idempotency.NewInMemoryStore()

	if cfg.DatabaseURL != "" {
		var err error
		db, err = platformpg.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("database connection failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := platformpg.Migrate(ctx, db); err != nil {
			log.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
		recordStore = evidencestore.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		idemStore = idempotency.NewPostgresStore(db)
	} else {
		log.Warn("no database configured, running with in-memory stores")
	}

	// Redis, when configured, takes over the idempotency cache: entry
	// expiry rides on key TTLs and multi-instance deployments share it.
	redisClient, err := platformredis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		idemStore = idempotency.NewRedisStore(redisClient.Client)
	}

	blobStore, err := blob.NewFilesystemStore(cfg.BlobRoot)
	if err != nil {
		log.Error("blob store init failed", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	recorder := audit.NewRecorder(auditStore)
	svc := service.New(service.Config{
		Thresholds:     cfg.Thresholds,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}, recordStore, blobStore, idemStore, recorder, db, log)
	h := handler.New(svc, recorder, m, log)

	router := chi.NewRouter()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Correlation)
	router.Use(middleware.RequestLogger(log))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", metrics.Handler())

	router.Group(func(r chi.Router) {
		if cfg.AuthRequired {
			jwtSvc := jwttoken.NewService(cfg.JWTSigningKey, cfg.JWTIssuer)
			r.Use(middleware.RequireAuth(jwtSvc, log))
		} else {
			r.Use(middleware.StaticIdentity(middleware.Identity{
				TenantID: "default",
				ActorID:  "anonymous",
			}))
		}
		if cfg.UploadRateLimit > 0 {
			var rlStore ratelimit.Store = ratelimit.NewInMemoryStore()
			if redisClient != nil {
				rlStore = ratelimit.NewRedisStore(redisClient.Client)
			}
			r.Use(ratelimit.Middleware(rlStore, cfg.UploadRateLimit, cfg.RateLimitWindow, log))
		}
		h.Routes(r)
	})

	// Background sweep keeps the idempotency table from growing without
	// bound. Redis self-expires, so its sweep is a no-op.
	sweeper := idempotency.NewSweeper(idemStore, recorder, log)
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, func() {
		removed, err := sweeper.Sweep(context.Background(), time.Now().UTC())
		if err != nil {
			log.Error("idempotency sweep failed", "error", err)
			return
		}
		m.IdempotencySwept.Add(float64(removed))
	}); err != nil {
		log.Error("invalid sweep schedule", "schedule", cfg.SweepSchedule, "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := httpserver.New(cfg.Addr, router)
	go func() {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

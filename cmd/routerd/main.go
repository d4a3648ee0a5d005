package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/prism-router/internal/budget"
	"github.com/af-corp/prism-router/internal/config"
	"github.com/af-corp/prism-router/internal/provider"
	"github.com/af-corp/prism-router/internal/ratelimit"
	"github.com/af-corp/prism-router/internal/routing"
	"github.com/af-corp/prism-router/internal/service"
	"github.com/af-corp/prism-router/internal/telemetry"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/router.yaml", "path to the router configuration file")
	addr := flag.String("addr", ":8080", "listen address for the routing API")
	metricsAddr := flag.String("metrics-addr", ":9090", "listen address for /metrics")
	dbURL := flag.String("db-url", os.Getenv("DATABASE_URL"), "postgres URL for the transaction ledger (empty = in-memory)")
	redisAddr := flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "redis address for rate limiting and spend mirroring (empty = disabled)")
	rpm := flag.Int("rpm", 120, "per-IP requests per minute on the routing API")
	initConfig := flag.Bool("init", false, "write a default configuration if none exists, then continue")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if *initConfig {
		written, err := config.WriteDefault(*configPath)
		if err != nil {
			logger.Error("failed to write default configuration", "error", err)
			os.Exit(1)
		}
		if written {
			logger.Info("default configuration written", "path", *configPath)
		}
	}

	// Load configuration
	loader := config.NewLoader(*configPath, logger)
	if _, err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	metrics := telemetry.NewMetrics()

	// Provider registry for the active profile, rebuilt on reload
	registry := provider.BuildFromProfile(loader.Config().Active())
	loader.OnReload(func(cfg *config.RouterConfig) {
		registry.Replace(provider.BuildFromProfile(cfg.Active()))
		metrics.RecordConfigReload()
		logger.Info("provider registry rebuilt", "profile", cfg.ActiveProfile)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	// Transaction ledger: Postgres when configured, in-memory otherwise
	var store budget.Store = budget.NewMemoryStore()
	if *dbURL != "" {
		dbPool, err := pgxpool.New(context.Background(), *dbURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()
		if err := dbPool.Ping(context.Background()); err != nil {
			logger.Warn("database not reachable (falling back to in-memory ledger)", "error", err)
		} else {
			logger.Info("database connected")
			store = budget.NewPostgresStore(dbPool)
		}
	} else {
		logger.Warn("no database configured, transaction ledger is in-memory only")
	}

	// Redis is optional: rate limiting and spend mirroring fail open without it
	var rdb *redis.Client
	if *redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (rate limiting disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	budgetManager := budget.NewManager(store, rdb, logger)
	handler := service.NewHandler(
		func() *config.RouterConfig { return loader.Config() },
		func() routing.Directory { return registry },
		budgetManager,
		metrics,
	)

	limiter := ratelimit.NewLimiter(rdb)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Get("/prism/v1/health", healthHandler)

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(limiter, *rpm))
		r.Post("/v1/route", handler.Route)
		r.Post("/v1/route/simulate", handler.Simulate)
		r.Post("/v1/estimate", handler.Estimate)
		r.Get("/v1/models", handler.Models)
		r.Post("/v1/transactions", handler.RecordTransaction)
		r.Delete("/v1/transactions", handler.CleanupTransactions)
		r.Get("/v1/budget/usage", handler.BudgetUsage)
		r.Get("/v1/budget/warnings", handler.BudgetWarnings)
		r.Get("/v1/budget/stats", handler.BudgetStats)
		r.Get("/v1/budget/export", handler.BudgetExport)
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics listening", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Error("metrics server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("router starting", "addr", *addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("router stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type contextKey string

const requestIDKey contextKey = "request_id"

func generateRequestID() string {
	now := time.Now()
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", now.UnixMilli(), hex.EncodeToString(b))
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package server wires the fieldsync service, its PostgreSQL pool and the HTTP routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/config"
)

// Components holds the initialized server components.
type Components struct {
	Pool        *pgxpool.Pool
	SyncService *fieldsync.SyncService
	JWTAuth     *fieldsync.JWTAuth
	Handler     http.Handler
	Logger      *slog.Logger
}

// Setup opens the pool, verifies connectivity, initializes the schema and builds the router.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := OpenPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	svc, err := fieldsync.NewSyncService(pool, cfg.ServiceConfig(), logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	jwtAuth := fieldsync.NewJWTAuth(cfg.Auth.JWTSecret)

	return &Components{
		Pool:        pool,
		SyncService: svc,
		JWTAuth:     jwtAuth,
		Handler:     NewHandler(svc, jwtAuth, logger),
		Logger:      logger,
	}, nil
}

// OpenPool creates a pgx pool from the database section and pings it.
func OpenPool(ctx context.Context, db config.Database) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(db.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if db.MaxConns > 0 {
		poolConfig.MaxConns = db.MaxConns
	}
	if db.MinConns > 0 {
		poolConfig.MinConns = db.MinConns
	}
	if db.MaxConnLifetime.Duration > 0 {
		poolConfig.MaxConnLifetime = db.MaxConnLifetime.Duration
	}
	if db.MaxConnIdleTime.Duration > 0 {
		poolConfig.MaxConnIdleTime = db.MaxConnIdleTime.Duration
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewHandler builds the router. Everything under /sync/ requires a bearer token;
// GET /health is a liveness probe and is not authenticated.
func NewHandler(backend fieldsync.SyncBackend, jwtAuth *fieldsync.JWTAuth, logger *slog.Logger) http.Handler {
	h := fieldsync.NewHTTPSyncHandlers(backend, jwtAuth, logger)

	syncMux := http.NewServeMux()
	syncMux.HandleFunc("POST /sync/batch", h.HandleBatch)
	syncMux.HandleFunc("GET /sync/changes", h.HandleChanges)
	syncMux.HandleFunc("GET /sync/health", h.HandleHealth)
	syncMux.HandleFunc("GET /sync/conflicts", h.HandleListConflicts)
	syncMux.HandleFunc("POST /sync/conflicts/resolve", h.HandleResolveConflict)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleLiveness)
	mux.Handle("/sync/", jwtAuth.Middleware(syncMux))
	return requestLogger(logger, mux)
}

func handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// Close releases the service and the pool.
func (c *Components) Close() {
	if c.SyncService != nil {
		_ = c.SyncService.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// Serve runs an HTTP server on cfg.Addr until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, cfg config.Server, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
		IdleTimeout:  cfg.IdleTimeout.Duration,
	}
	timeout := cfg.ShutdownTimeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		logger.Info("Server exited")
		return nil
	})
	return g.Wait()
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrServiceClosed is returned by calls made after Close.
var ErrServiceClosed = errors.New("sync service has been closed")

// SyncService is the server half of the sync protocol: Batch Apply, Delta Change Feed,
// health counts and the conflict log, all against an explicitly supplied pool.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName string // Application name for connection tracking

	MaxBatchSize     int           // Maximum operations per batch (0 = unlimited)
	MaxTxRetries     int           // Retries per operation on serialization/deadlock errors
	FeedSafetyLag    time.Duration // serverTime = now - lag; bounds the commit latency the feed tolerates
	DefaultPageLimit int           // Delta feed page size when the client sends none
	MaxPageLimit     int           // Upper bound for the client-supplied page size

	StageMetrics    StageMetricsRecorder // Optional stage timing hook
	LogStageTimings bool                 // Log stage timings at debug level
}

// DefaultServiceConfig returns the configuration used when none is supplied.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		AppName:          "fieldsync",
		MaxBatchSize:     500,
		MaxTxRetries:     3,
		FeedSafetyLag:    2 * time.Second,
		DefaultPageLimit: 500,
		MaxPageLimit:     2000,
	}
}

func (c *ServiceConfig) normalize() {
	if c.AppName == "" {
		c.AppName = "fieldsync"
	}
	if c.MaxTxRetries <= 0 {
		c.MaxTxRetries = 3
	}
	if c.FeedSafetyLag < 0 {
		c.FeedSafetyLag = 0
	}
	if c.MaxPageLimit <= 0 {
		c.MaxPageLimit = 2000
	}
	if c.DefaultPageLimit <= 0 || c.DefaultPageLimit > c.MaxPageLimit {
		c.DefaultPageLimit = min(500, c.MaxPageLimit)
	}
}

// NewSyncService creates the service and makes sure its schema exists.
// The caller owns the pool; Close does not close it.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	s := newSyncService(pool, config, logger)
	if err := InitializeSchema(context.Background(), pool); err != nil {
		s.logger.Error("Failed to initialize database schema", "error", err)
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}
	s.logger.Debug("Database schema initialized successfully")
	return s, nil
}

// newSyncService builds the service without touching the database.
func newSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) *SyncService {
	if config == nil {
		config = DefaultServiceConfig()
	} else {
		c := *config
		config = &c
	}
	config.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{pool: pool, logger: logger, config: config}
}

// Close marks the service closed. Safe to call multiple times.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

// Config returns a copy of the effective configuration.
func (s *SyncService) Config() ServiceConfig {
	return *s.config
}

// Pool returns the underlying database connection pool
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

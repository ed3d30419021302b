// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldlite is the device half of fieldsync: a SQLite-backed local store and
// mutation queue, a single-flight sync driver and a connectivity monitor.
package fieldlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Errors returned by the local store and the driver
var (
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrNotFound         = errors.New("local record not found")
	ErrRecordDeleted    = errors.New("local record is deleted")
	ErrRecordInConflict = errors.New("local record is in conflict")
	ErrDuplicateLocalID = errors.New("local id already queued")
	ErrNotResolvable    = errors.New("operation is not awaiting resolution")
	ErrAlreadySubmitted = errors.New("operation already submitted")
)

// Client owns the local SQLite store and drives synchronization with the server.
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    func(context.Context) (string, error) // returns JWT
	SourceID string
	UserID   string
	HTTP     *http.Client
	config   *Config
	logger   *slog.Logger
	writeMu  sync.Mutex // Serializes queue and record mutations (UI enqueue vs. driver reconcile)

	runMu sync.Mutex   // Guards Idle transitions together with rerun
	state atomic.Int32 // DriverState
	rerun atomic.Bool  // Trigger arrived while a run was in flight
	now   func() time.Time
}

// Config holds configuration for the device client
type Config struct {
	MaxBatchSize   int           // Operations per POST /sync/batch
	RequestTimeout time.Duration // Bound on each network call
	MaxRetries     int           // Failed attempts before an operation is poisoned
	PullLimit      int           // Page size for GET /sync/changes
	PullInterval   time.Duration // Periodic pull in Run (0 = triggers only)
	BackoffMin     time.Duration // Retry delay after a transport failure
	BackoffMax     time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxBatchSize:   200,
		RequestTimeout: 30 * time.Second,
		MaxRetries:     5,
		PullLimit:      500,
		PullInterval:   5 * time.Minute,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
	}
}

// OpenDB opens a SQLite database file with WAL journaling and a busy timeout.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}

// NewClient initializes the local schema and returns a client. A nil config uses DefaultConfig
// and a nil logger uses slog.Default.
func NewClient(db *sql.DB, baseURL, userID, sourceID string, tok func(ctx context.Context) (string, error), config *Config, logger *slog.Logger) (*Client, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if sourceID == "" {
		return nil, fmt.Errorf("source id must be provided")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Client{
		DB:       db,
		BaseURL:  baseURL,
		Token:    tok,
		SourceID: sourceID,
		UserID:   userID,
		HTTP:     &http.Client{Timeout: 2 * config.RequestTimeout},
		config:   config,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// EnsureSourceID returns the persisted device id, generating one on first use.
func EnsureSourceID(db *sql.DB) (string, error) {
	if err := initializeDatabase(db); err != nil {
		return "", err
	}
	sourceID, ok, err := getMeta(db, metaSourceID)
	if err != nil {
		return "", fmt.Errorf("failed to query source id: %w", err)
	}
	if ok {
		return sourceID, nil
	}
	sourceID = uuid.NewString()
	if _, err := db.Exec(`INSERT OR IGNORE INTO _sync_meta (key, value) VALUES (?, ?)`, metaSourceID, sourceID); err != nil {
		return "", fmt.Errorf("failed to store source id: %w", err)
	}
	// Another process may have won the insert
	sourceID, _, err = getMeta(db, metaSourceID)
	return sourceID, err
}

const (
	metaSourceID  = "source_id"
	metaWatermark = "watermark"
)

func initializeDatabase(db *sql.DB) error {
	stmts := []string{
		// Cached work orders. record holds the JSON entity; the columns are the sync-relevant index.
		`CREATE TABLE IF NOT EXISTS work_orders (
			local_id          TEXT    PRIMARY KEY,
			server_id         INTEGER UNIQUE,
			record            TEXT    NOT NULL,
			version           INTEGER NOT NULL DEFAULT 0,
			sync_status       TEXT    NOT NULL DEFAULT 'pending'
			                  CHECK (sync_status IN ('pending','synced','conflict','deleted')),
			last_sync_at      INTEGER,              -- unix nanos of the last server acknowledgment
			conflict_snapshot TEXT,                 -- authoritative server record awaiting review
			updated_at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS work_orders_sync_idx ON work_orders(sync_status, last_sync_at)`,

		// Mutation queue, at most one row per local record (coalesced)
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			seq                INTEGER PRIMARY KEY AUTOINCREMENT,
			local_id           TEXT    NOT NULL,
			entity_type        TEXT    NOT NULL,
			op_id              TEXT    NOT NULL,
			operation          TEXT    NOT NULL CHECK (operation IN ('create','update','delete')),
			payload            TEXT,                -- JSON patch (NULL when nothing to carry)
			client_version     INTEGER,
			revision           INTEGER NOT NULL DEFAULT 1,
			submitted_revision INTEGER NOT NULL DEFAULT 0,
			state              TEXT    NOT NULL DEFAULT 'ready' CHECK (state IN ('ready','conflict','poisoned')),
			retry_count        INTEGER NOT NULL DEFAULT 0,
			last_error         TEXT,
			created_at         INTEGER NOT NULL,
			UNIQUE (entity_type, local_id)
		)`,
		`CREATE INDEX IF NOT EXISTS _sync_queue_fifo_idx ON _sync_queue(state, created_at, seq)`,

		`CREATE TABLE IF NOT EXISTS _sync_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getMeta(db *sql.DB, key string) (string, bool, error) {
	return getMetaCtx(context.Background(), db, key)
}

func getMetaCtx(ctx context.Context, q queryer, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM _sync_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func setMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// withTx runs fn in a write transaction under writeMu.
func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads fieldsync server configuration from an optional TOML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Duration is a time.Duration written as a string ("30s", "5m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Server holds HTTP listener settings.
type Server struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// Database holds PostgreSQL pool settings.
type Database struct {
	URL             string   `toml:"url"`
	MaxConns        int32    `toml:"max_conns"`
	MinConns        int32    `toml:"min_conns"`
	MaxConnLifetime Duration `toml:"max_conn_lifetime"`
	MaxConnIdleTime Duration `toml:"max_conn_idle_time"`
}

// Auth holds JWT settings.
type Auth struct {
	JWTSecret string   `toml:"jwt_secret"`
	TokenTTL  Duration `toml:"token_ttl"` // Lifetime of tokens issued by the token command
}

// Sync mirrors fieldsync.ServiceConfig.
type Sync struct {
	AppName          string   `toml:"app_name"`
	MaxBatchSize     int      `toml:"max_batch_size"`
	MaxTxRetries     int      `toml:"max_tx_retries"`
	FeedSafetyLag    Duration `toml:"feed_safety_lag"`
	DefaultPageLimit int      `toml:"default_page_limit"`
	MaxPageLimit     int      `toml:"max_page_limit"`
	LogStageTimings  bool     `toml:"log_stage_timings"`
}

// Log selects the slog handler.
type Log struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json, text
}

// Config is the complete server configuration.
type Config struct {
	Server   Server   `toml:"server"`
	Database Database `toml:"database"`
	Auth     Auth     `toml:"auth"`
	Sync     Sync     `toml:"sync"`
	Log      Log      `toml:"log"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	svc := fieldsync.DefaultServiceConfig()
	return &Config{
		Server: Server{
			Addr:            ":8080",
			ReadTimeout:     Duration{120 * time.Second},
			WriteTimeout:    Duration{120 * time.Second},
			IdleTimeout:     Duration{60 * time.Second},
			ShutdownTimeout: Duration{30 * time.Second},
		},
		Database: Database{
			MaxConns:        50,
			MinConns:        5,
			MaxConnLifetime: Duration{time.Hour},
			MaxConnIdleTime: Duration{30 * time.Minute},
		},
		Auth: Auth{TokenTTL: Duration{24 * time.Hour}},
		Sync: Sync{
			AppName:          "fieldsync",
			MaxBatchSize:     svc.MaxBatchSize,
			MaxTxRetries:     svc.MaxTxRetries,
			FeedSafetyLag:    Duration{svc.FeedSafetyLag},
			DefaultPageLimit: svc.DefaultPageLimit,
			MaxPageLimit:     svc.MaxPageLimit,
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// Load reads the configuration and validates it for serving.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read decodes path over the defaults (an empty path skips the file) and applies the
// DATABASE_URL, JWT_SECRET and PORT environment overrides. It does not validate.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.Decode(f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// Decode merges TOML from r into c. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(c)
}

// ApplyEnv overrides file values with the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.URL = v
	}
	if v, ok := lookup("JWT_SECRET"); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Addr = ":" + strings.TrimPrefix(v, ":")
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url (or DATABASE_URL) is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret (or JWT_SECRET) is required"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	} else if i := strings.LastIndex(c.Server.Addr, ":"); i >= 0 {
		if port, err := strconv.Atoi(c.Server.Addr[i+1:]); err != nil || port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("server.addr has an invalid port: %q", c.Server.Addr))
		}
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, errors.New("database.max_conns must be positive"))
	}
	if c.Sync.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("sync.max_batch_size must be positive"))
	}
	if c.Sync.DefaultPageLimit <= 0 || c.Sync.MaxPageLimit <= 0 {
		errs = append(errs, errors.New("sync page limits must be positive"))
	}
	if c.Sync.FeedSafetyLag.Duration < 0 {
		errs = append(errs, errors.New("sync.feed_safety_lag cannot be negative"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ServiceConfig converts the sync section.
func (c *Config) ServiceConfig() *fieldsync.ServiceConfig {
	return &fieldsync.ServiceConfig{
		AppName:          c.Sync.AppName,
		MaxBatchSize:     c.Sync.MaxBatchSize,
		MaxTxRetries:     c.Sync.MaxTxRetries,
		FeedSafetyLag:    c.Sync.FeedSafetyLag.Duration,
		DefaultPageLimit: c.Sync.DefaultPageLimit,
		MaxPageLimit:     c.Sync.MaxPageLimit,
		LogStageTimings:  c.Sync.LogStageTimings,
	}
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the slog logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := c.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli holds the cobra command trees of the fieldsync-server and fieldsync-device binaries.
package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/config"
	"github.com/mobiletoly/go-fieldsync/internal/server"
)

// ServerOptions holds global flags of the server binary.
type ServerOptions struct {
	ConfigPath string
}

// NewServerCommand creates the root command of fieldsync-server.
func NewServerCommand() *cobra.Command {
	opts := &ServerOptions{}

	cmd := &cobra.Command{
		Use:          "fieldsync-server",
		Short:        "Authoritative work order sync server",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("FIELDSYNC_CONFIG"),
		"path to a TOML config file (env FIELDSYNC_CONFIG)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	return cmd
}

// NewServeCommand runs the HTTP API until SIGINT or SIGTERM.
func NewServeCommand(opts *ServerOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			logger := cfg.NewLogger(cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			components, err := server.Setup(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			defer components.Close()

			return server.Serve(ctx, cfg.Server, components.Handler, logger)
		},
	}
}

// NewMigrateCommand creates the database schema and exits.
func NewMigrateCommand(opts *ServerOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the fieldsync schema if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(opts.ConfigPath)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("database.url (or DATABASE_URL) is required")
			}
			pool, err := server.OpenPool(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := fieldsync.InitializeSchema(cmd.Context(), pool); err != nil {
				return fmt.Errorf("initialize schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

type tokenOptions struct {
	user   string
	device string
	role   string
	teams  []string
	ttl    time.Duration
}

var validRoles = []fieldsync.Role{fieldsync.RoleAdmin, fieldsync.RoleSupervisor, fieldsync.RoleTechnician}

// NewTokenCommand issues a signed JWT for a user and device.
func NewTokenCommand(opts *ServerOptions) *cobra.Command {
	topts := &tokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(opts.ConfigPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret (or JWT_SECRET) is required")
			}
			role := fieldsync.ParseRole(topts.role)
			if !slices.Contains(validRoles, role) {
				return fmt.Errorf("invalid role %q: must be one of %v", topts.role, validRoles)
			}
			if topts.user == "" || topts.device == "" {
				return errors.New("--user and --device are required")
			}
			ttl := topts.ttl
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL.Duration
			}

			token, err := fieldsync.NewJWTAuth(cfg.Auth.JWTSecret).GenerateToken(topts.user, topts.device, role, topts.teams, ttl)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&topts.user, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&topts.device, "device", "", "device id (becomes the source id)")
	cmd.Flags().StringVar(&topts.role, "role", string(fieldsync.RoleTechnician), "admin | supervisor | technician")
	cmd.Flags().StringSliceVar(&topts.teams, "team", nil, "team ids visible to a supervisor (repeatable)")
	cmd.Flags().DurationVar(&topts.ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	return cmd
}

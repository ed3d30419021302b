// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fieldsync/fieldlite"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// DeviceOptions holds global flags of the device binary.
type DeviceOptions struct {
	DBPath    string
	ServerURL string
	Token     string
	UserID    string
	Format    string // "json" | "text"
	Verbose   bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewDeviceCommand creates the root command of fieldsync-device.
func NewDeviceCommand() *cobra.Command {
	opts := &DeviceOptions{}

	cmd := &cobra.Command{
		Use:          "fieldsync-device",
		Short:        "Offline work order store with background sync",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", envOr("FIELDSYNC_DB", "fieldsync.db"), "local SQLite database (env FIELDSYNC_DB)")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", envOr("FIELDSYNC_SERVER", "http://localhost:8080"), "server base URL (env FIELDSYNC_SERVER)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("FIELDSYNC_TOKEN"), "bearer token (env FIELDSYNC_TOKEN)")
	cmd.PersistentFlags().StringVar(&opts.UserID, "user", os.Getenv("FIELDSYNC_USER"), "user id recorded as creator (env FIELDSYNC_USER)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewUndoDeleteCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewDiscardCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *DeviceOptions) logger(w io.Writer) *slog.Logger {
	lvl := slog.LevelWarn
	if o.Verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openClient opens the local database and builds a client. The returned func closes the database.
func (o *DeviceOptions) openClient(cmd *cobra.Command) (*fieldlite.Client, func(), error) {
	db, err := fieldlite.OpenDB(o.DBPath)
	if err != nil {
		return nil, nil, err
	}
	sourceID, err := fieldlite.EnsureSourceID(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	token := func(context.Context) (string, error) {
		if o.Token == "" {
			return "", errors.New("no bearer token: pass --token or set FIELDSYNC_TOKEN")
		}
		return o.Token, nil
	}
	client, err := fieldlite.NewClient(db, strings.TrimRight(o.ServerURL, "/"), o.UserID, sourceID, token,
		fieldlite.DefaultConfig(), o.logger(cmd.ErrOrStderr()))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return client, func() { db.Close() }, nil
}

// withClient runs fn with an open client and closes it afterwards.
func (o *DeviceOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *fieldlite.Client) error) error {
	client, closeFn, err := o.openClient(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(cmd.Context(), client)
}

// NewCreateCommand records a new work order locally and queues its create.
func NewCreateCommand(opts *DeviceOptions) *cobra.Command {
	pf := &patchFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := pf.build(cmd)
			if err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c *fieldlite.Client) error {
				localID, err := c.CreateWorkOrder(ctx, patch)
				if err != nil {
					return err
				}
				rec, err := c.Get(ctx, localID)
				if err != nil {
					return err
				}
				return opts.printRecord(cmd.OutOrStdout(), rec)
			})
		},
	}
	pf.register(cmd.Flags())
	return cmd
}

// NewUpdateCommand edits a work order locally and queues the change.
func NewUpdateCommand(opts *DeviceOptions) *cobra.Command {
	pf := &patchFlags{}
	cmd := &cobra.Command{
		Use:   "update <local-id>",
		Short: "Update fields of a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := pf.build(cmd)
			if err != nil {
				return err
			}
			if patch.IsEmpty() {
				return errors.New("nothing to update: set at least one field flag")
			}
			return opts.withClient(cmd, func(ctx context.Context, c *fieldlite.Client) error {
				if err := c.UpdateWorkOrder(ctx, args[0], patch); err != nil {
					return err
				}
				rec, err := c.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.printRecord(cmd.OutOrStdout(), rec)
			})
		},
	}
	pf.register(cmd.Flags())
	return cmd
}

// localIDCommand builds a command that runs one client action on a local id.
func localIDCommand(opts *DeviceOptions, use, short, done string, action func(context.Context, *fieldlite.Client, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <local-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *fieldlite.Client) error {
				if err := action(ctx, c, args[0]); err != nil {
					return err
				}
				return opts.printMessage(cmd.OutOrStdout(), args[0], done)
			})
		},
	}
}

func NewDeleteCommand(opts *DeviceOptions) *cobra.Command {
	return localIDCommand(opts, "delete", "Delete a work order", "deleted",
		func(ctx context.Context, c *fieldlite.Client, id string) error { return c.DeleteWorkOrder(ctx, id) })
}

func NewUndoDeleteCommand(opts *DeviceOptions) *cobra.Command {
	return localIDCommand(opts, "undo-delete", "Revert a delete that has not been sent yet", "restored",
		func(ctx context.Context, c *fieldlite.Client, id string) error { return c.UndoDelete(ctx, id) })
}

func NewRetryCommand(opts *DeviceOptions) *cobra.Command {
	return localIDCommand(opts, "retry", "Re-queue a poisoned operation", "queued",
		func(ctx context.Context, c *fieldlite.Client, id string) error { return c.RetryPoisoned(ctx, id) })
}

func NewDiscardCommand(opts *DeviceOptions) *cobra.Command {
	return localIDCommand(opts, "discard", "Drop the queued operation of a record and revert it", "discarded",
		func(ctx context.Context, c *fieldlite.Client, id string) error { return c.DiscardOperation(ctx, id) })
}

func NewGetCommand(opts *DeviceOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <local-id>",
		Short: "Show one work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *fieldlite.Client) error {
				rec, err := c.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.printRecord(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func NewListCommand(opts *DeviceOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached work orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := fieldsync.SyncStatus(status)
			if s != "" && !s.Valid() {
				return fmt.Errorf("invalid sync status %q", status)
			}
			return opts.withClient(cmd, func(ctx context.Context, c *fieldlite.Client) error {
				recs, err := c.List(ctx, s)
				if err != nil {
					return err
				}
				return opts.printRecords(cmd.OutOrStdout(), recs)
			})
		},
	}
	cmd.Flags().StringVar(&status, "sync-status", "", "pending | synced | conflict | deleted")
	return cmd
}

func NewPendingCommand(opts *DeviceOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *fieldlite.Client) error {
				ops, err := c.ListPending(ctx)
				if err != nil {
					return err
				}
				return opts.printQueue(cmd.OutOrStdout(), ops)
			})
		},
	}
}

func NewConflictsCommand(opts *DeviceOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List records awaiting conflict resolution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *fieldlite.Client) error {
				recs, err := c.List(ctx, fieldsync.SyncConflict)
				if err != nil {
					return err
				}
				return opts.printConflicts(cmd.OutOrStdout(), recs)
			})
		},
	}
}

func NewResolveCommand(opts *DeviceOptions) *cobra.Command {
	var keep string
	pf := &patchFlags{}
	cmd := &cobra.Command{
		Use:   "resolve <local-id>",
		Short: "Settle a conflict (--keep server|local|merge)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res fieldlite.Resolution
			switch keep {
			case "server":
				res = fieldlite.KeepServer()
			case "local":
				res = fieldlite.KeepLocal()
			case "merge":
				patch, err := pf.build(cmd)
				if err != nil {
					return err
				}
				res = fieldlite.Merge(patch)
			default:
				return fmt.Errorf("invalid --keep %q: must be server, local or merge", keep)
			}
			return opts.withClient(cmd, func(ctx context.Context, c *fieldlite.Client) error {
				if err := c.ResolveConflict(ctx, args[0], res); err != nil {
					return err
				}
				return opts.printMessage(cmd.OutOrStdout(), args[0], "resolved")
			})
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "server | local | merge")
	pf.register(cmd.Flags())
	return cmd
}

func NewSyncCommand(opts *DeviceOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *fieldlite.Client) error {
				report, err := c.SyncOnce(ctx)
				if report != nil {
					if perr := opts.printReport(cmd.OutOrStdout(), report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func NewPullCommand(opts *DeviceOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Fetch server changes without sending the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *fieldlite.Client) error {
				n, err := c.Pull(ctx)
				if err != nil {
					return err
				}
				return opts.printMessage(cmd.OutOrStdout(), fmt.Sprint(n), "merged")
			})
		},
	}
}

func NewWatchCommand(opts *DeviceOptions) *cobra.Command {
	mcfg := fieldlite.DefaultMonitorConfig()
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync continuously, reacting to connectivity changes, until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return opts.withClient(cmd, func(ctx context.Context, c *fieldlite.Client) error {
				logger := opts.logger(cmd.ErrOrStderr())
				monitor := fieldlite.NewMonitor(fieldlite.HTTPProbe(c.HTTP, c.BaseURL), mcfg, logger)
				logger.Info("Watching", "server", c.BaseURL, "source_id", c.SourceID)
				return c.Start(ctx, monitor)
			})
		},
	}
	cmd.Flags().DurationVar(&mcfg.PollInterval, "poll", mcfg.PollInterval, "connectivity probe interval")
	cmd.Flags().DurationVar(&mcfg.Debounce, "debounce", mcfg.Debounce, "time reachability must hold before syncing")
	return cmd
}

func NewStatsCommand(opts *DeviceOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue and cache counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *fieldlite.Client) error {
				st, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				return opts.printStats(cmd.OutOrStdout(), st)
			})
		},
	}
}

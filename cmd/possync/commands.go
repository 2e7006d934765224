package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/possync/internal/api"
	"github.com/kimhsiao/possync/internal/app"
	"github.com/kimhsiao/possync/internal/models"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay pending outbox entries to the remote now",
		Long: `Run one sync pass and print its result.

The pass is refused when the remote is unreachable ("offline") or no remote
is configured ("not-configured"). Entries that fail stay pending for the next
pass; the command exits non-zero unless at least one entry was synced or
there was nothing to do.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				result, err := a.Scheduler().SyncNow(cmd.Context())
				if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
					return perr
				}
				if err != nil && (result == nil || !result.Success) {
					return err
				}
				return nil
			})
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox counts and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				status := a.Scheduler().GetStatus(cmd.Context())
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"configured": a.Engine().Configured(),
					"online":     a.Engine().Configured() && a.Scheduler().IsOnline(),
					"scheduler":  status,
				})
			})
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete synced outbox entries older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				n, err := a.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d synced entries older than %s\n", n, a.Config().Sync.Retention)
				return nil
			})
		},
	}
}

func newRecordCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Read and write Local Store records",
		Long: `Read and write records in products, customers, sales, inventory or settings.

Writes go through the outbox exactly like writes from the POS UI.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <store> <json>",
			Short: "Add a record and print its id",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				rec, err := parseRecord(args[1])
				if err != nil {
					return err
				}
				return opts.withApp(cmd, func(a *app.App) error {
					id, err := a.CRUD().Add(cmd.Context(), args[0], rec)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), id)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "get <store> <id>",
			Short: "Print one record",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(cmd, func(a *app.App) error {
					rec, err := a.CRUD().Get(cmd.Context(), args[0], models.RecordID(args[1]))
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), rec)
				})
			},
		},
		&cobra.Command{
			Use:   "list <store>",
			Short: "Print every record of a store",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(cmd, func(a *app.App) error {
					recs, err := a.CRUD().GetAll(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), recs)
				})
			},
		},
		&cobra.Command{
			Use:   "update <store> <id> <json>",
			Short: "Replace a record",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				rec, err := parseRecord(args[2])
				if err != nil {
					return err
				}
				return opts.withApp(cmd, func(a *app.App) error {
					return a.CRUD().Update(cmd.Context(), args[0], models.RecordID(args[1]), rec)
				})
			},
		},
		&cobra.Command{
			Use:   "delete <store> <id>",
			Short: "Delete a record",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(cmd, func(a *app.App) error {
					return a.CRUD().Delete(cmd.Context(), args[0], models.RecordID(args[1]))
				})
			},
		},
	)
	return cmd
}

func newSettingsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and write settings sections",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <section>",
			Short: "Print one settings section",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withApp(cmd, func(a *app.App) error {
					rec, err := a.GetSettings(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), rec)
				})
			},
		},
		&cobra.Command{
			Use:   "set <section> <json>",
			Short: "Create or replace a settings section",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				rec, err := parseRecord(args[1])
				if err != nil {
					return err
				}
				return opts.withApp(cmd, func(a *app.App) error {
					_, err := a.SaveSettings(cmd.Context(), map[string]models.Record{args[0]: rec})
					return err
				})
			},
		},
	)
	return cmd
}

func newRemoteCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Configure the remote backend",
	}

	var tenant string
	setDSN := &cobra.Command{
		Use:   "set-dsn <dsn>",
		Short: "Store the remote connection string, encrypted, on this device",
		Long: `Store the Postgres connection string in the local settings store, sealed
with the device secret (device.secret). The credential is never queued for
sync. remote.dsn in the configuration, when set, still takes precedence.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				if tenant == "" {
					tenant = a.Config().Remote.TenantID
				}
				if err := a.SetRemoteDSN(cmd.Context(), args[0], tenant); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "remote configured")
				return nil
			})
		},
	}
	setDSN.Flags().StringVar(&tenant, "tenant", "", "tenant id rows are scoped to (defaults to remote.tenant_id)")

	cmd.AddCommand(setDSN)
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr   string
		noHTTP bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the local API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				ctx := cmd.Context()
				stop := a.Start(ctx)
				defer stop()

				if noHTTP {
					<-ctx.Done()
					return nil
				}
				if addr == "" {
					addr = a.Config().HTTP.Addr
				}
				return api.NewServer(a).Run(ctx, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "run the scheduler only")
	return cmd
}

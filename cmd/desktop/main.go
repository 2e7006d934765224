// Package main runs the desktop sync core: the Local Store, the background
// scheduler and the local REST/WebSocket API the POS UI talks to on
// localhost.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/possync/internal/api"
	"github.com/kimhsiao/possync/internal/app"
	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "possync-desktop: %v\n", err)
		os.Exit(1)
	}
}

// run executes the desktop command with args, logging to out.
func run(ctx context.Context, args []string, out io.Writer) error {
	cmd := newRootCmd(out)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath, addr string

	cmd := &cobra.Command{
		Use:   "possync-desktop",
		Short: "Serve the POS sync core and its local API on this machine",
		Long: `possync-desktop opens the Local Store, starts the background scheduler and
serves the REST/WebSocket API for the POS UI until interrupted.

Configuration is read from --config (YAML), then POSSYNC_* environment
variables.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			return serve(cmd.Context(), cfg, out)
		},
	}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, out io.Writer) error {
	log := app.NewLogger(cfg, out)
	defer log.Sync()
	restore := logging.ReplaceGlobal(log)
	defer restore()

	a, err := app.New(ctx, cfg, app.WithLogger(log))
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(a)
	stopScheduler := a.Start(ctx)
	defer stopScheduler()

	return server.Run(ctx, cfg.HTTP.Addr)
}

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/possync/internal/app"
	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/models"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	dataDir    string
	driver     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "possync",
		Short: "Offline-first sync core for the POS",
		Long: `possync keeps the POS Local Store usable with no network and replays
every local mutation to the shared Postgres backend once it is reachable.

Configuration is read from --config (YAML), then POSSYNC_* environment
variables, then the flags below.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory holding the Local Store (overrides data_dir)")
	flags.StringVar(&opts.driver, "driver", "", "Local Store driver: sqlite or badger (overrides store.driver)")
	flags.StringVar(&opts.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR (overrides log.level)")

	root.AddCommand(
		newSyncCmd(opts),
		newStatusCmd(opts),
		newCleanupCmd(opts),
		newRecordCmd(opts),
		newSettingsCmd(opts),
		newRemoteCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// load resolves the configuration with flag overrides applied.
func (o *rootOptions) load() (*config.Config, error) {
	v := config.NewViper()
	if o.configPath != "" {
		v.SetConfigFile(o.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", o.configPath, err)
		}
	}
	if o.dataDir != "" {
		v.Set("data_dir", o.dataDir)
	}
	if o.driver != "" {
		v.Set("store.driver", o.driver)
	}
	if o.logLevel != "" {
		v.Set("log.level", o.logLevel)
	}
	return config.FromViper(v)
}

// withApp opens the sync core for one command and closes it afterwards.
// Logs go to stderr so stdout stays machine-readable.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	log := app.NewLogger(cfg, cmd.ErrOrStderr())
	defer log.Sync()

	a, err := app.New(cmd.Context(), cfg, app.WithLogger(log))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseRecord(s string) (models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return nil, fmt.Errorf("record must be a JSON object: %w", err)
	}
	if rec == nil {
		rec = models.Record{}
	}
	return rec, nil
}

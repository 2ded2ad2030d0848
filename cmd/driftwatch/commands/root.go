package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftwatch/driftwatch/pkg/config"
	"github.com/driftwatch/driftwatch/pkg/stores"
)

const (
	envPrefix         = "DRIFTWATCH"
	defaultConfigPath = "driftwatch.yaml"
)

// app carries the settings shared by every command. Flags are bound to
// viper so each one can also be set through a DRIFTWATCH_* variable.
type app struct {
	v   *viper.Viper
	out io.Writer
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	a := &app{v: viper.New(), out: os.Stdout}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "driftwatch",
		Short: "driftwatch - cloud configuration change auditing",
		Long: `driftwatch periodically snapshots cloud resource configurations, compares
each snapshot with the last stored one and records what was created,
deleted or changed.

Features:
  - AWS security groups, IAM roles and S3 buckets out of the box
  - File and WASM plugin snapshot producers
  - Rate-limit aware fetching with per-location failure tracking
  - Ephemeral field filtering and ignore lists
  - Rego audit policies with issue justification
  - SQLite history of every revision`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.out = cmd.OutOrStdout()
			return a.applyLogLevel(a.v.GetString("log-level"))
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", defaultConfigPath, "configuration file or directory")
	pf.String("db", "", "datastore path, overrides the configuration")
	pf.String("log-level", "", "log level (trace, debug, info, warn, error)")
	pf.Bool("json", false, "output in JSON format")
	if err := a.v.BindPFlags(pf); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(newInitCommand(a))
	rootCmd.AddCommand(newValidateCommand(a))
	rootCmd.AddCommand(newWatchCommand(a))
	rootCmd.AddCommand(newIgnoreCommand(a))
	rootCmd.AddCommand(newItemsCommand(a))
	rootCmd.AddCommand(newIssuesCommand(a))
	rootCmd.AddCommand(newCyclesCommand(a))
	rootCmd.AddCommand(newPolicyCommand(a))
	rootCmd.AddCommand(newAccountsCommand(a))
	rootCmd.AddCommand(newAuditCommand(a))

	return rootCmd
}

func (a *app) applyLogLevel(raw string) error {
	if raw == "" {
		return nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return fmt.Errorf("invalid log level %q", raw)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func (a *app) jsonOutput() bool {
	return a.v.GetBool("json")
}

// loadConfig loads the configuration named by --config and applies the
// datastore override.
func (a *app) loadConfig(ctx context.Context) (*config.WatchConfig, error) {
	path := a.v.GetString("config")
	cfg, err := config.NewLoader().Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration %s: %w", path, err)
	}
	if db := a.v.GetString("db"); db != "" {
		cfg.Datastore.Path = db
	}
	if a.v.GetString("log-level") == "" {
		if err := a.applyLogLevel(cfg.Telemetry.LogLevel); err != nil {
			return nil, err
		}
	}
	log.Debug().Strs("files", cfg.SourceFiles).Msg("Configuration loaded")
	return cfg, nil
}

// datastoreConfig returns the configuration used by commands that only read
// or edit the datastore. --db alone is enough; otherwise the configuration
// file supplies the path.
func (a *app) datastoreConfig(ctx context.Context) (*config.WatchConfig, error) {
	if db := a.v.GetString("db"); db != "" {
		cfg := config.DefaultConfig()
		cfg.Datastore.Path = db
		return cfg, nil
	}
	return a.loadConfig(ctx)
}

// openStore opens and migrates the datastore of cfg.
func openStore(ctx context.Context, cfg *config.WatchConfig) (*stores.SQLiteStore, error) {
	path := cfg.DatastorePath()
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create datastore directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         path,
		MaxOpenConns: cfg.Datastore.MaxOpenConns,
		BusyTimeout:  time.Duration(cfg.Datastore.BusyTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("Datastore opened")
	return store, nil
}

// withStore opens the datastore for the duration of fn.
func (a *app) withStore(ctx context.Context, fn func(store *stores.SQLiteStore) error) error {
	cfg, err := a.datastoreConfig(ctx)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close datastore")
		}
	}()
	return fn(store)
}

// actor names the user behind CLI edits in the audit trail.
func actor() string {
	for _, key := range []string{"DRIFTWATCH_ACTOR", "USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "cli"
}

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/config"
	"github.com/driftwatch/driftwatch/pkg/stores"
)

func newInitCommand(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a sample configuration and an empty datastore",
		Long: `Initialize a driftwatch working directory.

This command:
  - Writes a sample driftwatch.yaml
  - Creates the policies directory
  - Creates and migrates the SQLite datastore
  - Registers the sample accounts in the datastore`,
		Example: `  # Initialize the current directory
  driftwatch init

  # Initialize another directory, replacing an existing configuration
  driftwatch init ./audit --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			if err := os.MkdirAll(filepath.Join(dir, "policies"), 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}

			cfgPath := filepath.Join(dir, defaultConfigPath)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite it", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.SampleYAML), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", cfgPath, err)
			}

			cfg, err := config.NewLoader().LoadBytes(ctx, "yaml", []byte(config.SampleYAML))
			if err != nil {
				return fmt.Errorf("sample configuration is invalid: %w", err)
			}
			if db := a.v.GetString("db"); db != "" {
				cfg.Datastore.Path = db
			} else if !filepath.IsAbs(cfg.Datastore.Path) {
				cfg.Datastore.Path = filepath.Join(dir, cfg.Datastore.Path)
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, acct := range cfg.Accounts {
				if err := store.UpsertAccount(ctx, &stores.Account{
					Name:       acct.Name,
					Identifier: acct.Identifier,
					Notes:      acct.Notes,
					Active:     acct.IsActive(),
				}); err != nil {
					return err
				}
			}

			log.Info().
				Str("config", cfgPath).
				Str("datastore", cfg.DatastorePath()).
				Msg("Initialized driftwatch")
			fmt.Fprintf(a.out, "Wrote %s and created %s\n", cfgPath, cfg.DatastorePath())
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration")

	return cmd
}

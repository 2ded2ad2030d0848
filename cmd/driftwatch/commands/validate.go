package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/config"
	"github.com/driftwatch/driftwatch/pkg/producers"
)

type technologySummary struct {
	Name            string   `json:"name"`
	Producer        string   `json:"producer"`
	Accounts        []string `json:"accounts"`
	HonorEphemerals bool     `json:"honor_ephemerals"`
	PollInterval    string   `json:"poll_interval"`
	Disabled        bool     `json:"disabled,omitempty"`
}

func newValidateCommand(a *app) *cobra.Command {
	var checkProducers bool

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate the watch configuration",
		Long: `Validate configuration files against the built-in schema.

This command checks:
  - YAML, JSON or CUE syntax
  - Schema conformance and field constraints
  - Account and technology references
  - Ephemeral paths and canonicalization scripts`,
		Example: `  # Validate the default configuration
  driftwatch validate

  # Validate several files unified together and build their producers
  driftwatch validate base.yaml prod.cue --producers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			paths := args
			if len(paths) == 0 {
				paths = []string{a.v.GetString("config")}
			}

			cfg, err := config.NewLoader().Load(ctx, paths...)
			if err != nil {
				var problems config.ValidationErrors
				if !errors.As(err, &problems) {
					return err
				}
				if a.jsonOutput() {
					_ = a.printJSON(map[string]interface{}{"valid": false, "problems": problems})
				} else {
					t := newTable(a.out, "path", "severity", "message")
					for _, p := range problems {
						where := p.Path
						if p.File != "" {
							where = fmt.Sprintf("%s:%d %s", p.File, p.Line, p.Path)
						}
						t.AppendRow([]interface{}{where, p.Severity, p.Message})
					}
					renderTable(a.out, t, len(problems), "problems")
				}
				return fmt.Errorf("configuration has %d problem(s)", len(problems))
			}

			if checkProducers {
				registry := producers.NewRegistry(log.Logger)
				_, err := registry.BuildAll(ctx, cfg)
				if cerr := registry.Close(ctx); cerr != nil {
					log.Warn().Err(cerr).Msg("Failed to release producers")
				}
				if err != nil {
					return fmt.Errorf("failed to build producers: %w", err)
				}
			}

			summaries := make([]technologySummary, 0, len(cfg.Technologies))
			for _, tech := range cfg.Technologies {
				var accounts []string
				for _, acct := range cfg.AccountsFor(tech) {
					accounts = append(accounts, acct.Name)
				}
				producer := tech.Producer.Type
				if tech.Producer.Kind != "" {
					producer += "/" + tech.Producer.Kind
				}
				if r := tech.Producer.Remote; r != nil {
					producer += " " + r.User + "@" + r.Host
				}
				summaries = append(summaries, technologySummary{
					Name:            tech.Name,
					Producer:        producer,
					Accounts:        accounts,
					HonorEphemerals: cfg.HonorEphemerals(tech),
					PollInterval:    cfg.PollInterval(tech).String(),
					Disabled:        tech.Disabled,
				})
			}

			if a.jsonOutput() {
				return a.printJSON(map[string]interface{}{
					"valid":        true,
					"files":        cfg.SourceFiles,
					"technologies": summaries,
				})
			}

			t := newTable(a.out, "technology", "producer", "accounts", "ephemerals", "interval", "enabled")
			for _, s := range summaries {
				t.AppendRow([]interface{}{
					s.Name, s.Producer, strings.Join(s.Accounts, ", "),
					yesNo(s.HonorEphemerals), s.PollInterval, yesNo(!s.Disabled),
				})
			}
			renderTable(a.out, t, len(summaries), "technologies")
			fmt.Fprintf(a.out, "Configuration is valid (%s)\n", strings.Join(cfg.SourceFiles, ", "))
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkProducers, "producers", false, "also build every enabled producer")

	return cmd
}

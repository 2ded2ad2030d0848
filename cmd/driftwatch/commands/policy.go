package commands

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/policy"
)

func newPolicyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect audit policies",
	}

	cmd.AddCommand(newPolicyListCommand(a))

	return cmd
}

func newPolicyListCommand(a *app) *cobra.Command {
	var technology string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List built-in and configured policies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			var opts []policy.Option
			var paths []string
			if cfg, err := a.loadConfig(ctx); err == nil {
				if cfg.Policies.SkipBuiltins {
					opts = append(opts, policy.WithoutBuiltins())
				}
				paths = existingPaths(cfg.Policies.Paths)
			} else {
				log.Warn().Err(err).Msg("Listing built-in policies only")
			}

			auditor, err := policy.NewAuditor(log.Logger, opts...)
			if err != nil {
				return err
			}
			if len(paths) > 0 {
				if err := auditor.LoadPolicies(ctx, paths); err != nil {
					return err
				}
			}

			var policies []policy.Policy
			for _, p := range auditor.ListPolicies() {
				if technology == "" || p.AppliesTo(technology) {
					policies = append(policies, p)
				}
			}
			sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

			if a.jsonOutput() {
				return a.printJSON(policies)
			}
			t := newTable(a.out, "name", "technologies", "source", "enabled", "description")
			for _, p := range policies {
				techs := "all"
				if len(p.Technologies) > 0 {
					techs = strings.Join(p.Technologies, ", ")
				}
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				t.AppendRow([]interface{}{p.Name, techs, source, yesNo(p.Enabled), p.Description})
			}
			renderTable(a.out, t, len(policies), "policies")
			return nil
		},
	}

	cmd.Flags().StringVar(&technology, "technology", "", "only policies auditing this technology")

	return cmd
}

package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/driftwatch/driftwatch/pkg/stores"
)

func newIgnoreCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ignore",
		Short: "Manage the ignore list",
		Long: `Resources whose name starts with an ignored prefix (case-insensitive) are
neither fetched nor compared for their technology.`,
	}

	cmd.AddCommand(newIgnoreAddCommand(a))
	cmd.AddCommand(newIgnoreListCommand(a))
	cmd.AddCommand(newIgnoreRemoveCommand(a))

	return cmd
}

func newIgnoreAddCommand(a *app) *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:     "add <technology> <prefix>",
		Short:   "Ignore resources by name prefix",
		Example: `  driftwatch ignore add securitygroup sg-temp --notes "CI scratch groups"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if args[1] == "" {
				return fmt.Errorf("prefix must not be empty")
			}
			return a.withStore(ctx, func(store *stores.SQLiteStore) error {
				rule := &engine.IgnoreRule{Technology: args[0], Prefix: args[1], Notes: notes}
				if err := store.AddIgnoreRule(ctx, rule); err != nil {
					return err
				}
				recordAudit(ctx, store, "ignore.added", strconv.FormatInt(rule.ID, 10), map[string]interface{}{
					"technology": rule.Technology,
					"prefix":     rule.Prefix,
				})
				if a.jsonOutput() {
					return a.printJSON(rule)
				}
				fmt.Fprintf(a.out, "Ignoring %s resources starting with %q (rule %d)\n", rule.Technology, rule.Prefix, rule.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "why the prefix is ignored")

	return cmd
}

func newIgnoreListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list [technology]",
		Short: "List ignore rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			technology := ""
			if len(args) > 0 {
				technology = args[0]
			}
			return a.withStore(ctx, func(store *stores.SQLiteStore) error {
				rules, err := store.ListIgnoreRules(ctx, technology)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return a.printJSON(rules)
				}
				t := newTable(a.out, "id", "technology", "prefix", "notes")
				for _, r := range rules {
					t.AppendRow([]interface{}{r.ID, r.Technology, r.Prefix, r.Notes})
				}
				renderTable(a.out, t, len(rules), "ignore rules")
				return nil
			})
		},
	}
}

func newIgnoreRemoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an ignore rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}
			return a.withStore(ctx, func(store *stores.SQLiteStore) error {
				if err := store.DeleteIgnoreRule(ctx, id); err != nil {
					return err
				}
				recordAudit(ctx, store, "ignore.removed", args[0], nil)
				fmt.Fprintf(a.out, "Removed ignore rule %d\n", id)
				return nil
			})
		},
	}
}

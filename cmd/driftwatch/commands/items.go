package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/driftwatch/driftwatch/pkg/stores"
)

func newItemsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Inspect tracked resources",
	}

	cmd.AddCommand(newItemsListCommand(a))
	cmd.AddCommand(newItemsHistoryCommand(a))

	return cmd
}

func newItemsListCommand(a *app) *cobra.Command {
	var filter stores.ItemFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked resources and their latest revision",
		Example: `  driftwatch items list --technology securitygroup --account prod --active`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withStore(ctx, func(store *stores.SQLiteStore) error {
				items, err := store.ListItems(ctx, filter)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return a.printJSON(items)
				}
				t := newTable(a.out, "id", "technology", "account", "region", "name", "active", "hash", "updated")
				for _, it := range items {
					t.AppendRow([]interface{}{
						it.ID, it.Technology, it.Account, it.Region, it.Name,
						yesNo(it.Active), shortHash(it.Hash), formatTime(it.UpdatedAt),
					})
				}
				renderTable(a.out, t, len(items), "items")
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&filter.Technology, "technology", "", "only this technology")
	f.StringVar(&filter.Account, "account", "", "only this account")
	f.StringVar(&filter.Region, "region", "", "only this region")
	f.BoolVar(&filter.ActiveOnly, "active", false, "hide deleted resources")
	f.IntVar(&filter.Limit, "limit", 100, "maximum number of items")
	f.IntVar(&filter.Offset, "offset", 0, "number of items to skip")

	return cmd
}

func newItemsHistoryCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <technology/account/region/name>",
		Short: "Show the revisions of one resource and what changed between them",
		Example: `  driftwatch items history securitygroup/prod/us-east-1/sg-0123456789`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loc, err := parseLocation(args[0])
			if err != nil {
				return err
			}
			cfg, err := a.datastoreConfig(ctx)
			if err != nil {
				return err
			}
			sep := cfg.PathSeparator()

			return a.withStore(ctx, func(store *stores.SQLiteStore) error {
				revisions, err := store.ListRevisions(ctx, loc, limit)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return a.printJSON(revisions)
				}
				if len(revisions) == 0 {
					fmt.Fprintf(a.out, "No revisions of %s\n", loc)
					return nil
				}

				fmt.Fprintf(a.out, "%s\n", loc)
				// Revisions are newest first; diff each against the one before it.
				for i, rev := range revisions {
					state := "active"
					if !rev.Active {
						state = "deleted"
					}
					fmt.Fprintf(a.out, "\nrevision %d  %s  %s  %s\n", rev.ID, formatTime(rev.CreatedAt), state, shortHash(rev.Hash))
					if i+1 == len(revisions) {
						continue
					}
					for _, c := range confval.Diff(revisions[i+1].Config, rev.Config) {
						fmt.Fprintf(a.out, "  %s\n", describeChange(c, sep))
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of revisions")

	return cmd
}

func parseLocation(s string) (engine.Location, error) {
	parts := strings.SplitN(s, "/", 4)
	if len(parts) != 4 {
		return engine.Location{}, fmt.Errorf("location %q must be technology/account/region/name", s)
	}
	for _, p := range parts {
		if p == "" {
			return engine.Location{}, fmt.Errorf("location %q has an empty component", s)
		}
	}
	return engine.Location{Technology: parts[0], Account: parts[1], Region: parts[2], Name: parts[3]}, nil
}

func describeChange(c confval.Change, sep string) string {
	path := c.PathString(sep)
	switch c.Action {
	case confval.ChangeAdded:
		return fmt.Sprintf("+ %s: %s", path, c.After)
	case confval.ChangeRemoved:
		return fmt.Sprintf("- %s: %s", path, c.Before)
	default:
		return fmt.Sprintf("~ %s: %s -> %s", path, c.Before, c.After)
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

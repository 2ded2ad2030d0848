package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

func newIssuesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "Inspect and justify audit issues",
	}

	cmd.AddCommand(newIssuesListCommand(a))
	cmd.AddCommand(newIssuesJustifyCommand(a))

	return cmd
}

func newIssuesListCommand(a *app) *cobra.Command {
	var filter stores.IssueFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open audit issues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withStore(ctx, func(store *stores.SQLiteStore) error {
				issues, err := store.ListIssues(ctx, filter)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return a.printJSON(issues)
				}
				t := newTable(a.out, "id", "location", "policy", "issue", "score", "status")
				for _, i := range issues {
					status := "open"
					switch {
					case i.Fixed:
						status = "fixed"
					case i.Justified:
						status = "justified by " + i.JustifiedBy
					}
					loc := fmt.Sprintf("%s/%s/%s/%s", i.Technology, i.Account, i.Region, i.Name)
					t.AppendRow([]interface{}{i.ID, loc, i.Policy, i.Issue, i.Score, status})
				}
				renderTable(a.out, t, len(issues), "issues")
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&filter.Technology, "technology", "", "only this technology")
	f.StringVar(&filter.Account, "account", "", "only this account")
	f.BoolVar(&filter.IncludeFixed, "fixed", false, "include fixed issues")
	f.BoolVar(&filter.IncludeJustified, "justified", false, "include justified issues")
	f.IntVar(&filter.Limit, "limit", 100, "maximum number of issues")

	return cmd
}

func newIssuesJustifyCommand(a *app) *cobra.Command {
	var by, reason string

	cmd := &cobra.Command{
		Use:     "justify <id>",
		Short:   "Mark an audit issue as accepted",
		Example: `  driftwatch issues justify 42 --reason "bastion host, reviewed by secops"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid issue id %q", args[0])
			}
			if by == "" {
				by = actor()
			}
			return a.withStore(ctx, func(store *stores.SQLiteStore) error {
				if err := store.JustifyIssue(ctx, id, by, reason); err != nil {
					return err
				}
				recordAudit(ctx, store, "issue.justified", args[0], map[string]interface{}{
					"justification": reason,
				})
				fmt.Fprintf(a.out, "Issue %d justified by %s\n", id, by)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "who accepts the issue (defaults to the current user)")
	cmd.Flags().StringVar(&reason, "reason", "", "why the issue is acceptable")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

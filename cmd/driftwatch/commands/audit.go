package commands

import (
	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

func newAuditCommand(a *app) *cobra.Command {
	var (
		action, who   string
		limit, offset int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the trail of ignore list and justification edits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var actionFilter, actorFilter *string
			if action != "" {
				actionFilter = &action
			}
			if who != "" {
				actorFilter = &who
			}
			return a.withStore(ctx, func(store *stores.SQLiteStore) error {
				entries, err := store.ListAuditEntries(ctx, actionFilter, actorFilter, limit, offset)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return a.printJSON(entries)
				}
				t := newTable(a.out, "id", "time", "action", "actor", "target", "details")
				for _, e := range entries {
					t.AppendRow([]interface{}{e.ID, formatTime(e.Timestamp), e.Action, e.Actor, deref(e.TargetID), deref(e.Details)})
				}
				renderTable(a.out, t, len(entries), "audit entries")
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&action, "action", "", "only this action, e.g. ignore.added")
	f.StringVar(&who, "actor", "", "only entries by this actor")
	f.IntVar(&limit, "limit", 50, "maximum number of entries")
	f.IntVar(&offset, "offset", 0, "number of entries to skip")

	return cmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

func newCyclesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "Inspect past watch cycles",
	}

	cmd.AddCommand(newCyclesListCommand(a))
	cmd.AddCommand(newCyclesShowCommand(a))

	return cmd
}

func newCyclesListCommand(a *app) *cobra.Command {
	var (
		technology string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent cycles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withStore(ctx, func(store *stores.SQLiteStore) error {
				cycles, err := store.ListCycles(ctx, technology, limit)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return a.printJSON(cycles)
				}
				t := newTable(a.out, "id", "technology", "status", "started", "duration", "fetched", "created", "deleted", "changed", "new issue")
				for _, c := range cycles {
					t.AppendRow([]interface{}{
						shortHash(c.ID), c.Technology, c.Status, formatTime(c.StartedAt), c.Duration,
						c.ItemsFetched, c.Created, c.Deleted, c.Changed, yesNo(c.HasNewIssue),
					})
				}
				renderTable(a.out, t, len(cycles), "cycles")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&technology, "technology", "", "only this technology")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of cycles")

	return cmd
}

func newCyclesShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one cycle and its fetch failures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withStore(ctx, func(store *stores.SQLiteStore) error {
				c, err := store.GetCycle(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return a.printJSON(c)
				}

				fmt.Fprintf(a.out, "cycle %s\n", c.ID)
				fmt.Fprintf(a.out, "technology: %s\naccounts: %s\nstatus: %s\n", c.Technology, strings.Join(c.Accounts, ", "), c.Status)
				fmt.Fprintf(a.out, "started: %s (%s)\n", formatTime(c.StartedAt), c.Duration)
				fmt.Fprintf(a.out, "items: %d fetched, %d created, %d deleted, %d changed, %d ephemeral, %d persisted\n",
					c.ItemsFetched, c.Created, c.Deleted, c.Changed, c.Ephemeral, c.Persisted)
				if c.Error != nil {
					fmt.Fprintf(a.out, "error: %s\n", *c.Error)
				}

				t := newTable(a.out, "scope", "location", "class", "message")
				for _, e := range c.Exceptions {
					t.AppendRow([]interface{}{e.Location.Scope(), e.Location, e.Class, e.Message})
				}
				renderTable(a.out, t, len(c.Exceptions), "exceptions")
				return nil
			})
		},
	}
}

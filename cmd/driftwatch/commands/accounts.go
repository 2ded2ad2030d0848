package commands

import (
	"github.com/spf13/cobra"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

func newAccountsCommand(a *app) *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List the accounts registered in the datastore",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.withStore(ctx, func(store *stores.SQLiteStore) error {
				accounts, err := store.ListAccounts(ctx, activeOnly)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return a.printJSON(accounts)
				}
				t := newTable(a.out, "name", "identifier", "active", "notes", "updated")
				for _, acct := range accounts {
					t.AppendRow([]interface{}{acct.Name, acct.Identifier, yesNo(acct.Active), acct.Notes, formatTime(acct.UpdatedAt)})
				}
				renderTable(a.out, t, len(accounts), "accounts")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active accounts")

	return cmd
}

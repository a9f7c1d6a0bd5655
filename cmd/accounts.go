package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cdr-sync/pkg/crossbar"
)

var (
	accountsAll  bool
	accountsJSON bool
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Print the account tree the poller walks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("accounts"); err != nil {
			return err
		}
		ctx := cmd.Context()

		client := newSource()
		if err := client.Authenticate(ctx); err != nil {
			return eris.Wrap(err, "accounts")
		}
		sess := client.Session()

		list := client.AccountChildren
		if accountsAll {
			list = client.AccountDescendants
		}
		accounts, err := list(ctx, sess.AccountID)
		if err != nil {
			return eris.Wrap(err, "accounts")
		}

		root, err := client.Account(ctx, sess.AccountID)
		if err != nil {
			return eris.Wrap(err, "accounts")
		}
		all := append([]crossbar.Account{root}, accounts...)

		if accountsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(all)
		}
		formatAccounts(os.Stdout, all)
		return nil
	},
}

// formatAccounts writes accounts as a table; the first row is the session
// account.
func formatAccounts(out io.Writer, accounts []crossbar.Account) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tREALM\tROLE")
	for i, a := range accounts {
		role := "descendant"
		if i == 0 {
			role = "root"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Realm, role)
	}
	_ = w.Flush()
}

func init() {
	accountsCmd.Flags().BoolVar(&accountsAll, "all", false, "list every descendant, not only direct children")
	accountsCmd.Flags().BoolVar(&accountsJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(accountsCmd)
}

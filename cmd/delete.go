package main

import (
	"fmt"
	"regexp"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var deleteIndex string

// cdrIDPattern matches "{yyyymm}-{call_id}" document ids.
var cdrIDPattern = regexp.MustCompile(`^(\d{6})-.+$`)

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a document from the search store",
	Long:  "Deletes one document by id. For CDR ids of the form YYYYMM-call_id the monthly index is derived from the id unless --index is given.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("delete"); err != nil {
			return err
		}

		id := args[0]
		index, err := indexForID(id, deleteIndex, cfg.Index.CDR)
		if err != nil {
			return err
		}

		w, err := newWriter(nil)
		if err != nil {
			return err
		}
		found, err := w.Delete(cmd.Context(), index, id)
		if err != nil {
			return eris.Wrap(err, "delete")
		}
		if !found {
			fmt.Fprintf(cmd.OutOrStdout(), "%s not found in %s\n", id, index)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s from %s\n", id, index)
		return nil
	},
}

// indexForID returns override when set, otherwise the monthly CDR index the
// id belongs to.
func indexForID(id, override, prefix string) (string, error) {
	if override != "" {
		return override, nil
	}
	m := cdrIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", eris.Errorf("delete: cannot derive an index from %q, pass --index", id)
	}
	return prefix + "_" + m[1], nil
}

func init() {
	deleteCmd.Flags().StringVar(&deleteIndex, "index", "", "index holding the document")
	rootCmd.AddCommand(deleteCmd)
}

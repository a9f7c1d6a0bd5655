package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	recordingsShow bool
	recordingsID   string
)

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "Index or show call recording metadata",
	Long:  "Indexes the recording metadata of the session account into index.recordings. With --show the recordings are printed instead.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if recordingsShow || recordingsID != "" {
			if err := cfg.Validate("accounts"); err != nil {
				return err
			}
			client := newSource()

			var v any
			var err error
			if recordingsID != "" {
				v, err = client.Recording(ctx, recordingsID)
			} else {
				v, err = client.Recordings(ctx)
			}
			if err != nil {
				return eris.Wrap(err, "recordings")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}

		env, err := initApp(ctx, "recordings")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Syncer.SyncRecordings(ctx)
		if err != nil {
			return eris.Wrap(err, "recordings")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d recordings into %s\n", n, cfg.Index.Recordings)
		return nil
	},
}

func init() {
	recordingsCmd.Flags().BoolVar(&recordingsShow, "show", false, "print recordings instead of indexing them")
	recordingsCmd.Flags().StringVar(&recordingsID, "id", "", "print a single recording")
	rootCmd.AddCommand(recordingsCmd)
}

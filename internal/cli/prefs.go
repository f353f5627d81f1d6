package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashureev/taskflow/internal/preference"
	"github.com/ashureev/taskflow/internal/store"
)

func newPrefsCmd(opts *globalOptions) *cobra.Command {
	var (
		dbPath   string
		tenantID string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show the learned preferences of a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := opts.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			repo, err := store.NewSQLite(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			prefs := preference.NewStore(preference.DefaultPolicy(), preference.DefaultTracked(), repo, logger)
			rec, err := prefs.Get(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			snap := rec.Snapshot()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), renderSnapshot(snap))
			return err
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "./data/taskflow.db", "SQLite database path")
	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "local", "Tenant ID")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw snapshot as JSON")
	return cmd
}

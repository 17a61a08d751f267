package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mathew-Carl/Apparition/internal/app"
)

func newAccountsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := app.OpenStore(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			accounts, err := store.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tREMOTE\tENABLED\tTIME\tLAST CHECK-IN")
			for _, a := range accounts {
				at := "-"
				if a.HasOverride() {
					at = fmt.Sprintf("%02d:%02d", *a.CheckinHour, *a.CheckinMinute)
				}
				last := "-"
				if a.LastCheckinAt != nil {
					last = a.LastCheckinAt.Local().Format(time.DateTime)
				}
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\t%s\n", a.ID, a.DisplayName(), a.RemoteID, a.Enabled, at, last)
			}
			return w.Flush()
		},
	}
}

func newLogsCmd(opts *options) *cobra.Command {
	var (
		accountID int64
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List recent check-in records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be > 0")
			}
			store, err := app.OpenStore(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			records, err := store.ListCheckinRecords(cmd.Context(), accountID, limit)
			if err != nil {
				return err
			}
			for _, r := range records {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t#%d\t%s\t%s\n",
					r.CreatedAt.Local().Format(time.DateTime), r.AccountID, r.Status, r.Message)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "account id (0 for all)")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of records")
	return cmd
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := app.OpenStore(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			v, dirty, err := store.SchemaVersion()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
			return nil
		},
	}
}

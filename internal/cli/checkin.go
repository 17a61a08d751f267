package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mathew-Carl/Apparition/internal/app"
)

func newCheckinCmd(opts *options) *cobra.Command {
	var (
		accountID int64
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Run a check-in now, without the scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			local, err := app.OpenLocal(cmd.Context(), opts.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = local.Close() }()

			out := cmd.OutOrStdout()
			if all {
				res, err := local.Orchestrator().Batch(cmd.Context())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "run %s: %d total, %d succeeded, %d failed, %d skipped in %s\n",
					res.RunID, res.Total, res.Succeeded, res.Failed, res.Skipped, res.Took.Round(time.Second))
				if res.Failed > 0 {
					return fmt.Errorf("%d check-in(s) failed", res.Failed)
				}
				return nil
			}

			o, err := local.Orchestrator().Single(cmd.Context(), accountID)
			if err != nil {
				return err
			}
			status := "ok"
			if !o.Success {
				status = "failed"
			}
			_, _ = fmt.Fprintf(out, "#%d %s: %s (%s, %d attempt(s))\n", o.AccountID, o.Account, o.Message, status, o.Attempts)
			if !o.Success {
				return fmt.Errorf("check-in failed")
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "account id")
	cmd.Flags().BoolVar(&all, "all", false, "run every enabled account")
	cmd.MarkFlagsMutuallyExclusive("account", "all")
	cmd.MarkFlagsOneRequired("account", "all")
	return cmd
}

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mathew-Carl/Apparition/internal/app"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the scheduler until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.New(ctx, opts.configPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopUnknown
			select {
			case s := <-sigs:
				reason = app.StopSIGTERM
				if s == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

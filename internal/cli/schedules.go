package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mathew-Carl/Apparition/internal/app"
	"github.com/Mathew-Carl/Apparition/internal/domain"
	"github.com/Mathew-Carl/Apparition/internal/storage"
)

const reloadHint = "send SIGHUP to a running service to apply (systemctl reload apparition)"

func newSchedulesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage daily triggers",
	}
	cmd.AddCommand(
		newSchedulesListCmd(opts),
		newSchedulesAddCmd(opts),
		newSchedulesUpdateCmd(opts),
		newSchedulesToggleCmd(opts),
		newSchedulesDeleteCmd(opts),
	)
	return cmd
}

func withStore(opts *options, fn func(cmd *cobra.Command, store storage.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		store, err := app.OpenStore(cmd.Context(), opts.configPath)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		return fn(cmd, store, args)
	}
}

func newSchedulesListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List triggers",
		Args:  cobra.NoArgs,
		RunE: withStore(opts, func(cmd *cobra.Command, store storage.Store, _ []string) error {
			triggers, err := store.ListScheduleTriggers(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range triggers {
				state := "on"
				if !t.Enabled {
					state = "off"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\t%02d:%02d\t%s\t%s\n", t.ID, t.Hour, t.Minute, state, t.Name)
			}
			return nil
		}),
	}
}

func newSchedulesAddCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <HH:MM>",
		Short: "Add a daily trigger",
		Args:  cobra.MinimumNArgs(2),
		RunE: withStore(opts, func(cmd *cobra.Command, store storage.Store, args []string) error {
			last := len(args) - 1
			h, m, err := domain.ParseHHMM(args[last])
			if err != nil {
				return err
			}
			name := strings.TrimSpace(strings.Join(args[:last], " "))
			id, err := store.UpsertScheduleTrigger(cmd.Context(), domain.ScheduleTrigger{Name: name, Hour: h, Minute: m, Enabled: true})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added trigger %d (%s at %02d:%02d)\n%s\n", id, name, h, m, reloadHint)
			return nil
		}),
	}
}

func newSchedulesUpdateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "update <id> <name> <HH:MM>",
		Aliases: []string{"edit"},
		Short:   "Rename or retime a trigger",
		Args:    cobra.MinimumNArgs(3),
		RunE: withStore(opts, func(cmd *cobra.Command, store storage.Store, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			last := len(args) - 1
			h, m, err := domain.ParseHHMM(args[last])
			if err != nil {
				return err
			}
			t, err := store.GetScheduleTrigger(cmd.Context(), id)
			if err != nil {
				return err
			}
			t.Name = strings.TrimSpace(strings.Join(args[1:last], " "))
			t.Hour, t.Minute = h, m
			if _, err := store.UpsertScheduleTrigger(cmd.Context(), t); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "updated trigger %d (%s at %02d:%02d)\n%s\n", id, t.Name, h, m, reloadHint)
			return nil
		}),
	}
}

func newSchedulesToggleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Enable or disable a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(opts, func(cmd *cobra.Command, store storage.Store, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			enabled, err := store.ToggleScheduleTrigger(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "trigger %d enabled=%t\n%s\n", id, enabled, reloadHint)
			return nil
		}),
	}
}

func newSchedulesDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"del", "rm"},
		Short:   "Delete a trigger",
		Args:    cobra.ExactArgs(1),
		RunE: withStore(opts, func(cmd *cobra.Command, store storage.Store, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			if err := store.DeleteScheduleTrigger(cmd.Context(), id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted trigger %d\n%s\n", id, reloadHint)
			return nil
		}),
	}
}

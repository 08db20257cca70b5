package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRecentCmd creates the recent command.
func NewRecentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the newest events of a channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := getContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Store.Close()
			if err := ctx.requireChannel(); err != nil {
				return writeCommandError(cmd, err)
			}

			limit, _ := cmd.Flags().GetInt("limit")
			events, err := ctx.Store.RecentEvents(cmd.Context(), ctx.Channel, limit)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, events)
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No events yet")
				return nil
			}
			for _, ev := range events {
				fmt.Fprintln(cmd.OutOrStdout(), formatEvent(ev))
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "number of events to show")
	return cmd
}

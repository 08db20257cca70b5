package command

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewCountCmd creates the count command.
func NewCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count [user-id]",
		Short: "Count stored events in a channel, optionally for one viewer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := getContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Store.Close()
			if err := ctx.requireChannel(); err != nil {
				return writeCommandError(cmd, err)
			}

			var n int64
			if len(args) == 1 {
				n, err = ctx.Store.CountByUser(cmd.Context(), args[0], ctx.Channel)
			} else {
				n, err = ctx.Store.CountSince(cmd.Context(), ctx.Channel, time.Time{})
			}
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, map[string]int64{"count": n})
			}
			fmt.Fprintln(cmd.OutOrStdout(), humanize.Comma(n))
			return nil
		},
	}
}

package command

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/you/chatledger/internal/core"
)

type userReport struct {
	UserID string           `json:"user_id"`
	Name   string           `json:"name,omitempty"`
	Total  int64            `json:"total"`
	Events []core.ChatEvent `json:"events"`
}

// NewUserCmd creates the user command.
func NewUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user <user-id>",
		Short: "Show one viewer's history in a channel",
		Args:  cobra.ExactArgs(1),
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
			report := userReport{UserID: args[0]}
			if ident, err := ctx.Store.LookupIdentity(cmd.Context(), args[0]); err == nil {
				report.Name = ident.DisplayName
			}
			report.Total, err = ctx.Store.CountByUser(cmd.Context(), args[0], ctx.Channel)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			report.Events, err = ctx.Store.EventsByUser(cmd.Context(), args[0], ctx.Channel, limit)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, report)
			}

			name := report.Name
			if name == "" {
				name = report.UserID
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s events\n", name, humanize.Comma(report.Total))
			for _, ev := range report.Events {
				fmt.Fprintln(out, "  "+formatEvent(ev))
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "number of events to show")
	return cmd
}

package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/you/chatledger/internal/store"
)

type unreadReport struct {
	ChannelID string     `json:"channel_id"`
	EventID   string     `json:"event_id,omitempty"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	Unread    int64      `json:"unread"`
}

// NewUnreadCmd creates the unread command.
func NewUnreadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unread",
		Short: "Show the read watermark and how many events follow it",
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

			report := unreadReport{ChannelID: ctx.Channel}
			var since time.Time
			wm, err := ctx.Store.ReadWatermark(cmd.Context(), ctx.Channel)
			switch {
			case err == nil:
				report.EventID = wm.EventID
				report.ReadAt = &wm.UpdatedAt
				since = wm.PostedAt
			case errors.Is(err, store.ErrNotFound):
			default:
				return writeCommandError(cmd, err)
			}
			report.Unread, err = ctx.Store.CountSince(cmd.Context(), ctx.Channel, since)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, report)
			}

			out := cmd.OutOrStdout()
			if report.EventID == "" {
				fmt.Fprintf(out, "Nothing marked read; %s events\n", humanize.Comma(report.Unread))
				return nil
			}
			fmt.Fprintf(out, "Read up to %s (%s); %s unread\n",
				report.EventID, humanize.RelTime(wm.UpdatedAt, now(), "ago", "from now"), humanize.Comma(report.Unread))
			return nil
		},
	}
}

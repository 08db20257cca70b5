package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewWhoCmd creates the who command.
func NewWhoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "who <prefix>",
		Short: "Find viewers by username prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := getContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Store.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			idents, err := ctx.Store.SearchIdentities(cmd.Context(), args[0], limit)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, idents)
			}
			if len(idents) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No viewers matching %q\n", args[0])
				return nil
			}
			for _, ident := range idents {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-24s %s\n", ident.ID, ident.Username, ident.DisplayName)
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "maximum matches")
	return cmd
}

// Package command implements chatlog, a read-only inspector for a chatledger
// database.
package command

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/you/chatledger/internal/config"
	"github.com/you/chatledger/internal/store"
)

const AppName = "chatlog"

// now is swapped in tests so relative times are stable.
var now = time.Now

func NewRootCmd(version string) *cobra.Command {
	cfg := config.Load()

	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Inspect a chatledger database",
		Long:          "chatlog reads the events, identities and read state persisted by chatledger.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("db", cfg.Store.Path, "path to the SQLite database")
	cmd.PersistentFlags().String("channel", cfg.Twitch.ChannelID, "channel id to inspect")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewRecentCmd(),
		NewUserCmd(),
		NewCountCmd(),
		NewWhoCmd(),
		NewUnreadCmd(),
	)
	return cmd
}

func Execute(version string) error {
	return NewRootCmd(version).Execute()
}

type cmdContext struct {
	Store    *store.SQLiteStore
	Channel  string
	JSONMode bool
}

func getContext(cmd *cobra.Command) (*cmdContext, error) {
	path, _ := cmd.Flags().GetString("db")
	channel, _ := cmd.Flags().GetString("channel")
	jsonMode, _ := cmd.Flags().GetBool("json")

	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("--db is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database %s: %w", path, err)
	}
	st, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return &cmdContext{Store: st, Channel: strings.TrimSpace(channel), JSONMode: jsonMode}, nil
}

func (c *cmdContext) requireChannel() error {
	if c.Channel == "" {
		return fmt.Errorf("--channel is required")
	}
	return nil
}

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())
	return err
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"dmsync/database"
	"dmsync/models"
)

var historyLimit int

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "number of messages to show")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <peer-id>",
	Short: "Print the cached conversation with a peer, without touching the network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := parsePeer(args[0])
		if err != nil {
			return err
		}
		if cfg.Auth.UserID <= 0 {
			return errors.New("auth.user_id is required")
		}
		cache, err := database.Open(cfg.Cache.Path)
		if err != nil {
			return err
		}
		defer cache.Close()

		convID, ok, err := cache.ConversationFor(cfg.Auth.UserID, peer)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !ok {
			fmt.Fprintf(out, "no cached conversation with %s\n", peerLabel(peer))
			return nil
		}
		msgs, err := cache.Messages(convID, historyLimit)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, m := range msgs {
			fmt.Fprintln(out, formatLine(m, cfg.Auth.UserID, peer, now))
		}
		return nil
	},
}

func formatLine(m models.Message, self, peer int64, now time.Time) string {
	who := peerLabel(peer)
	if m.SenderID == self {
		who = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", humanize.RelTime(m.Timestamp, now, "ago", "from now"), who, m.Content)
	if m.SenderID == self && m.Read && !m.Deleted {
		line += " (read)"
	}
	return line
}

package main

import (
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dmsync/tui"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Open the conversation with a peer in the terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := parsePeer(args[0])
		if err != nil {
			return err
		}

		// stderr belongs to the terminal UI unless logs go to a file
		l := log
		if os.Getenv("DMCHAT_LOG_SINK") == "" {
			l = zap.NewNop()
		}
		sess, cache, err := openSession(l)
		if err != nil {
			return err
		}
		defer func() {
			sess.Close()
			if cache != nil {
				cache.Close()
			}
		}()

		go func() {
			if err := sess.SelectPeer(cmd.Context(), peer); err != nil {
				l.Warn("select peer failed", zap.Int64("peer_id", peer), zap.Error(err))
			}
		}()

		p := tea.NewProgram(tui.New(sess, peerLabel(peer)), tea.WithAltScreen(), tea.WithMouseCellMotion())
		_, err = p.Run()
		return err
	},
}

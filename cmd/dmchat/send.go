package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> <text...>",
	Short: "Send one message to a peer",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := parsePeer(args[0])
		if err != nil {
			return err
		}
		sess, cache, err := openSession(log)
		if err != nil {
			return err
		}
		defer func() {
			sess.Close()
			if cache != nil {
				cache.Close()
			}
		}()

		ctx := cmd.Context()
		if err := sess.SelectPeer(ctx, peer); err != nil {
			return err
		}
		msg, err := sess.SendText(ctx, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		log.Debug("message sent", zap.Int64("message_id", msg.ID.Server))
		fmt.Fprintf(cmd.OutOrStdout(), "sent message %s to %s\n", msg.ID, peerLabel(peer))
		return nil
	},
}

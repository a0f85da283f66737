package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dmsync/models"
)

func init() {
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List the users you can open a conversation with",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.API.BaseURL == "" {
			return errors.New("api.base_url is required")
		}
		return listUsers(cmd.Context(), newAPI(log), cmd.OutOrStdout())
	},
}

type userLister interface {
	ListUsers(ctx context.Context) ([]models.UserResponse, error)
}

func listUsers(ctx context.Context, api userLister, out io.Writer) error {
	users, err := api.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(out, "no other users")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tSTATUS")
	for _, u := range users {
		status := "offline"
		if u.Online {
			status = "online"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", u.ID, u.Username, status)
	}
	return tw.Flush()
}

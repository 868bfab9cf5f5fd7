package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newConversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List conversations with unread counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, container, cleanup, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			convs, err := container.Inbox.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}

			self := container.Config.Session.UserID
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWITH\tPRODUCT\tUNREAD\tLAST MESSAGE")
			for _, c := range convs {
				last := "-"
				if c.LastMessage != nil {
					last = fmt.Sprintf("%s %q", c.LastMessage.SentAt.Local().Format("Jan 2 15:04"), c.LastMessage.Content)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", c.ID, c.Counterpart(self), c.ProductID, c.UnreadCount, last)
			}
			return w.Flush()
		},
	}
}

package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newChatsCommand(fs afero.Fs, f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage locally stored chats",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List chats, most recently active first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, err := f.openStore(fs)
				if err != nil {
					return err
				}
				convs, err := store.ListConversations(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
				for _, c := range convs {
					fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Title, c.UpdatedAt.Local().Format(time.DateTime))
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "new [title...]",
			Short: "Start an empty chat",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := f.openStore(fs)
				if err != nil {
					return err
				}
				conv, err := store.CreateConversation(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print a chat's messages",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := f.openStore(fs)
				if err != nil {
					return err
				}
				conv, err := store.GetConversation(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				msgs, err := store.ListMessages(cmd.Context(), conv.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s (%s)\n", conv.Title, conv.ID)
				for _, m := range msgs {
					fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
					if m.ArtifactURL != "" {
						fmt.Fprintf(out, "  %s\n", m.ArtifactURL)
					}
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "rename <id> <title...>",
			Short: "Rename a chat",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := f.openStore(fs)
				if err != nil {
					return err
				}
				conv, err := store.RenameConversation(cmd.Context(), args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s renamed to %q\n", conv.ID, conv.Title)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a chat and its messages",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := f.openStore(fs)
				if err != nil {
					return err
				}
				if err := store.DeleteConversation(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

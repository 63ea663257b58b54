package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"manimatic/internal/client"
	"manimatic/internal/domain"
)

func newAskCommand(fs afero.Fs, f *rootFlags) *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "ask <prompt...>",
		Short: "Generate an animation and record the exchange in a chat",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				return errors.New("prompt must not be empty")
			}
			ctx := cmd.Context()
			log := f.logger(cmd)

			store, err := f.openStore(fs)
			if err != nil {
				return err
			}
			api, err := client.New(f.serverURL)
			if err != nil {
				return err
			}

			if chatID == "" {
				conv, err := store.CreateConversation(ctx, "")
				if err != nil {
					return err
				}
				chatID = conv.ID
			} else if _, err := store.GetConversation(ctx, chatID); err != nil {
				return err
			}

			if _, err := store.AppendMessage(ctx, domain.Message{ConversationID: chatID, Role: domain.RoleUser, Content: prompt}); err != nil {
				return err
			}

			reply := domain.Message{ConversationID: chatID, Role: domain.RoleAssistant, Content: failureReply}
			url, err := api.Generate(ctx, prompt)
			if err != nil {
				log.Error("animation generation failed", "chat", chatID, "err", err)
			} else {
				log.Debug("animation generated", "chat", chatID, "url", url)
				reply.Content = successReply
				reply.ArtifactURL = url
			}
			if _, err := store.AppendMessage(ctx, reply); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "[%s] %s\n", chatID, reply.Content)
			if reply.ArtifactURL != "" {
				fmt.Fprintln(out, reply.ArtifactURL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "continue an existing chat instead of starting a new one")
	return cmd
}

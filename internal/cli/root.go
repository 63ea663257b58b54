// Package cli is the manimatic command line: it asks a server for
// animations and keeps the conversation history in a local chat store.
package cli

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"manimatic/internal/chatstore"
	"manimatic/internal/client"
)

const (
	envServerURL = "MANIMATIC_SERVER"

	successReply = "Here's your animation:"
	failureReply = "Sorry, there was an error generating your animation. Please try again."
)

type rootFlags struct {
	storePath string
	serverURL string
	verbose   bool
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".manimatic", "chats.json")
	}
	return filepath.Join(home, ".manimatic", "chats.json")
}

func defaultServerURL() string {
	if v := os.Getenv(envServerURL); v != "" {
		return v
	}
	return client.DefaultServerURL
}

// NewRootCommand builds the command tree. fs holds the chat store.
func NewRootCommand(fs afero.Fs) *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:          "manimatic",
		Short:        "Turn prompts into Manim animations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&f.storePath, "store", defaultStorePath(), "path of the local chat store")
	root.PersistentFlags().StringVar(&f.serverURL, "server", defaultServerURL(), "manimatic server address")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "log debug output")

	root.AddCommand(newAskCommand(fs, f), newChatsCommand(fs, f))
	return root
}

func (f *rootFlags) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (f *rootFlags) openStore(fs afero.Fs) (*chatstore.Store, error) {
	return chatstore.Open(fs, f.storePath)
}

// Package commands implements the cubbyctl command tree.
package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/cubby/internal/cli/prompt"
	"github.com/marmos91/cubby/pkg/client"
)

var (
	serverAddr string
	username   string
	password   string
)

var rootCmd = &cobra.Command{
	Use:   "cubbyctl",
	Short: "Client for the cubby file storage server",
	Long: `cubbyctl talks to a cubby server over its persistent TCP session
protocol: handshake, one authentication, then file commands.

Examples:
  # Interactive session
  cubbyctl shell --server localhost:2121 --username alice

  # One-shot commands
  cubbyctl upload notes.txt --server localhost:2121 -u alice -p pw123
  cubbyctl list --server localhost:2121 -u alice -p pw123
  cubbyctl download notes.txt --server localhost:2121 -u alice -p pw123`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:2121", "Server address (host:port)")
	rootCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "Username")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", "", "Password (prompted if omitted)")

	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// connect dials the server, handshakes, and authenticates, prompting
// for missing credentials.
func connect() (*client.Client, error) {
	var err error
	if username == "" {
		username, err = prompt.InputRequired("Username")
		if err != nil {
			return nil, err
		}
	}
	if password == "" {
		password, err = prompt.Password("Password")
		if err != nil {
			return nil, err
		}
	}

	c, err := client.Dial(serverAddr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	if err := c.Login(username, password); err != nil {
		c.Close()
		return nil, fmt.Errorf("login as %s: %w", username, err)
	}
	return c, nil
}

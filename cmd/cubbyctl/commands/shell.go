package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/cubby/internal/cli/prompt"
	"github.com/marmos91/cubby/pkg/client"
	"github.com/marmos91/cubby/pkg/protocol"
)

const (
	menuUpload   = "Upload file"
	menuDownload = "Download file"
	menuPreview  = "Preview file"
	menuDelete   = "Delete file"
	menuList     = "List files"
	menuExit     = "Exit"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive session with the server",
	Long: `Open a session and run commands from a menu until you exit.

The session stays on one connection; if the server shuts down while the
menu is open, the session ends cleanly instead of retrying.`,
	RunE: runShell,
}

func runShell(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("Connected to %s as %s\n", serverAddr, username)

	for {
		// The server can push a shutdown notice at any time; catch it
		// here so the menu never offers commands on a dead session.
		if err := c.PollShutdown(50 * time.Millisecond); err != nil {
			return shellErr(err)
		}

		choice, err := prompt.Select("Command", []string{
			menuUpload, menuDownload, menuPreview, menuDelete, menuList, menuExit,
		})
		if err != nil {
			if prompt.IsAborted(err) {
				return c.Exit()
			}
			return err
		}

		if choice == menuExit {
			return c.Exit()
		}
		if err := runChoice(c, choice); err != nil {
			if isSessionFatal(err) {
				return shellErr(err)
			}
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func runChoice(c *client.Client, choice string) error {
	switch choice {
	case menuUpload:
		path, err := prompt.InputRequired("File path to upload")
		if err != nil {
			return err
		}
		if err := c.UploadFile(path); err != nil {
			return err
		}
		fmt.Println("File uploaded successfully")
		return nil

	case menuDownload:
		name, err := prompt.InputRequired("Filename to download")
		if err != nil {
			return err
		}
		local, err := prompt.Input("Save as", name)
		if err != nil {
			return err
		}
		if err := c.DownloadFile(name, local); err != nil {
			return err
		}
		fmt.Printf("Saved %s\n", local)
		return nil

	case menuPreview:
		name, err := prompt.InputRequired("Filename to preview")
		if err != nil {
			return err
		}
		preview, err := c.Preview(name)
		if err != nil {
			return err
		}
		fmt.Println(preview)
		return nil

	case menuDelete:
		name, err := prompt.InputRequired("Filename to delete")
		if err != nil {
			return err
		}
		if err := c.Delete(name); err != nil {
			return err
		}
		fmt.Println("File deleted")
		return nil

	case menuList:
		files, err := c.List()
		if err != nil {
			return err
		}
		printListing(files)
		return nil
	}
	return nil
}

// isSessionFatal reports whether the session cannot continue: a
// shutdown push, lost framing, or an aborted transfer.
func isSessionFatal(err error) bool {
	return errors.Is(err, protocol.ErrShutdownInProgress) ||
		errors.Is(err, protocol.ErrMalformedMessage) ||
		errors.Is(err, protocol.ErrTransferAborted)
}

func shellErr(err error) error {
	if errors.Is(err, protocol.ErrShutdownInProgress) {
		fmt.Println("Server is shutting down, closing session")
		return nil
	}
	return err
}

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marmos91/cubby/internal/cli/output"
	"github.com/marmos91/cubby/pkg/client"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a local file to your cubby",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *client.Client) error {
			if err := c.UploadFile(args[0]); err != nil {
				return err
			}
			fmt.Printf("Uploaded %s\n", filepath.Base(args[0]))
			return nil
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <filename> [local-path]",
	Short: "Download a file from your cubby",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		local := args[0]
		if len(args) == 2 {
			local = args[1]
		}
		return withSession(func(c *client.Client) error {
			if err := c.DownloadFile(args[0], local); err != nil {
				return err
			}
			fmt.Printf("Downloaded %s to %s\n", args[0], local)
			return nil
		})
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <filename>",
	Short: "Show the first kilobyte of a stored file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *client.Client) error {
			preview, err := c.Preview(args[0])
			if err != nil {
				return err
			}
			fmt.Println(preview)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <filename>",
	Short: "Delete a file from your cubby",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *client.Client) error {
			if err := c.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the files in your cubby",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(c *client.Client) error {
			files, err := c.List()
			if err != nil {
				return err
			}
			printListing(files)
			return nil
		})
	},
}

// withSession connects, runs fn, and ends the session with exit.
func withSession(fn func(*client.Client) error) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Exit()
	return fn(c)
}

func printListing(files []string) {
	if len(files) == 0 {
		fmt.Println("No files stored")
		return
	}
	rows := make([][]string, 0, len(files))
	for i, name := range files {
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), name})
	}
	output.PrintTable(os.Stdout, []string{"#", "Filename"}, rows)
}

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/marmos91/cubby/internal/cli/prompt"
	"github.com/marmos91/cubby/pkg/config"
	"github.com/marmos91/cubby/pkg/identity"
)

const userUsage = `Manage cubby users.

Usage:
  cubby user add <username> [--password <password>]
  cubby user delete <username>
  cubby user list

Flags:
  --config string    Path to config file
`

// runUser handles the user subcommand
func runUser() {
	userFlags := flag.NewFlagSet("user", flag.ExitOnError)
	configFile := userFlags.String("config", "", "Path to config file")
	password := userFlags.String("password", "", "Password for user add (prompted if omitted)")

	args := os.Args[2:]
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, userUsage)
		os.Exit(1)
	}
	// Username is positional and comes before flags: cubby user add alice --password pw
	action := args[0]
	var username string
	rest := args[1:]
	if (action == "add" || action == "delete") && len(rest) > 0 && rest[0][0] != '-' {
		username = rest[0]
		rest = rest[1:]
	}
	if err := userFlags.Parse(rest); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	if (action == "add" || action == "delete") && username == "" {
		fmt.Fprint(os.Stderr, userUsage)
		os.Exit(1)
	}

	cfg, err := config.MustLoad(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, err := identity.NewFileStore(cfg.Server.CredentialsFile)
	if err != nil {
		log.Fatalf("Failed to load credentials file: %v", err)
	}

	switch action {
	case "add":
		pw := *password
		if pw == "" {
			pw, err = prompt.Password(fmt.Sprintf("Password for %s", username))
			if err != nil {
				log.Fatalf("Failed to read password: %v", err)
			}
		}
		if err := store.Add(username, pw); err != nil {
			log.Fatalf("Failed to add user: %v", err)
		}
		fmt.Printf("User %s added\n", username)

	case "delete":
		if err := store.Remove(username); err != nil {
			log.Fatalf("Failed to delete user: %v", err)
		}
		fmt.Printf("User %s deleted\n", username)

	case "list":
		names := store.Usernames()
		if len(names) == 0 {
			fmt.Println("No users")
			return
		}
		for _, name := range names {
			fmt.Println(name)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown user action: %s\n\n", action)
		fmt.Fprint(os.Stderr, userUsage)
		os.Exit(1)
	}
}

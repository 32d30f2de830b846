package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/migadu/soracal/db"
	"github.com/migadu/soracal/logger"
)

func handleCreateAccount(ctx context.Context) {
	fs := flag.NewFlagSet("create-account", flag.ExitOnError)
	configPath := configFlag(fs)
	email := fs.String("email", "", "Primary address of the new account (required)")
	name := fs.String("name", "", "Display name used as CN in outgoing replies")
	password := fs.String("password", "", "Password for HTTP API access (optional)")
	fs.Usage = func() {
		fmt.Printf(`Create a new account

Usage:
  soracal-admin create-account [options]

Options:
  --email string       Primary address of the new account (required)
  --name string        Display name used as CN in outgoing replies
  --password string    Password for HTTP API access; accounts without one
                       can only receive mail over LMTP
  --config string      Path to TOML configuration file (default: config.toml)

Examples:
  soracal-admin create-account --email user@example.com --name "Jane Doe" --password secret
`)
	}
	fs.Parse(os.Args[2:])

	if *email == "" {
		fmt.Println("Error: --email is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	id, err := database.CreateAccount(ctx, db.CreateAccountRequest{
		Email:       *email,
		DisplayName: *name,
		Password:    *password,
	})
	if err != nil {
		logger.Fatalf("Failed to create account: %v", err)
	}
	fmt.Printf("Account %s created (id %d)\n", *email, id)
}

func handleAddAlias(ctx context.Context) {
	fs := flag.NewFlagSet("add-alias", flag.ExitOnError)
	configPath := configFlag(fs)
	email := fs.String("email", "", "Any address of the existing account (required)")
	alias := fs.String("alias", "", "Address to attach (required)")
	remove := fs.Bool("remove", false, "Detach the alias instead of adding it")
	fs.Usage = func() {
		fmt.Printf(`Attach or detach an alias address

Mail to an alias is delivered to the owning account, and replies to
invitations addressed to the alias are sent from it.

Usage:
  soracal-admin add-alias --email user@example.com --alias u@example.com
  soracal-admin add-alias --alias u@example.com --remove
`)
	}
	fs.Parse(os.Args[2:])

	if *alias == "" || (*email == "" && !*remove) {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	if *remove {
		if err := database.RemoveAlias(ctx, *alias); err != nil {
			logger.Fatalf("Failed to remove alias %s: %v", *alias, err)
		}
		fmt.Printf("Alias %s removed\n", *alias)
		return
	}
	if err := database.AddAlias(ctx, *email, *alias); err != nil {
		logger.Fatalf("Failed to add alias %s: %v", *alias, err)
	}
	fmt.Printf("Alias %s added to %s\n", *alias, *email)
}

func handleDeleteAccount(ctx context.Context) {
	fs := flag.NewFlagSet("delete-account", flag.ExitOnError)
	configPath := configFlag(fs)
	email := fs.String("email", "", "Primary address of the account (required)")
	confirm := fs.Bool("confirm", false, "Confirm deletion of the account with all its events and inbox entries")
	fs.Parse(os.Args[2:])

	if *email == "" || !*confirm {
		fmt.Println("Usage: soracal-admin delete-account --email user@example.com --confirm")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	if err := database.DeleteAccount(ctx, *email); err != nil {
		logger.Fatalf("Failed to delete account %s: %v", *email, err)
	}
	fmt.Printf("Account %s deleted\n", *email)
}

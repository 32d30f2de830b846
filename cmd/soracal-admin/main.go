package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/soracal/config"
	"github.com/migadu/soracal/db"
	"github.com/migadu/soracal/logger"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	switch command {
	case "create-account":
		handleCreateAccount(ctx)
	case "add-alias":
		handleAddAlias(ctx)
	case "delete-account":
		handleDeleteAccount(ctx)
	case "report":
		handleReportCommand(ctx)
	case "migrate":
		handleMigrateCommand(ctx)
	case "import-imap":
		handleImportIMAP(ctx)
	case "spamcheck":
		handleSpamCheck(ctx)
	case "purge":
		handlePurge(ctx)
	case "version", "--version", "-v":
		fmt.Printf("soracal-admin version %s (commit: %s, built at: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`SORACAL Admin Tool

Usage:
  soracal-admin <command> [options]

Commands:
  create-account    Create a new account
  add-alias         Attach an additional address to an account
  delete-account    Delete an account and its calendar data
  report            Show iTIP traffic and inbox reports
  migrate           Manage database schema migrations
  import-imap       Analyze scheduling messages stored in an IMAP mailbox
  spamcheck         Run a message file through spamd
  purge             Remove inbox entries past their retention now
  version           Show version information
  help              Show this help message

Examples:
  soracal-admin create-account --email user@example.com --password mypassword
  soracal-admin add-alias --email user@example.com --alias u@example.com
  soracal-admin report methods --since 7d
  soracal-admin migrate up
  soracal-admin import-imap --email user@example.com --imap-addr imap.example.com:993 --imap-user user --imap-password secret

Use 'soracal-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the TOML file over the defaults and initializes logging.
// A missing default config.toml is not an error.
func loadConfig(configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || configPath != "config.toml" {
			logger.Fatalf("Failed to load configuration from %s: %v", configPath, err)
		}
	}
	// Admin output goes to the terminal; the server's log destination is not reused.
	cfg.Logging.Output = "stderr"
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Warning initializing logger: %v\n", err)
	}
	return cfg
}

// openDatabase connects without running migrations; schema changes are the
// business of the migrate command.
func openDatabase(ctx context.Context, cfg config.Config) *db.Database {
	cfg.Database.AutoMigrate = false
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	return database
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "config.toml", "Path to TOML configuration file")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/migadu/soracal/db"
	"github.com/migadu/soracal/helpers"
	"github.com/migadu/soracal/logger"
)

func handleReportCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printReportUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	fs := flag.NewFlagSet("report "+subcommand, flag.ExitOnError)
	configPath := configFlag(fs)
	since := fs.String("since", "30d", "Only count messages received within this period")
	olderThan := fs.String("older-than", "0s", "Only list pending analyses older than this (pending)")
	limit := fs.Int("limit", 20, "Maximum number of rows (organizers, pending)")
	fs.Parse(os.Args[3:])

	period, err := helpers.ParseDuration(*since)
	if err != nil {
		logger.Fatalf("Invalid --since: %v", err)
	}
	age, err := helpers.ParseDuration(*olderThan)
	if err != nil {
		logger.Fatalf("Invalid --older-than: %v", err)
	}

	cfg := loadConfig(*configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	now := time.Now()
	switch subcommand {
	case "methods":
		rows, err := database.MethodHistogram(ctx, now.Add(-period))
		if err != nil {
			logger.Fatalf("Report failed: %v", err)
		}
		writeMethodReport(os.Stdout, rows, now)
	case "organizers":
		rows, err := database.TopOrganizers(ctx, now.Add(-period), *limit)
		if err != nil {
			logger.Fatalf("Report failed: %v", err)
		}
		writeOrganizerReport(os.Stdout, rows)
	case "pending":
		rows, err := database.PendingAnalyses(ctx, age, *limit)
		if err != nil {
			logger.Fatalf("Report failed: %v", err)
		}
		writePendingReport(os.Stdout, rows, now)
	case "accounts":
		rows, err := database.ListAccounts(ctx)
		if err != nil {
			logger.Fatalf("Report failed: %v", err)
		}
		writeAccountReport(os.Stdout, rows)
	default:
		fmt.Printf("Unknown report: %s\n\n", subcommand)
		printReportUsage()
		os.Exit(1)
	}
}

func printReportUsage() {
	fmt.Printf(`iTIP Reports

Usage:
  soracal-admin report <report> [options]

Reports:
  methods      Messages per iTIP method, with pending and auto-applied counts
  organizers   Organizers that sent the most scheduling messages
  pending      Analyses still waiting for a decision, oldest first
  accounts     Accounts with event and inbox counts

Options:
  --since duration       Period for methods and organizers (default: 30d)
  --older-than duration  Minimum age for pending (default: 0s)
  --limit int            Maximum rows for organizers and pending (default: 20)
  --config string        Path to TOML configuration file (default: config.toml)
`)
}

func writeMethodReport(out io.Writer, rows []db.MethodCount, now time.Time) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No messages in period.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METHOD\tTOTAL\tPENDING\tAUTO\tLAST")
	var total int64
	for _, r := range rows {
		total += r.Total
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Method, humanize.Comma(r.Total), humanize.Comma(r.Pending),
			humanize.Comma(r.Auto), humanize.RelTime(r.Last, now, "ago", "from now"))
	}
	fmt.Fprintf(w, "\t%s\t\t\t\n", humanize.Comma(total))
	w.Flush()
}

func writeOrganizerReport(out io.Writer, rows []db.OrganizerCount) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No organizers in period.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tORGANIZER\tMESSAGES\tEVENTS\tACCOUNTS")
	for i, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", humanize.Ordinal(i+1), r.Organizer,
			humanize.Comma(r.Messages), humanize.Comma(r.Events), humanize.Comma(r.Accounts))
	}
	w.Flush()
}

func writePendingReport(out io.Writer, rows []db.PendingSummary, now time.Time) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No pending analyses.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACCOUNT\tMETHOD\tFROM\tSUBJECT\tACTIONS\tRECEIVED")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Email, r.Method, r.Sender,
			truncate(r.Subject, 40), strings.Join(r.Actions, ","), humanize.RelTime(r.ReceivedAt, now, "ago", "from now"))
	}
	w.Flush()
}

func writeAccountReport(out io.Writer, rows []db.AccountSummary) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No accounts.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tALIASES\tEVENTS\tRECURRING\tPENDING\tMESSAGES\tCREATED")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Email, r.Aliases,
			humanize.Comma(r.Events), humanize.Comma(r.Recurring), humanize.Comma(r.Pending),
			humanize.Comma(r.Messages), r.CreatedAt.Format("2006-01-02"))
	}
	w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/spamc"
)

func handleSpamCheck(ctx context.Context) {
	fs := flag.NewFlagSet("spamcheck", flag.ExitOnError)
	configPath := configFlag(fs)
	ping := fs.Bool("ping", false, "Only check that spamd answers")
	fs.Usage = func() {
		fmt.Println("Usage: soracal-admin spamcheck [--config config.toml] [--ping] [message.eml]")
		fmt.Println("Runs a message (or stdin) through the configured spamd and prints the report.")
	}
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	client, err := spamc.NewFromConfig(cfg.SpamAssassin)
	if err != nil {
		logger.Fatalf("Invalid spamassassin configuration: %v", err)
	}

	if *ping {
		if err := client.Ping(ctx); err != nil {
			logger.Fatalf("spamd at %s is not answering: %v", cfg.SpamAssassin.Addr, err)
		}
		fmt.Printf("spamd at %s: PONG\n", cfg.SpamAssassin.Addr)
		return
	}

	var in io.Reader = os.Stdin
	if fs.NArg() > 0 {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			logger.Fatalf("Failed to open message: %v", err)
		}
		defer f.Close()
		in = f
	}
	raw, err := io.ReadAll(in)
	if err != nil {
		logger.Fatalf("Failed to read message: %v", err)
	}

	res, err := client.Report(ctx, raw)
	if err != nil {
		logger.Fatalf("spamd check failed: %v", err)
	}
	writeSpamReport(os.Stdout, res)
}

func writeSpamReport(out io.Writer, res *spamc.Result) {
	verdict := "ham"
	if res.Spam {
		verdict = "SPAM"
	}
	fmt.Fprintf(out, "Verdict: %s (score %.1f / threshold %.1f)\n", verdict, res.Score, res.Threshold)
	if len(res.Rules) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nPTS\tRULE\tDESCRIPTION")
	for _, r := range res.Rules {
		fmt.Fprintf(w, "%.1f\t%s\t%s\n", r.Points, r.Name, r.Description)
	}
	w.Flush()
}

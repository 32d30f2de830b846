package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/calendar/caldavprovider"
	"github.com/migadu/soracal/config"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/db"
	"github.com/migadu/soracal/dedup"
	"github.com/migadu/soracal/helpers"
	"github.com/migadu/soracal/itip"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/mailcal"
	"github.com/migadu/soracal/processor"
	"github.com/migadu/soracal/storage"
)

const importBatchSize = 50

// messageSource yields raw messages in mailbox order.
type messageSource interface {
	Each(ctx context.Context, fn func(uid uint32, raw []byte) error) error
	Close() error
}

type importPipeline interface {
	Analyze(ctx context.Context, p calendar.Principal, raw []byte) (*itip.Analysis, *mailcal.Envelope, error)
	Process(ctx context.Context, p calendar.Principal, raw []byte, source string) (*processor.Outcome, error)
}

// ImportStats counts messages by outcome.
type ImportStats struct {
	Seen     int
	ByStatus map[processor.Status]int
	Skipped  int
	Failed   int
}

// Importer feeds mailbox contents through the processor, one message at a
// time so later updates of an event are analyzed after earlier ones.
type Importer struct {
	pipeline  importPipeline
	principal calendar.Principal
	dryRun    bool
	stats     ImportStats
}

func NewImporter(pipeline importPipeline, p calendar.Principal, dryRun bool) *Importer {
	return &Importer{
		pipeline:  pipeline,
		principal: p,
		dryRun:    dryRun,
		stats:     ImportStats{ByStatus: make(map[processor.Status]int)},
	}
}

func (im *Importer) Run(ctx context.Context, src messageSource) (ImportStats, error) {
	err := src.Each(ctx, func(uid uint32, raw []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		im.stats.Seen++
		im.importOne(ctx, uid, raw)
		return nil
	})
	return im.stats, err
}

func (im *Importer) importOne(ctx context.Context, uid uint32, raw []byte) {
	if im.dryRun {
		a, env, err := im.pipeline.Analyze(ctx, im.principal, raw)
		switch {
		case errors.Is(err, consts.ErrNoCalendarPart):
			im.stats.Skipped++
		case err != nil:
			im.stats.Failed++
			logger.Warn("Import: analysis failed", "uid", uid, "error", err)
		default:
			im.stats.ByStatus[processor.StatusStored]++
			fmt.Printf("%6d  %-14s %-40s %s\n", uid, a.Method, truncate(env.Subject, 40), joinActions(a.Actions))
		}
		return
	}

	out, err := im.pipeline.Process(ctx, im.principal, raw, "import")
	if err != nil {
		im.stats.Failed++
		logger.Warn("Import: message failed", "uid", uid, "error", err)
		return
	}
	im.stats.ByStatus[out.Status]++
	if out.Status == processor.StatusNotScheduling {
		im.stats.Skipped++
	}
	logger.Debug("Import: message processed", "uid", uid, "status", out.Status, "entry_id", out.EntryID)
}

func joinActions(actions []itip.Action) string {
	s := make([]string, len(actions))
	for i, a := range actions {
		s[i] = string(a)
	}
	return strings.Join(s, ",")
}

// imapSource reads a mailbox with go-imap. The mailbox is opened read-only
// and bodies are fetched with PEEK, so \Seen flags are left untouched.
type imapSource struct {
	client  *imapclient.Client
	mailbox string
	since   time.Time
}

func dialIMAP(cfg config.IMAPImportConfig, since time.Time) (*imapSource, error) {
	var (
		c   *imapclient.Client
		err error
	)
	if cfg.Insecure {
		c, err = imapclient.DialInsecure(cfg.Addr, nil)
	} else {
		c, err = imapclient.DialTLS(cfg.Addr, &imapclient.Options{TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12}})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Addr, err)
	}
	if err := c.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		c.Close()
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return &imapSource{client: c, mailbox: cfg.Mailbox, since: since}, nil
}

func (s *imapSource) Each(ctx context.Context, fn func(uid uint32, raw []byte) error) error {
	sel, err := s.client.Select(s.mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", s.mailbox, err)
	}
	logger.Info("Import: mailbox selected", "mailbox", s.mailbox, "messages", sel.NumMessages)

	criteria := &imap.SearchCriteria{}
	if !s.since.IsZero() {
		criteria.Since = s.since
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	uids := data.AllUIDs()

	section := &imap.FetchItemBodySection{Peek: true}
	for start := 0; start < len(uids); start += importBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+importBatchSize, len(uids))
		msgs, err := s.client.Fetch(imap.UIDSetNum(uids[start:end]...), &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		for _, msg := range msgs {
			raw := msg.FindBodySection(section)
			if raw == nil {
				continue
			}
			if err := fn(uint32(msg.UID), raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *imapSource) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		logger.Debug("Import: logout failed", "error", err)
	}
	return s.client.Close()
}

// buildPipeline wires a processor like the server does, minus spam checks
// and outgoing mail: imported history is trusted and already answered.
func buildPipeline(ctx context.Context, cfg config.Config, database *db.Database) (*processor.Processor, func()) {
	cleanup := func() {}

	var archive processor.Archiver
	if cfg.S3.IsConfigured() {
		s3, err := storage.NewFromConfig(cfg.S3)
		if err != nil {
			logger.Fatalf("Failed to initialize S3 storage: %v", err)
		}
		archive = s3
	}

	var dedupe processor.Deduper
	if cfg.Dedup.Path != "" {
		retention, _ := cfg.Dedup.GetRetention()
		idx, err := dedup.Open(cfg.Dedup.Path, retention)
		if err != nil {
			logger.Fatalf("Failed to open dedup index: %v", err)
		}
		dedupe = idx
		cleanup = func() { idx.Close() }
	}

	prodID := cfg.ITIP.GetProdID()
	var secondaries []calendar.Provider
	for _, pc := range cfg.CalDAV {
		p, err := caldavprovider.New(pc, prodID)
		if err != nil {
			logger.Fatalf("CalDAV provider %s: %v", pc.ID, err)
		}
		secondaries = append(secondaries, p)
	}
	store := calendar.NewComposite(db.NewEventStore(database), secondaries...)

	horizon, _ := cfg.ITIP.GetConflictHorizon()
	analyzer := itip.NewAnalyzerService(store, itip.Options{
		ConflictHorizon: horizon,
		MaxOccurrences:  cfg.ITIP.GetMaxOccurrences(),
	})
	performer := itip.NewPerformer(store, nil)
	return processor.New(analyzer, database, performer, dedupe, nil, archive,
		processor.OptionsFromConfig(cfg.SpamAssassin, cfg.ITIP)), cleanup
}

func handleImportIMAP(ctx context.Context) {
	fs := flag.NewFlagSet("import-imap", flag.ExitOnError)
	configPath := configFlag(fs)
	email := fs.String("email", "", "Account that receives the imported analyses (required)")
	addr := fs.String("imap-addr", "", "IMAP server host:port (overrides imap_import.addr)")
	user := fs.String("imap-user", "", "IMAP username (overrides imap_import.username)")
	password := fs.String("imap-password", "", "IMAP password (overrides imap_import.password)")
	mailbox := fs.String("mailbox", "", "Mailbox to read (overrides imap_import.mailbox, default INBOX)")
	since := fs.String("since", "", "Only import messages received within this period, e.g. 90d")
	insecure := fs.Bool("insecure", false, "Connect without TLS")
	dryRun := fs.Bool("dry-run", false, "Analyze and print, but store nothing")
	fs.Usage = func() {
		fmt.Printf(`Import scheduling messages from an IMAP mailbox

Messages are read oldest first and run through the same pipeline as LMTP
deliveries. Messages without a calendar part are skipped. Re-running an
import is safe while the dedup index is configured.

Usage:
  soracal-admin import-imap --email user@example.com [options]

Options:
  --imap-addr string      IMAP server host:port
  --imap-user string      IMAP username
  --imap-password string  IMAP password
  --mailbox string        Mailbox to read (default: INBOX)
  --since duration        Only import recent messages, e.g. 90d
  --insecure              Connect without TLS
  --dry-run               Analyze and print, but store nothing
  --config string         Path to TOML configuration file (default: config.toml)
`)
	}
	fs.Parse(os.Args[2:])

	if *email == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	ic := cfg.IMAPImport
	if *addr != "" {
		ic.Addr = *addr
	}
	if *user != "" {
		ic.Username = *user
	}
	if *password != "" {
		ic.Password = *password
	}
	if *mailbox != "" {
		ic.Mailbox = *mailbox
	}
	if *insecure {
		ic.Insecure = true
	}
	if ic.Addr == "" || ic.Username == "" {
		logger.Fatal("IMAP address and username are required")
	}

	var sinceTime time.Time
	if *since != "" {
		d, err := helpers.ParseDuration(*since)
		if err != nil {
			logger.Fatalf("Invalid --since: %v", err)
		}
		sinceTime = time.Now().Add(-d)
	}

	database := openDatabase(ctx, cfg)
	defer database.Close()

	p, err := database.GetPrincipal(ctx, *email)
	if err != nil {
		logger.Fatalf("Unknown account %s: %v", *email, err)
	}

	pipeline, cleanup := buildPipeline(ctx, cfg, database)
	defer cleanup()

	src, err := dialIMAP(ic, sinceTime)
	if err != nil {
		logger.Fatalf("IMAP: %v", err)
	}
	defer src.Close()

	start := time.Now()
	stats, err := NewImporter(pipeline, p, *dryRun).Run(ctx, src)
	if err != nil {
		logger.Error("Import aborted", "error", err)
	}

	fmt.Printf("\nImported %d message(s) in %s\n", stats.Seen, time.Since(start).Round(time.Millisecond))
	for _, status := range []processor.Status{processor.StatusStored, processor.StatusApplied, processor.StatusDuplicate, processor.StatusSpam} {
		if n := stats.ByStatus[status]; n > 0 {
			fmt.Printf("  %-10s %d\n", status, n)
		}
	}
	fmt.Printf("  %-10s %d\n  %-10s %d\n", "skipped", stats.Skipped, "failed", stats.Failed)
	if err != nil || stats.Failed > 0 {
		os.Exit(1)
	}
}

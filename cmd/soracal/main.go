package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/calendar/caldavprovider"
	"github.com/migadu/soracal/config"
	"github.com/migadu/soracal/db"
	"github.com/migadu/soracal/dedup"
	"github.com/migadu/soracal/itip"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/pkg/authcache"
	"github.com/migadu/soracal/pkg/errors"
	"github.com/migadu/soracal/pkg/health"
	"github.com/migadu/soracal/pkg/metrics"
	"github.com/migadu/soracal/processor"
	"github.com/migadu/soracal/server/cleaner"
	"github.com/migadu/soracal/server/delivery"
	"github.com/migadu/soracal/server/httpapi"
	"github.com/migadu/soracal/server/lmtp"
	"github.com/migadu/soracal/spamc"
	"github.com/migadu/soracal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Add()  { sm.wg.Add(1) }
func (sm *serverManager) Done() { sm.wg.Done() }
func (sm *serverManager) Wait() { sm.wg.Wait() }

// serverDependencies encapsulates all shared services needed by the listeners
type serverDependencies struct {
	config        config.Config
	hostname      string
	database      *db.Database
	accounts      httpapi.Accounts
	authCache     *authcache.AuthCache
	storage       *storage.S3Storage
	dedupIndex    *dedup.Index
	spam          *spamc.Client
	relay         *delivery.SMTPRelay
	calendar      calendar.Provider
	processor     *processor.Processor
	performer     *itip.Performer
	cleaner       *cleaner.CleanupWorker
	health        *health.HealthMonitor
	serverManager *serverManager
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	fDebug := flag.Bool("debug", false, "Log at debug level (overrides config)")
	fLmtpAddr := flag.String("lmtpaddr", "", "LMTP listen address (overrides config)")
	fHTTPAddr := flag.String("httpaddr", "", "HTTP API listen address (overrides config)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("soracal version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)
	if *fDebug {
		cfg.Logging.Level = "debug"
	}
	if *fLmtpAddr != "" {
		cfg.Servers.LMTP.Addr = *fLmtpAddr
	}
	if *fHTTPAddr != "" {
		cfg.Servers.HTTPAPI.Addr = *fHTTPAddr
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SORACAL: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "SORACAL: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("SORACAL starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	deps, initErr := initializeServices(ctx, cfg)
	if initErr != nil {
		errorHandler.FatalError("initialize services", initErr)
		errorHandler.Exit()
	}
	defer deps.database.Close()
	if deps.dedupIndex != nil {
		defer deps.dedupIndex.Close()
	}
	defer deps.health.Stop()
	if deps.cleaner != nil {
		defer deps.cleaner.Stop()
	}
	if deps.authCache != nil {
		defer deps.authCache.Stop(context.Background())
	}

	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		done := make(chan struct{})
		go func() {
			deps.serverManager.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("All listeners closed")
		case <-time.After(10 * time.Second):
			logger.Warn("Server shutdown timeout reached after 10 seconds")
		}
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		cancel()
		errorHandler.Exit()
	}
}

// loadAndValidateConfig loads configuration from file and validates it
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			errorHandler.Exit()
		}
	} else {
		logger.Infof("Loaded configuration from %s", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("config", err)
		errorHandler.Exit()
	}
	if !cfg.Servers.LMTP.Start && !cfg.Servers.HTTPAPI.Start {
		errorHandler.ValidationError("servers", fmt.Errorf("no servers enabled, enable servers.lmtp or servers.http_api"))
		errorHandler.Exit()
	}
}

// initializeServices connects the database and optional backends and wires
// the scheduling pipeline.
func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	hostname, _ := os.Hostname()
	deps := &serverDependencies{
		config:        cfg,
		hostname:      hostname,
		health:        health.NewHealthMonitor(),
		serverManager: &serverManager{},
	}

	logger.Info("Connecting to database")
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	deps.database = database
	database.StartPoolMetrics(ctx)
	deps.health.RegisterCheck(&health.HealthCheck{
		Name:     "database",
		Critical: true,
		Check:    database.Ping,
	})

	deps.accounts = database
	if cfg.Cache.Enabled {
		positive, _ := cfg.Cache.GetPositiveTTL()
		negative, _ := cfg.Cache.GetNegativeTTL()
		deps.authCache = authcache.New(database, authcache.Options{
			PositiveTTL: positive,
			NegativeTTL: negative,
			MaxSize:     cfg.Cache.MaxSize,
		})
		deps.accounts = deps.authCache
	}

	// Optional stages are passed to the processor as untyped nil when disabled.
	var archive processor.Archiver
	if cfg.S3.IsConfigured() {
		logger.Infof("Connecting to S3 endpoint '%s', bucket '%s'", cfg.S3.Endpoint, cfg.S3.Bucket)
		deps.storage, err = storage.NewFromConfig(cfg.S3)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("initialize S3 storage: %w", err)
		}
		archive = deps.storage
		deps.health.RegisterCheck(&health.HealthCheck{
			Name:     "s3",
			Interval: 60 * time.Second,
			Check:    deps.storage.Ping,
		})
	} else {
		logger.Info("S3 archive not configured, raw messages will not be archived")
	}

	var dedupe processor.Deduper
	if cfg.Dedup.Path != "" {
		retention, _ := cfg.Dedup.GetRetention()
		deps.dedupIndex, err = dedup.Open(cfg.Dedup.Path, retention)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("open dedup index: %w", err)
		}
		deps.dedupIndex.StartPurgeLoop(ctx, time.Hour)
		dedupe = deps.dedupIndex
	}

	var spam processor.SpamChecker
	if cfg.SpamAssassin.Enabled {
		deps.spam, err = spamc.NewFromConfig(cfg.SpamAssassin)
		if err != nil {
			database.Close()
			return nil, err
		}
		spam = deps.spam
		deps.health.RegisterCheck(&health.HealthCheck{Name: "spamd", Check: deps.spam.Ping})
		deps.health.RegisterCheck(&health.HealthCheck{Name: "spamd_breaker", Interval: 10 * time.Second, Check: health.BreakerCheck(deps.spam.Breaker())})
	}

	prodID := cfg.ITIP.GetProdID()
	secondaries := make([]calendar.Provider, 0, len(cfg.CalDAV))
	for _, pc := range cfg.CalDAV {
		p, err := caldavprovider.New(pc, prodID)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("caldav provider %s: %w", pc.ID, err)
		}
		secondaries = append(secondaries, p)
		deps.health.RegisterCheck(&health.HealthCheck{
			Name:     "caldav_" + pc.ID,
			Interval: 10 * time.Second,
			Check:    health.BreakerCheck(p.Breaker()),
		})
		logger.Info("CalDAV provider configured", "id", pc.ID, "endpoint", pc.Endpoint, "read_only", pc.ReadOnly)
	}
	deps.calendar = calendar.NewComposite(db.NewEventStore(database), secondaries...)

	var sender itip.Sender
	deps.relay, err = delivery.NewFromConfig(cfg.Relay, prodID)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("relay: %w", err)
	}
	if deps.relay != nil {
		sender = deps.relay
		deps.health.RegisterCheck(&health.HealthCheck{
			Name:     "relay_breaker",
			Interval: 10 * time.Second,
			Check:    health.BreakerCheck(deps.relay.GetCircuitBreaker()),
		})
	} else {
		logger.Warn("No relay configured, outgoing iTIP replies will be dropped")
	}

	horizon, _ := cfg.ITIP.GetConflictHorizon()
	analyzer := itip.NewAnalyzerService(deps.calendar, itip.Options{
		ConflictHorizon: horizon,
		MaxOccurrences:  cfg.ITIP.GetMaxOccurrences(),
	})
	deps.performer = itip.NewPerformer(deps.calendar, sender)
	deps.processor = processor.New(analyzer, database, deps.performer, dedupe, spam, archive,
		processor.OptionsFromConfig(cfg.SpamAssassin, cfg.ITIP))

	if cfg.Cleanup.Enabled {
		var purgeArchive cleaner.ArchiveManager
		if deps.storage != nil {
			purgeArchive = deps.storage
		}
		interval, _ := cfg.Cleanup.GetInterval()
		decided, _ := cfg.Cleanup.GetDecidedRetention()
		pending, _ := cfg.Cleanup.GetPendingRetention()
		deps.cleaner = cleaner.New(database, purgeArchive, interval, decided, pending)
		deps.cleaner.Start(ctx)
	}

	deps.health.Start(ctx)

	collector := metrics.NewCollector(database, 60*time.Second)
	go collector.Start(ctx)

	return deps, nil
}

// startServers starts all enabled listeners and returns an error channel for monitoring
func startServers(ctx context.Context, deps *serverDependencies) chan error {
	errChan := make(chan error, 1)
	cfg := deps.config

	if cfg.Servers.LMTP.Start {
		go startLMTPServer(ctx, deps, errChan)
	}
	if cfg.Servers.HTTPAPI.Start {
		go startHTTPAPIServer(ctx, deps, errChan)
	}
	if cfg.Servers.Metrics.Enabled {
		go startMetricsServer(ctx, deps, errChan)
	}
	return errChan
}

func startLMTPServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	deps.serverManager.Add()
	defer deps.serverManager.Done()

	lc := deps.config.Servers.LMTP
	maxSize, err := lc.GetMaxMessageSize()
	if err != nil {
		errChan <- fmt.Errorf("invalid servers.lmtp.max_message_size: %w", err)
		return
	}
	hostname := lc.Hostname
	if hostname == "" {
		hostname = deps.hostname
	}

	s, err := lmtp.New(ctx, "lmtp", hostname, lc.Addr, deps.accounts, deps.processor, lmtp.LMTPServerOptions{
		Debug:          deps.config.Logging.Level == "debug",
		TLS:            lc.TLS,
		TLSCertFile:    lc.TLSCertFile,
		TLSKeyFile:     lc.TLSKeyFile,
		MaxMessageSize: maxSize,
	})
	if err != nil {
		errChan <- fmt.Errorf("failed to create LMTP server: %w", err)
		return
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down LMTP server...")
		if err := s.Close(); err != nil {
			logger.Warn("Error closing LMTP server", "error", err)
		}
	}()

	s.Start(errChan)
}

func startHTTPAPIServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	deps.serverManager.Add()
	defer deps.serverManager.Done()

	hc := deps.config.Servers.HTTPAPI
	s, err := httpapi.New(httpapi.ServerOptions{
		Addr:         hc.Addr,
		APIKey:       hc.APIKey,
		AllowedHosts: hc.AllowedHosts,
		ProdID:       deps.config.ITIP.GetProdID(),
		TLS:          hc.TLS,
		TLSCertFile:  hc.TLSCertFile,
		TLSKeyFile:   hc.TLSKeyFile,
		Accounts:     deps.accounts,
		Inbox:        deps.database,
		Pipeline:     deps.processor,
		Performer:    deps.performer,
		Calendar:     deps.calendar,
		Health:       deps.health,
	})
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}
	s.Start(ctx, errChan)
}

func startMetricsServer(ctx context.Context, deps *serverDependencies, errChan chan error) {
	deps.serverManager.Add()
	defer deps.serverManager.Done()

	mc := deps.config.Servers.Metrics
	mux := http.NewServeMux()
	mux.Handle(mc.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              mc.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", mc.Addr, "path", mc.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

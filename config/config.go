package config

import (
	"fmt"
	"time"

	"github.com/migadu/soracal/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	// List of database hosts. A single host is normal for writes; reads may
	// list several replicas for load balancing.
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`
	MinConns        int         `toml:"min_conns"`
	MaxConnLifetime string      `toml:"max_conn_lifetime"`
	MaxConnIdleTime string      `toml:"max_conn_idle_time"`
}

// DatabaseConfig holds database configuration with separate read/write endpoints
type DatabaseConfig struct {
	Debug            bool                    `toml:"debug"`             // Log every SQL statement
	QueryTimeout     string                  `toml:"query_timeout"`     // Default timeout for reads (default: "30s")
	WriteTimeout     string                  `toml:"write_timeout"`     // Timeout for write operations (default: "10s")
	MigrationTimeout string                  `toml:"migration_timeout"` // Timeout for auto-migrations at startup (default: "2m")
	AutoMigrate      bool                    `toml:"auto_migrate"`      // Apply pending migrations on startup
	Write            *DatabaseEndpointConfig `toml:"write"`
	Read             *DatabaseEndpointConfig `toml:"read"` // Optional, falls back to write
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetPort returns the endpoint port as a string regardless of how it was written in TOML.
func (e *DatabaseEndpointConfig) GetPort() string {
	switch p := e.Port.(type) {
	case string:
		if p != "" {
			return p
		}
	case int64:
		return fmt.Sprintf("%d", p)
	case int:
		return fmt.Sprintf("%d", p)
	}
	return "5432"
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// S3Config holds configuration of the raw message archive.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"`
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"` // hex-encoded 32 byte key
}

// IsConfigured reports whether archiving is enabled.
func (s *S3Config) IsConfigured() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// SpamAssassinConfig configures the spamd client used on inbound iTIP mail.
type SpamAssassinConfig struct {
	Enabled   bool    `toml:"enabled"`
	Network   string  `toml:"network"`   // "tcp" or "unix"
	Addr      string  `toml:"addr"`      // "127.0.0.1:783" or socket path
	User      string  `toml:"user"`      // optional spamd User header
	Timeout   string  `toml:"timeout"`   // default "10s"
	Threshold float64 `toml:"threshold"` // 0 means use spamd's verdict
	Reject    bool    `toml:"reject"`    // reject spam at LMTP instead of skipping analysis
	FailOpen  bool    `toml:"fail_open"` // accept mail when spamd is unreachable
}

func (s *SpamAssassinConfig) GetTimeout() (time.Duration, error) {
	if s.Timeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(s.Timeout)
}

// ITIPConfig tunes the analysis engine and which actions are applied without user interaction.
type ITIPConfig struct {
	ConflictHorizon       string `toml:"conflict_horizon"`         // how far recurring series are expanded (default: "365d")
	MaxOccurrences        int    `toml:"max_occurrences"`          // per series when checking conflicts (default: 1000)
	AutoApplyReplies      bool   `toml:"auto_apply_replies"`       // apply APPLY_RESPONSE automatically
	AutoApplyCancels      bool   `toml:"auto_apply_cancels"`       // apply DELETE for organizer cancellations
	AutoApplyStateUpdates bool   `toml:"auto_apply_state_updates"` // apply UPDATE when only participant states change
	ProdID                string `toml:"prod_id"`
}

func (c *ITIPConfig) GetConflictHorizon() (time.Duration, error) {
	if c.ConflictHorizon == "" {
		return 365 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.ConflictHorizon)
}

func (c *ITIPConfig) GetMaxOccurrences() int {
	if c.MaxOccurrences <= 0 {
		return 1000
	}
	return c.MaxOccurrences
}

func (c *ITIPConfig) GetProdID() string {
	if c.ProdID == "" {
		return "-//migadu//soracal//EN"
	}
	return c.ProdID
}

// CalDAVProviderConfig describes an external CalDAV calendar composited with the local store.
type CalDAVProviderConfig struct {
	ID           string `toml:"id"`
	Endpoint     string `toml:"endpoint"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	CalendarPath string `toml:"calendar_path"` // may contain %s for the principal's email
	Timeout      string `toml:"timeout"`
	ReadOnly     bool   `toml:"read_only"`
}

func (c *CalDAVProviderConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 15 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

// DedupConfig configures the local index of already processed messages.
type DedupConfig struct {
	Path      string `toml:"path"`
	Retention string `toml:"retention"` // default "30d"
}

func (c *DedupConfig) GetRetention() (time.Duration, error) {
	if c.Retention == "" {
		return 30 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.Retention)
}

// PrincipalCacheConfig tunes the in-memory cache of address resolutions and
// verified credentials.
type PrincipalCacheConfig struct {
	Enabled     bool   `toml:"enabled"`
	PositiveTTL string `toml:"positive_ttl"` // default "5m"
	NegativeTTL string `toml:"negative_ttl"` // default "1m"
	MaxSize     int    `toml:"max_size"`
}

func (c *PrincipalCacheConfig) GetPositiveTTL() (time.Duration, error) {
	if c.PositiveTTL == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.PositiveTTL)
}

func (c *PrincipalCacheConfig) GetNegativeTTL() (time.Duration, error) {
	if c.NegativeTTL == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.NegativeTTL)
}

// CleanupConfig configures the inbox retention worker.
type CleanupConfig struct {
	Enabled          bool   `toml:"enabled"`
	Interval         string `toml:"interval"`          // default "1h"
	DecidedRetention string `toml:"decided_retention"` // default "90d", "0" keeps decided entries
	PendingRetention string `toml:"pending_retention"` // default "365d", "0" keeps pending entries
}

func (c *CleanupConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.Interval)
}

func (c *CleanupConfig) GetDecidedRetention() (time.Duration, error) {
	return retention(c.DecidedRetention, 90*24*time.Hour)
}

func (c *CleanupConfig) GetPendingRetention() (time.Duration, error) {
	return retention(c.PendingRetention, 365*24*time.Hour)
}

func retention(s string, def time.Duration) (time.Duration, error) {
	switch s {
	case "":
		return def, nil
	case "0":
		return 0, nil
	}
	return helpers.ParseDuration(s)
}

// LMTPServerConfig holds LMTP server configuration.
type LMTPServerConfig struct {
	Start          bool   `toml:"start"`
	Addr           string `toml:"addr"`
	Hostname       string `toml:"hostname"`
	MaxMessageSize string `toml:"max_message_size"`
	TLS            bool   `toml:"tls"`
	TLSCertFile    string `toml:"tls_cert_file"`
	TLSKeyFile     string `toml:"tls_key_file"`
}

func (c *LMTPServerConfig) GetMaxMessageSize() (int64, error) {
	if c.MaxMessageSize == "" {
		return 10 * 1024 * 1024, nil
	}
	return helpers.ParseSize(c.MaxMessageSize)
}

// MetricsConfig holds Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`       // admin key, acts on behalf of any account
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// ServersConfig groups the listeners.
type ServersConfig struct {
	LMTP    LMTPServerConfig `toml:"lmtp"`
	HTTPAPI HTTPAPIConfig    `toml:"http_api"`
	Metrics MetricsConfig    `toml:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output    string `toml:"output"` // "stderr", "stdout", "syslog", or file path
	Format    string `toml:"format"` // "json" or "console"
	Level     string `toml:"level"`  // "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"`
}

// IMAPImportConfig holds defaults for the admin import-imap command.
type IMAPImportConfig struct {
	Addr     string `toml:"addr"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Mailbox  string `toml:"mailbox"`
	Insecure bool   `toml:"insecure"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging      LoggingConfig          `toml:"logging"`
	Database     DatabaseConfig         `toml:"database"`
	S3           S3Config               `toml:"s3"`
	SpamAssassin SpamAssassinConfig     `toml:"spamassassin"`
	Relay        RelayConfig            `toml:"relay"`
	ITIP         ITIPConfig             `toml:"itip"`
	CalDAV       []CalDAVProviderConfig `toml:"caldav"`
	Dedup        DedupConfig            `toml:"dedup"`
	Cache        PrincipalCacheConfig   `toml:"principal_cache"`
	Cleanup      CleanupConfig          `toml:"cleanup"`
	Servers      ServersConfig          `toml:"servers"`
	IMAPImport   IMAPImportConfig       `toml:"imap_import"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			QueryTimeout:     "30s",
			WriteTimeout:     "10s",
			MigrationTimeout: "2m",
			AutoMigrate:      true,
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Name:            "soracal",
				MaxConns:        50,
				MinConns:        5,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		SpamAssassin: SpamAssassinConfig{
			Network:  "tcp",
			Addr:     "127.0.0.1:783",
			Timeout:  "10s",
			FailOpen: true,
		},
		ITIP: ITIPConfig{
			ConflictHorizon:       "365d",
			MaxOccurrences:        1000,
			AutoApplyReplies:      true,
			AutoApplyCancels:      false,
			AutoApplyStateUpdates: true,
		},
		Dedup: DedupConfig{
			Path:      "/var/lib/soracal/dedup.db",
			Retention: "30d",
		},
		Cache: PrincipalCacheConfig{
			Enabled:     true,
			PositiveTTL: "5m",
			NegativeTTL: "1m",
			MaxSize:     10000,
		},
		Cleanup: CleanupConfig{
			Enabled:          true,
			Interval:         "1h",
			DecidedRetention: "90d",
			PendingRetention: "365d",
		},
		Servers: ServersConfig{
			LMTP: LMTPServerConfig{
				Start:          true,
				Addr:           ":2424",
				Hostname:       "localhost",
				MaxMessageSize: "10mb",
			},
			HTTPAPI: HTTPAPIConfig{
				Start: false,
				Addr:  ":8080",
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Addr:    ":9090",
				Path:    "/metrics",
			},
		},
		IMAPImport: IMAPImportConfig{
			Mailbox: "INBOX",
		},
	}
}

// Validate checks cross-field constraints that TOML decoding cannot express.
func (c *Config) Validate() error {
	if c.Database.Write == nil || len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("database.write.hosts must not be empty")
	}
	if c.S3.Encrypt && len(c.S3.EncryptionKey) != 64 {
		return fmt.Errorf("s3.encryption_key must be 64 hex characters when s3.encrypt is set")
	}
	if c.SpamAssassin.Enabled && c.SpamAssassin.Network != "tcp" && c.SpamAssassin.Network != "unix" {
		return fmt.Errorf("spamassassin.network must be \"tcp\" or \"unix\", got %q", c.SpamAssassin.Network)
	}
	if c.Relay.IsConfigured() && c.Relay.SMTPHost == "" {
		return fmt.Errorf("relay.smtp_host is required when relay.type is set")
	}
	if c.Relay.IsConfigured() && !c.Relay.IsSMTP() {
		return fmt.Errorf("relay.type %q is not supported, only \"smtp\"", c.Relay.Type)
	}
	if c.Servers.HTTPAPI.Start && c.Servers.HTTPAPI.TLS &&
		(c.Servers.HTTPAPI.TLSCertFile == "" || c.Servers.HTTPAPI.TLSKeyFile == "") {
		return fmt.Errorf("servers.http_api: tls requires tls_cert_file and tls_key_file")
	}
	seen := make(map[string]bool)
	for i, p := range c.CalDAV {
		if p.ID == "" || p.Endpoint == "" {
			return fmt.Errorf("caldav[%d]: id and endpoint are required", i)
		}
		if p.ID == "local" || seen[p.ID] {
			return fmt.Errorf("caldav[%d]: duplicate or reserved provider id %q", i, p.ID)
		}
		seen[p.ID] = true
	}
	for name, d := range map[string]func() (time.Duration, error){
		"itip.conflict_horizon":        c.ITIP.GetConflictHorizon,
		"spamassassin.timeout":         c.SpamAssassin.GetTimeout,
		"dedup.retention":              c.Dedup.GetRetention,
		"database.query_timeout":       c.Database.GetQueryTimeout,
		"principal_cache.positive_ttl": c.Cache.GetPositiveTTL,
		"principal_cache.negative_ttl": c.Cache.GetNegativeTTL,
		"cleanup.interval":             c.Cleanup.GetInterval,
		"cleanup.decided_retention":    c.Cleanup.GetDecidedRetention,
		"cleanup.pending_retention":    c.Cleanup.GetPendingRetention,
	} {
		if _, err := d(); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

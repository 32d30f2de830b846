package lmtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/pkg/metrics"
	"github.com/migadu/soracal/processor"
)

// Resolver maps a recipient address to the account it belongs to.
type Resolver interface {
	GetPrincipal(ctx context.Context, address string) (calendar.Principal, error)
}

// Pipeline ingests one message for one recipient.
type Pipeline interface {
	Process(ctx context.Context, p calendar.Principal, raw []byte, source string) (*processor.Outcome, error)
}

type LMTPServerBackend struct {
	addr           string
	name           string
	hostname       string
	resolver       Resolver
	pipeline       Pipeline
	server         *smtp.Server
	appCtx         context.Context
	tlsConfig      *tls.Config
	maxMessageSize int64

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

type LMTPServerOptions struct {
	Debug          bool
	TLS            bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSVerify      bool
	MaxMessageSize int64 // Maximum size for incoming messages, 0 for no limit
}

func New(appCtx context.Context, name, hostname, addr string, resolver Resolver, pipeline Pipeline, options LMTPServerOptions) (*LMTPServerBackend, error) {
	backend := &LMTPServerBackend{
		addr:           addr,
		name:           name,
		hostname:       hostname,
		resolver:       resolver,
		pipeline:       pipeline,
		appCtx:         appCtx,
		maxMessageSize: options.MaxMessageSize,
	}

	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS enabled for LMTP [%s] but no tls_cert_file/tls_key_file provided", name)
		}
		cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		backend.tlsConfig = &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS12,
			ClientAuth:    tls.NoClientCert,
			ServerName:    hostname,
			NextProtos:    []string{"lmtp"},
			Renegotiation: tls.RenegotiateNever,
		}
		if !options.TLSVerify {
			backend.tlsConfig.InsecureSkipVerify = true
			logger.Debug("LMTP: WARNING - TLS certificate verification disabled", "name", name)
		}
	}

	s := smtp.NewServer(backend)
	s.Addr = addr
	s.Domain = hostname
	s.AllowInsecureAuth = true
	s.LMTP = true
	s.Network = "tcp"
	s.ReadTimeout = 5 * time.Minute
	s.WriteTimeout = 5 * time.Minute
	if options.MaxMessageSize > 0 {
		s.MaxMessageBytes = options.MaxMessageSize
	}
	if options.Debug {
		s.Debug = os.Stdout
	}
	backend.server = s

	return backend, nil
}

func (b *LMTPServerBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	sessionCtx, sessionCancel := context.WithCancel(b.appCtx)

	b.totalConnections.Add(1)
	active := b.activeConnections.Add(1)
	metrics.LMTPSessions.Inc()

	s := &LMTPSession{
		backend:   b,
		conn:      c,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
		remote:    c.Conn().RemoteAddr().String(),
	}
	logger.Debug("LMTP: new session", "name", b.name, "remote", s.remote, "active", active)
	return s, nil
}

// Start listens on the configured address and serves until Close.
func (b *LMTPServerBackend) Start(errChan chan error) {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	if err := b.Serve(ln); err != nil {
		errChan <- err
	}
}

// Serve accepts LMTP connections on ln. A server stopped through the
// application context or Close returns nil.
func (b *LMTPServerBackend) Serve(ln net.Listener) error {
	if b.tlsConfig != nil {
		ln = tls.NewListener(ln, b.tlsConfig)
		logger.Info("LMTP server listening with TLS", "name", b.name, "addr", ln.Addr())
	} else {
		logger.Info("LMTP server listening", "name", b.name, "addr", ln.Addr(), "tls", false)
	}
	defer ln.Close()

	if err := b.server.Serve(ln); err != nil && b.appCtx.Err() == nil && !errors.Is(err, smtp.ErrServerClosed) {
		return fmt.Errorf("LMTP server error: %w", err)
	}
	logger.Info("LMTP server stopped gracefully", "name", b.name)
	return nil
}

func (b *LMTPServerBackend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the cumulative total of all connections ever made
func (b *LMTPServerBackend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the current number of active connections
func (b *LMTPServerBackend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}

// readMessage reads the DATA payload honouring the size limit.
func (b *LMTPServerBackend) readMessage(r io.Reader) ([]byte, error) {
	reader := r
	if b.maxMessageSize > 0 {
		// One extra byte detects an oversized message.
		reader = io.LimitReader(r, b.maxMessageSize+1)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if b.maxMessageSize > 0 && int64(len(raw)) > b.maxMessageSize {
		return nil, &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("message size exceeds maximum allowed size of %d bytes", b.maxMessageSize),
		}
	}
	return raw, nil
}

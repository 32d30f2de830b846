// Package delivery hands outgoing scheduling messages to an external SMTP relay.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/soracal/config"
	"github.com/migadu/soracal/ics"
	"github.com/migadu/soracal/itip"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/mailcal"
	"github.com/migadu/soracal/pkg/circuitbreaker"
	"github.com/migadu/soracal/pkg/metrics"
	"github.com/migadu/soracal/pkg/retry"
)

// RelayError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP codes) should not be retried.
// Temporary errors (4xx SMTP codes, network errors) can be retried.
type RelayError struct {
	Err       error
	Permanent bool // true for 5xx errors, false for 4xx/network errors
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError checks if an error is a permanent failure (5xx SMTP error).
// Returns true for 5xx errors, false for 4xx errors and network/connection errors.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// SMTPRelay sends iTIP messages through an SMTP submission server. It
// implements itip.Sender.
type SMTPRelay struct {
	Host        string
	UseTLS      bool // implicit TLS
	TLSVerify   bool
	UseStartTLS bool
	Username    string // SASL PLAIN when set
	Password    string
	HeloName    string
	Timeout     time.Duration
	ProdID      string

	breaker *circuitbreaker.CircuitBreaker
	backoff retry.BackoffConfig
}

// NewFromConfig builds the relay described by cfg. It returns nil, nil when
// no relay is configured; callers then run without outbound mail.
func NewFromConfig(cfg config.RelayConfig, prodID string) (*SMTPRelay, error) {
	if !cfg.IsConfigured() {
		return nil, nil
	}
	if !cfg.IsSMTP() {
		return nil, fmt.Errorf("unsupported relay type %q", cfg.Type)
	}
	if cfg.SMTPHost == "" {
		return nil, fmt.Errorf("relay smtp_host is required")
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid relay timeout: %w", err)
	}
	cbTimeout, err := cfg.GetCircuitBreakerTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid relay circuit_breaker_timeout: %w", err)
	}

	heloName := cfg.HeloName
	if heloName == "" {
		heloName, _ = os.Hostname()
	}

	settings := circuitbreaker.DefaultSettings("smtp_relay", cfg.GetCircuitBreakerThreshold(), cbTimeout, cfg.GetCircuitBreakerMaxRequests())
	// A 5xx answer means the relay is up and judging the message.
	settings.IsSuccessful = func(err error) bool {
		return err == nil || IsPermanentError(err)
	}

	return &SMTPRelay{
		Host:        cfg.SMTPHost,
		UseTLS:      cfg.SMTPTLS,
		TLSVerify:   cfg.SMTPTLSVerify,
		UseStartTLS: cfg.SMTPUseStartTLS,
		Username:    cfg.SMTPUsername,
		Password:    cfg.SMTPPassword,
		HeloName:    heloName,
		Timeout:     timeout,
		ProdID:      prodID,
		breaker:     circuitbreaker.NewCircuitBreaker(settings),
		backoff: retry.BackoffConfig{
			InitialInterval: time.Second,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
			Jitter:          true,
			MaxRetries:      cfg.GetMaxAttempts() - 1,
		},
	}, nil
}

// GetCircuitBreaker returns the circuit breaker for health monitoring
func (r *SMTPRelay) GetCircuitBreaker() *circuitbreaker.CircuitBreaker {
	return r.breaker
}

// Send renders out as a scheduling message and submits it. Temporary
// failures are retried; permanent ones are returned as *RelayError.
func (r *SMTPRelay) Send(ctx context.Context, out *itip.Outgoing) error {
	method := string(out.Method)
	cal, err := ics.Encode(method, out.Events, r.ProdID)
	if err != nil {
		metrics.RelayDelivery.WithLabelValues(method, "permanent").Inc()
		return &RelayError{Err: fmt.Errorf("failed to encode calendar: %w", err), Permanent: true}
	}
	msg, msgID, err := mailcal.Compose(&mailcal.Outgoing{
		From:      out.From,
		FromName:  out.FromName,
		To:        out.To,
		Subject:   out.Subject,
		Text:      out.Text,
		Method:    method,
		Calendar:  cal,
		InReplyTo: out.InReplyTo,
	})
	if err != nil {
		metrics.RelayDelivery.WithLabelValues(method, "permanent").Inc()
		return &RelayError{Err: fmt.Errorf("failed to compose message: %w", err), Permanent: true}
	}

	attempt := 0
	err = retry.WithRetryAdvanced(ctx, func() error {
		attempt++
		err := circuitbreaker.Do(ctx, r.breaker, func(ctx context.Context) error {
			return r.submit(ctx, out.From, out.To, msg)
		})
		if err == nil {
			return nil
		}
		if circuitbreaker.IsOpen(err) {
			logger.Warn("SMTP Relay: Circuit breaker is OPEN - skipping delivery", "host", r.Host)
			return retry.Stop(&RelayError{Err: err})
		}
		if IsPermanentError(err) {
			return retry.Stop(err)
		}
		logger.Debug("SMTP Relay: temporary failure", "host", r.Host, "attempt", attempt, "error", err)
		return err
	}, r.backoff)

	if err != nil {
		result := "temporary"
		if IsPermanentError(err) {
			result = "permanent"
		}
		metrics.RelayDelivery.WithLabelValues(method, result).Inc()
		logger.Warn("SMTP Relay: delivery failed", "method", method, "to", strings.Join(out.To, ","), "attempts", attempt, "error", err)
		return err
	}

	metrics.RelayDelivery.WithLabelValues(method, "success").Inc()
	logger.Info("SMTP Relay: delivered", "method", method, "message_id", msgID, "to", strings.Join(out.To, ","))
	return nil
}

func (r *SMTPRelay) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: r.Timeout}
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !r.TLSVerify,
	}
	if host, _, err := net.SplitHostPort(r.Host); err == nil {
		tlsConfig.ServerName = host
	}

	switch {
	case r.UseTLS && !r.UseStartTLS:
		conn, err := (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", r.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SMTP relay with TLS: %w", err)
		}
		return smtp.NewClient(conn), nil
	case r.UseStartTLS:
		conn, err := dialer.DialContext(ctx, "tcp", r.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SMTP relay: %w", err)
		}
		c, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to STARTTLS with SMTP relay: %w", err)
		}
		return c, nil
	default:
		conn, err := dialer.DialContext(ctx, "tcp", r.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SMTP relay: %w", err)
		}
		return smtp.NewClient(conn), nil
	}
}

// submit runs one SMTP transaction. Recipients rejected with a 5xx are
// logged and skipped; the message fails only when none is accepted.
func (r *SMTPRelay) submit(ctx context.Context, from string, to []string, msg []byte) error {
	c, err := r.dial(ctx)
	if err != nil {
		// Connection errors are temporary (network issue, server down)
		return &RelayError{Err: err}
	}
	defer c.Close()
	c.CommandTimeout = r.Timeout
	c.SubmissionTimeout = r.Timeout

	if err := c.Hello(r.HeloName); err != nil {
		return &RelayError{Err: fmt.Errorf("HELO failed: %w", err), Permanent: IsPermanentError(err)}
	}
	if r.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", r.Username, r.Password)); err != nil {
			return &RelayError{Err: fmt.Errorf("authentication failed: %w", err), Permanent: IsPermanentError(err)}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	accepted := 0
	var lastErr error
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			if !IsPermanentError(err) {
				return &RelayError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err)}
			}
			logger.Warn("SMTP Relay: recipient rejected", "rcpt", rcpt, "error", err)
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return &RelayError{Err: fmt.Errorf("all recipients rejected: %w", lastErr), Permanent: true}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		// Message already accepted.
		logger.Warn("SMTP Relay: Failed to send QUIT", "error", err)
	}
	return nil
}

var _ itip.Sender = (*SMTPRelay)(nil)

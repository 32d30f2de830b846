package config

import (
	"time"

	"github.com/migadu/soracal/helpers"
)

// RelayConfig defines the outbound SMTP relay used to send iTIP replies, counters and updates.
type RelayConfig struct {
	// Type of relay: only "smtp" is supported. Empty disables outbound mail.
	Type string `toml:"type"`

	SMTPHost        string `toml:"smtp_host"`         // "smtp.example.com:587"
	SMTPTLS         bool   `toml:"smtp_tls"`          // implicit TLS
	SMTPTLSVerify   bool   `toml:"smtp_tls_verify"`   // verify server certificate
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"` // STARTTLS instead of implicit TLS
	SMTPUsername    string `toml:"smtp_username"`     // SASL PLAIN when set
	SMTPPassword    string `toml:"smtp_password"`
	HeloName        string `toml:"helo_name"`
	Timeout         string `toml:"timeout"`

	MaxAttempts               int    `toml:"max_attempts"`                 // attempts for temporary failures (default: 3)
	CircuitBreakerThreshold   int    `toml:"circuit_breaker_threshold"`    // Consecutive failures before opening circuit (default: 5)
	CircuitBreakerTimeout     string `toml:"circuit_breaker_timeout"`      // Recovery test interval (default: "30s")
	CircuitBreakerMaxRequests int    `toml:"circuit_breaker_max_requests"` // Max requests in half-open state (default: 3)
}

// IsConfigured returns true if the relay is configured
func (r *RelayConfig) IsConfigured() bool {
	return r.Type != ""
}

// IsSMTP returns true if this is an SMTP relay
func (r *RelayConfig) IsSMTP() bool {
	return r.Type == "smtp"
}

func (r *RelayConfig) GetTimeout() (time.Duration, error) {
	if r.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.Timeout)
}

func (r *RelayConfig) GetMaxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 3
	}
	return r.MaxAttempts
}

// GetCircuitBreakerThreshold returns the circuit breaker failure threshold with default
func (r *RelayConfig) GetCircuitBreakerThreshold() int {
	if r.CircuitBreakerThreshold <= 0 {
		return 5
	}
	return r.CircuitBreakerThreshold
}

// GetCircuitBreakerTimeout returns the circuit breaker timeout with default
func (r *RelayConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	if r.CircuitBreakerTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.CircuitBreakerTimeout)
}

// GetCircuitBreakerMaxRequests returns the max requests in half-open state with default
func (r *RelayConfig) GetCircuitBreakerMaxRequests() int {
	if r.CircuitBreakerMaxRequests <= 0 {
		return 3
	}
	return r.CircuitBreakerMaxRequests
}

// Package spamc is a client for the SpamAssassin spamd protocol (SPAMC/1.5).
package spamc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/soracal/config"
	"github.com/migadu/soracal/pkg/circuitbreaker"
	"github.com/migadu/soracal/pkg/metrics"
)

const ProtoVersion = "1.5"

var (
	responseRe = regexp.MustCompile(`^SPAMD/(\d+\.\d+) (\d+) (.+)$`)
	spamRe     = regexp.MustCompile(`^Spam: (\w+) ; (-?[0-9.]+) / (-?[0-9.]+)$`)
	ruleRe     = regexp.MustCompile(`^\s*(-?[0-9]+\.[0-9]+)\s+([A-Za-z0-9_]+)\s+(.*)$`)
)

// ErrUnavailable is returned when spamd cannot be reached.
var ErrUnavailable = errors.New("spamd unavailable")

// Rule is a matched SpamAssassin test.
type Rule struct {
	Points      float64
	Name        string
	Description string
}

// Result is spamd's verdict on one message.
type Result struct {
	Code      int
	Message   string
	Spam      bool
	Score     float64
	Threshold float64
	Rules     []Rule
}

// Client talks to one spamd instance. Connections are not reused; spamd
// closes them after each request.
type Client struct {
	network string
	addr    string
	user    string
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
}

func New(network, addr, user string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		network: network,
		addr:    addr,
		user:    user,
		timeout: timeout,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultSettings("spamd", 5, 30*time.Second, 1)),
	}
}

// NewFromConfig builds a client from the [spamassassin] section.
func NewFromConfig(cfg config.SpamAssassinConfig) (*Client, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid spamassassin timeout: %w", err)
	}
	network := cfg.Network
	if network == "" {
		network = "tcp"
	}
	return New(network, cfg.Addr, cfg.User, timeout), nil
}

// Breaker exposes the spamd circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// Check returns the verdict without the rule report.
func (c *Client) Check(ctx context.Context, raw []byte) (*Result, error) {
	return c.do(ctx, "CHECK", raw)
}

// Report returns the verdict and the matched rules.
func (c *Client) Report(ctx context.Context, raw []byte) (*Result, error) {
	return c.do(ctx, "REPORT", raw)
}

// Ping checks that spamd answers.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.do(ctx, "PING", nil)
	if err != nil {
		return err
	}
	if res.Code != 0 || res.Message != "PONG" {
		return fmt.Errorf("unexpected ping response: %d %s", res.Code, res.Message)
	}
	return nil
}

func (c *Client) do(ctx context.Context, command string, raw []byte) (*Result, error) {
	start := time.Now()
	lines, err := circuitbreaker.Run(ctx, c.breaker, func(ctx context.Context) ([]string, error) {
		return c.roundTrip(ctx, command, raw)
	})
	metrics.SpamCheckDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if circuitbreaker.IsOpen(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return parse(lines)
}

func (c *Client) roundTrip(ctx context.Context, command string, raw []byte) ([]string, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	return c.exchange(conn, deadline, command, raw)
}

// exchange sends one request on conn and reads the whole response.
func (c *Client) exchange(conn net.Conn, deadline time.Time, command string, raw []byte) ([]string, error) {
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	bw := bufio.NewWriter(conn)
	fmt.Fprintf(bw, "%s SPAMC/%s\r\n", command, ProtoVersion)
	if c.user != "" {
		fmt.Fprintf(bw, "User: %s\r\n", c.user)
	}
	if raw != nil {
		fmt.Fprintf(bw, "Content-length: %d\r\n", len(raw))
	}
	bw.WriteString("\r\n")
	if _, err := bw.Write(raw); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	// spamd reads until EOF when no Content-length is given.
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return nil, fmt.Errorf("close write: %w", err)
		}
	}

	var lines []string
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			lines = append(lines, strings.TrimRight(line, "\r\n"))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty response from spamd")
	}
	return lines, nil
}

func parse(lines []string) (*Result, error) {
	m := responseRe.FindStringSubmatch(lines[0])
	if m == nil {
		return nil, fmt.Errorf("malformed spamd response %q", lines[0])
	}
	res := &Result{Message: m[3]}
	res.Code, _ = strconv.Atoi(m[2])
	if res.Code != 0 {
		return res, fmt.Errorf("spamd error %d: %s", res.Code, res.Message)
	}

	body := false
	for _, line := range lines[1:] {
		if !body {
			if line == "" {
				body = true
				continue
			}
			if sm := spamRe.FindStringSubmatch(line); sm != nil {
				res.Spam = strings.EqualFold(sm[1], "true") || strings.EqualFold(sm[1], "yes")
				res.Score, _ = strconv.ParseFloat(sm[2], 64)
				res.Threshold, _ = strconv.ParseFloat(sm[3], 64)
			}
			continue
		}
		if rm := ruleRe.FindStringSubmatch(line); rm != nil {
			pts, _ := strconv.ParseFloat(rm[1], 64)
			res.Rules = append(res.Rules, Rule{Points: pts, Name: rm[2], Description: strings.TrimSpace(rm[3])})
		}
	}
	return res, nil
}

// IsSpam applies a local threshold; zero defers to spamd's verdict.
func (r *Result) IsSpam(threshold float64) bool {
	if threshold > 0 {
		return r.Score >= threshold
	}
	return r.Spam
}

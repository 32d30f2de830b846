// Package httpapi serves the REST API: message analysis and ingestion, the
// per-account iTIP inbox, user decisions on analyzed messages, a composited
// calendar view and health reporting.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/db"
	"github.com/migadu/soracal/ics"
	"github.com/migadu/soracal/itip"
	"github.com/migadu/soracal/logger"
	"github.com/migadu/soracal/mailcal"
	"github.com/migadu/soracal/pkg/health"
	"github.com/migadu/soracal/pkg/metrics"
	"github.com/migadu/soracal/processor"
)

const maxBodySize = 10 << 20

type Accounts interface {
	GetPrincipal(ctx context.Context, address string) (calendar.Principal, error)
	Authenticate(ctx context.Context, address, password string) (calendar.Principal, error)
}

type Inbox interface {
	GetInboxEntry(ctx context.Context, accountID, id int64) (*db.InboxEntry, error)
	ListInbox(ctx context.Context, accountID int64, pendingOnly bool, limit int) ([]*db.InboxEntry, error)
	MarkApplied(ctx context.Context, accountID, id int64, action itip.Action, mode string) error
}

type Pipeline interface {
	Analyze(ctx context.Context, p calendar.Principal, raw []byte) (*itip.Analysis, *mailcal.Envelope, error)
	Process(ctx context.Context, p calendar.Principal, raw []byte, source string) (*processor.Outcome, error)
}

type Performer interface {
	Perform(ctx context.Context, p calendar.Principal, a *itip.Analysis, action itip.Action, opts itip.PerformOptions) (*itip.Result, error)
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	prodID       string
	accounts     Accounts
	inbox        Inbox
	pipeline     Pipeline
	performer    Performer
	calendar     calendar.Provider
	health       *health.HealthMonitor
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	ProdID       string
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string

	Accounts  Accounts
	Inbox     Inbox
	Pipeline  Pipeline
	Performer Performer
	Calendar  calendar.Provider
	Health    *health.HealthMonitor
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	if options.Accounts == nil || options.Inbox == nil || options.Pipeline == nil || options.Performer == nil || options.Calendar == nil {
		return nil, fmt.Errorf("HTTP API server requires accounts, inbox, pipeline, performer and calendar")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		prodID:       options.ProdID,
		accounts:     options.Accounts,
		inbox:        options.Inbox,
		pipeline:     options.Pipeline,
		performer:    options.Performer,
		calendar:     options.Calendar,
		health:       options.Health,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, errChan chan error) {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: error shutting down", "error", err)
		}
	}()

	logger.Info("HTTP API: listening", "addr", s.addr, "tls", s.tls)
	var err error
	if s.tls {
		err = s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/analyze", s.handleAnalyze).Methods("POST")
	v1.HandleFunc("/messages", s.handleIngest).Methods("POST")
	v1.HandleFunc("/inbox", s.handleListInbox).Methods("GET")
	v1.HandleFunc("/inbox/{id:[0-9]+}", s.handleGetEntry).Methods("GET")
	v1.HandleFunc("/inbox/{id:[0-9]+}/actions", s.handlePerform).Methods("POST")
	v1.HandleFunc("/events", s.handleEvents).Methods("GET")

	return router
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				next.ServeHTTP(w, r)
				return
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
		}
		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

type principalKey struct{}

// authMiddleware accepts either the admin API key, acting for the account
// named by the "account" query parameter, or account credentials via basic
// auth.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var p calendar.Principal

		if user, pass, ok := r.BasicAuth(); ok {
			var err error
			p, err = s.accounts.Authenticate(ctx, user, pass)
			if err != nil {
				if !errors.Is(err, db.ErrInvalidCredentials) && !errors.Is(err, consts.ErrAccountNotFound) {
					logger.Warn("HTTP API: authentication error", "user", user, "error", err)
					s.writeError(w, http.StatusInternalServerError, "Authentication failed")
					return
				}
				w.Header().Set("WWW-Authenticate", `Basic realm="soracal"`)
				s.writeError(w, http.StatusUnauthorized, "Invalid credentials")
				return
			}
		} else {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>' or basic credentials")
				return
			}
			if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
				s.writeError(w, http.StatusForbidden, "Invalid API key")
				return
			}
			account := r.URL.Query().Get("account")
			if account == "" {
				s.writeError(w, http.StatusBadRequest, "account parameter is required with an API key")
				return
			}
			var err error
			p, err = s.accounts.GetPrincipal(ctx, account)
			if err != nil {
				s.writeStoreError(w, err)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, principalKey{}, p)))
	})
}

func principalFrom(ctx context.Context) calendar.Principal {
	p, _ := ctx.Value(principalKey{}).(calendar.Principal)
	return p
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps domain errors to HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrAccountNotFound), errors.Is(err, consts.ErrInboxNotFound), errors.Is(err, consts.ErrEventNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, consts.ErrMalformedMessage), errors.Is(err, consts.ErrUnknownMethod), errors.Is(err, consts.ErrNoCalendarPart):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, consts.ErrActionNotAllowed), errors.Is(err, consts.ErrNotPermitted):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, consts.ErrSpamRejected):
		s.writeError(w, http.StatusForbidden, err.Error())
	default:
		logger.Error("HTTP API: internal error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
}

// Request/Response types

type AnalyzeResponse struct {
	Subject   string         `json:"subject,omitempty"`
	From      string         `json:"from,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Analysis  *itip.Analysis `json:"analysis"`
}

type PerformRequest struct {
	Action     string          `json:"action"`
	Comment    string          `json:"comment,omitempty"`
	DelegateTo string          `json:"delegate_to,omitempty"`
	Proposal   *calendar.Event `json:"proposal,omitempty"`
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, health.Report{Status: health.StatusHealthy})
		return
	}
	rep := s.health.Report()
	if r.URL.Query().Get("refresh") == "true" {
		rep = s.health.CheckNow(r.Context())
	}
	status := http.StatusOK
	if rep.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, rep)
}

// handleAnalyze analyzes a posted RFC 5322 message without storing anything.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "Message too large")
		return
	}
	a, env, err := s.pipeline.Analyze(r.Context(), principalFrom(r.Context()), raw)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AnalyzeResponse{
		Subject:   env.Subject,
		From:      env.Originator(),
		MessageID: env.MessageID,
		Analysis:  a,
	})
}

// handleIngest runs the full ingestion pipeline on a posted message.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "Message too large")
		return
	}
	out, err := s.pipeline.Process(r.Context(), principalFrom(r.Context()), raw, "http")
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	status := http.StatusOK
	if out.Status == processor.StatusStored || out.Status == processor.StatusApplied {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, out)
}

func (s *Server) handleListInbox(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	q := r.URL.Query()
	limit := 0
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.inbox.ListInbox(r.Context(), p.AccountID, q.Get("pending") == "true", limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []*db.InboxEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) entry(w http.ResponseWriter, r *http.Request) (*db.InboxEntry, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid id")
		return nil, false
	}
	e, err := s.inbox.GetInboxEntry(r.Context(), principalFrom(r.Context()).AccountID, id)
	if err != nil {
		s.writeStoreError(w, err)
		return nil, false
	}
	return e, true
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	if e, ok := s.entry(w, r); ok {
		s.writeJSON(w, http.StatusOK, e)
	}
}

// handlePerform applies the user's decision to an inbox entry.
func (s *Server) handlePerform(w http.ResponseWriter, r *http.Request) {
	var req PerformRequest
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	action, ok := itip.ParseAction(req.Action)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown action %q", req.Action))
		return
	}
	if action == itip.ActionDelegate && req.DelegateTo == "" {
		s.writeError(w, http.StatusBadRequest, "delegate_to is required for DELEGATE")
		return
	}
	if action == itip.ActionCounter && req.Proposal == nil {
		s.writeError(w, http.StatusBadRequest, "proposal is required for COUNTER")
		return
	}

	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	if !e.Pending() {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("Entry already handled with %s", e.AppliedAction))
		return
	}

	ctx := r.Context()
	p := principalFrom(ctx)
	res, err := s.performer.Perform(ctx, p, e.Analysis, action, itip.PerformOptions{
		Comment:    req.Comment,
		DelegateTo: req.DelegateTo,
		Proposal:   req.Proposal,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.inbox.MarkApplied(ctx, p.AccountID, e.ID, action, "manual"); err != nil {
		// The calendar is already changed; report success with a warning.
		logger.Warn("HTTP API: failed to mark entry applied", "entry_id", e.ID, "error", err)
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleEvents lists events of all composited calendars overlapping
// [from, to). format=ics returns a VCALENDAR instead of JSON.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "from must be an RFC 3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil || !to.After(from) {
		s.writeError(w, http.StatusBadRequest, "to must be an RFC 3339 timestamp after from")
		return
	}

	events, err := s.calendar.Range(r.Context(), principalFrom(r.Context()), from, to)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if q.Get("format") == "ics" {
		data, err := ics.Encode("", events, s.prodID)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}
	if events == nil {
		events = []*calendar.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

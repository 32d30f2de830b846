package lmtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/logger"
)

type recipient struct {
	address   string
	principal calendar.Principal
}

// LMTPSession represents a single LMTP session. Each accepted recipient is
// processed independently and gets its own reply after DATA.
type LMTPSession struct {
	backend    *LMTPServerBackend
	conn       *smtp.Conn
	ctx        context.Context
	cancel     context.CancelFunc
	startTime  time.Time
	remote     string
	sender     string
	recipients []recipient
}

func (s *LMTPSession) Mail(from string, opts *smtp.MailOptions) error {
	if from != "" {
		if _, err := mail.ParseAddress(from); err != nil {
			logger.Debug("LMTP: invalid sender", "from", from, "error", err)
			return &smtp.SMTPError{
				Code:         553,
				EnhancedCode: smtp.EnhancedCode{5, 1, 7},
				Message:      "Invalid sender",
			}
		}
	}
	s.sender = from
	return nil
}

func (s *LMTPSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	p, err := s.backend.resolver.GetPrincipal(s.ctx, to)
	if err != nil {
		if errors.Is(err, consts.ErrAccountNotFound) {
			logger.Debug("LMTP: user not found", "rcpt", to)
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 1, 1},
				Message:      "No such user here",
			}
		}
		return s.internalError("failed to resolve recipient %s: %v", to, err)
	}
	s.recipients = append(s.recipients, recipient{address: to, principal: p})
	logger.Debug("LMTP: recipient accepted", "rcpt", to, "account_id", p.AccountID)
	return nil
}

// Data is used when the server runs in SMTP mode; the first failing
// recipient decides the reply.
func (s *LMTPSession) Data(r io.Reader) error {
	var first error
	err := s.LMTPData(r, statusFunc(func(_ string, err error) {
		if first == nil {
			first = err
		}
	}))
	if err != nil {
		return err
	}
	return first
}

type statusFunc func(rcpt string, err error)

func (f statusFunc) SetStatus(rcpt string, err error) { f(rcpt, err) }

func (s *LMTPSession) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	if len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing RCPT TO)",
		}
	}

	raw, err := s.backend.readMessage(r)
	if err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		return s.internalError("failed to read message: %v", err)
	}

	for _, rcpt := range s.recipients {
		status.SetStatus(rcpt.address, s.deliver(rcpt, raw))
	}
	return nil
}

// deliver runs the pipeline for one recipient and maps the result to an
// LMTP reply.
func (s *LMTPSession) deliver(rcpt recipient, raw []byte) error {
	out, err := s.backend.pipeline.Process(s.ctx, rcpt.principal, raw, "lmtp")
	switch {
	case err == nil:
		logger.Info("LMTP: delivered", "rcpt", rcpt.address, "from", s.sender, "status", out.Status, "entry_id", out.EntryID)
		return nil
	case errors.Is(err, consts.ErrSpamRejected):
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Message rejected as spam",
		}
	case errors.Is(err, consts.ErrMalformedMessage), errors.Is(err, consts.ErrUnknownMethod):
		logger.Warn("LMTP: malformed scheduling message", "rcpt", rcpt.address, "from", s.sender, "error", err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Malformed calendar data",
		}
	default:
		return s.internalError("processing failed for %s: %v", rcpt.address, err)
	}
}

func (s *LMTPSession) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *LMTPSession) Logout() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.backend.activeConnections.Add(-1)
	logger.Debug("LMTP: session closed", "remote", s.remote, "duration", time.Since(s.startTime))
	return nil
}

func (s *LMTPSession) internalError(format string, a ...interface{}) error {
	errorMsg := fmt.Sprintf(format, a...)
	logger.Error("LMTP: INTERNAL ERROR", "remote", s.remote, "error", errorMsg)
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary processing failure",
	}
}

var _ smtp.LMTPSession = (*LMTPSession)(nil)

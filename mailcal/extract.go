// Package mailcal finds iTIP scheduling objects in mail messages and builds
// outgoing scheduling mail.
package mailcal

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/helpers"
	"github.com/migadu/soracal/ics"
	"github.com/migadu/soracal/logger"
)

// maxCommentLength caps the body text kept as the sender's comment.
const maxCommentLength = 4000

// Envelope is the scheduling-relevant content of one mail message.
type Envelope struct {
	MessageID string
	From      string
	Sender    string
	Subject   string
	Date      time.Time
	Method    string
	Calendar  *ics.Object
	// Comment is the human-written body text accompanying the invitation.
	Comment string
}

// Originator returns the address that sent the message on behalf of its
// author: Sender when present, From otherwise.
func (e *Envelope) Originator() string {
	if e.Sender != "" {
		return e.Sender
	}
	return e.From
}

// Extract parses raw and returns the first text/calendar part (or, failing
// that, the first application/ics attachment) together with header data.
func Extract(raw []byte) (*Envelope, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if message.IsUnknownCharset(err) {
		logger.Debug("MailCal: unknown charset", "error", err)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	env := &Envelope{}
	h := mail.Header{Header: entity.Header}
	env.MessageID, _ = h.MessageID()
	env.Subject, _ = h.Subject()
	env.Date, _ = h.Date()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		env.From = helpers.NormalizeCalAddress(from[0].Address)
	}
	if sender, err := h.AddressList("Sender"); err == nil && len(sender) > 0 {
		env.Sender = helpers.NormalizeCalAddress(sender[0].Address)
	}

	var (
		calData, attachData []byte
		calMethod           string
		plain, html         string
	)

	err = entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				return nil
			}
			return err
		}
		mediaType, params, _ := part.Header.ContentType()
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}
		disposition, _, _ := part.Header.ContentDisposition()

		switch {
		case mediaType == "text/calendar" && calData == nil:
			calData, err = io.ReadAll(part.Body)
			calMethod = strings.ToUpper(params["method"])
		case (mediaType == "application/ics" || mediaType == "text/calendar") && attachData == nil:
			attachData, err = io.ReadAll(part.Body)
		case mediaType == "text/plain" && disposition != "attachment" && plain == "":
			var b []byte
			b, err = io.ReadAll(part.Body)
			plain = string(b)
		case mediaType == "text/html" && disposition != "attachment" && html == "":
			var b []byte
			b, err = io.ReadAll(part.Body)
			html = string(b)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	if calData == nil {
		calData = attachData
	}
	if calData == nil {
		return nil, consts.ErrNoCalendarPart
	}

	obj, err := ics.Decode(bytes.NewReader(calData))
	if err != nil {
		return nil, err
	}
	env.Calendar = obj

	env.Method = calMethod
	switch {
	case env.Method == "":
		env.Method = obj.Method
	case obj.Method != "" && obj.Method != env.Method:
		logger.Warn("MailCal: content-type method differs from calendar METHOD",
			"content_type", env.Method, "calendar", obj.Method, "message_id", env.MessageID)
	}
	if env.Method == "" {
		return nil, fmt.Errorf("%w: no iTIP method", consts.ErrUnknownMethod)
	}

	comment := plain
	if strings.TrimSpace(comment) == "" && html != "" {
		comment = html2text.HTML2Text(html)
	}
	env.Comment = helpers.TruncateText(strings.TrimSpace(helpers.SanitizeUTF8(comment)), maxCommentLength)
	return env, nil
}

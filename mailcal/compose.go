package mailcal

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/google/uuid"
	"github.com/migadu/soracal/helpers"
)

// Outgoing describes a scheduling message to be composed.
type Outgoing struct {
	From      string
	FromName  string
	To        []string
	Subject   string
	Text      string
	Method    string
	Calendar  []byte
	InReplyTo string
}

// NewMessageID returns a globally unique Message-ID for domain.
func NewMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// Compose renders out as a multipart/mixed message holding a
// multipart/alternative (text/plain, text/calendar) body and the same
// calendar as an invite.ics attachment, the layout most clients expect.
func Compose(out *Outgoing) ([]byte, string, error) {
	if len(out.To) == 0 {
		return nil, "", fmt.Errorf("no recipients")
	}
	_, domain := helpers.SplitEmailAddress(out.From)
	msgID := NewMessageID(domain)

	var h message.Header
	from := out.From
	if out.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", out.FromName), out.From)
	}
	h.Set("From", from)
	h.Set("To", strings.Join(out.To, ", "))
	h.Set("Subject", mime.QEncoding.Encode("utf-8", out.Subject))
	h.Set("Date", time.Now().Format(time.RFC1123Z))
	h.Set("Message-ID", msgID)
	h.Set("MIME-Version", "1.0")
	h.Set("Auto-Submitted", "auto-generated")
	if out.InReplyTo != "" {
		h.Set("In-Reply-To", out.InReplyTo)
		h.Set("References", out.InReplyTo)
	}
	h.SetContentType("multipart/mixed", nil)

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", err
	}

	var altHeader message.Header
	altHeader.SetContentType("multipart/alternative", nil)
	alt, err := w.CreatePart(altHeader)
	if err != nil {
		return nil, "", err
	}

	var textHeader message.Header
	textHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	textHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := writePart(alt, textHeader, []byte(out.Text)); err != nil {
		return nil, "", err
	}

	var calHeader message.Header
	calHeader.SetContentType("text/calendar", map[string]string{"charset": "utf-8", "method": out.Method})
	calHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := writePart(alt, calHeader, out.Calendar); err != nil {
		return nil, "", err
	}
	if err := alt.Close(); err != nil {
		return nil, "", err
	}

	var attHeader message.Header
	attHeader.SetContentType("application/ics", map[string]string{"name": "invite.ics"})
	attHeader.SetContentDisposition("attachment", map[string]string{"filename": "invite.ics"})
	attHeader.Set("Content-Transfer-Encoding", "base64")
	if err := writePart(w, attHeader, out.Calendar); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), msgID, nil
}

func writePart(w *message.Writer, h message.Header, body []byte) error {
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := pw.Write(body); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

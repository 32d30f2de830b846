package helpers

import (
	"net/mail"
	"strings"
)

// SplitEmailAddress returns the lowercased local part and domain of an address.
// Addresses without a domain return an empty domain.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

// NormalizeCalAddress turns a calendar user address ("mailto:Jane@Example.com",
// "Jane <jane@example.com>") into a bare lowercase email address.
func NormalizeCalAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) >= 7 && strings.EqualFold(addr[:7], "mailto:") {
		addr = addr[7:]
	}
	if strings.ContainsAny(addr, "<>") {
		if parsed, err := mail.ParseAddress(addr); err == nil {
			addr = parsed.Address
		}
	}
	return strings.ToLower(strings.TrimSpace(addr))
}

// BaseAddress strips a +detail from the local part.
func BaseAddress(email string) string {
	local, domain := SplitEmailAddress(email)
	if plus := strings.Index(local, "+"); plus != -1 {
		local = local[:plus]
	}
	if domain == "" {
		return local
	}
	return local + "@" + domain
}

// Package address normalizes the raw address strings stored on message
// records so they can be compared against user identifiers.
package address

import "strings"

// Normalize strips quote characters and, when the value is wrapped as
// `Display Name <addr>`, returns the first bracketed address. Otherwise the
// trimmed literal string is returned.
func Normalize(raw string) string {
	cleaned := strings.ReplaceAll(raw, `"`, "")
	if start := strings.Index(cleaned, "<"); start >= 0 {
		if end := strings.Index(cleaned[start+1:], ">"); end > 0 {
			return strings.TrimSpace(cleaned[start+1 : start+1+end])
		}
	}
	return strings.TrimSpace(cleaned)
}

// Domain returns the lowercased part after the last "@", or "" when the
// address has no domain.
func Domain(addr string) string {
	addr = strings.TrimSpace(Normalize(addr))
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// Equal reports whether two identifiers name the same mailbox.
func Equal(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

// Matches reports whether the raw header value normalizes to user.
func Matches(raw, user string) bool {
	return Equal(Normalize(raw), user)
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeWhitespace collapses whitespace runs to single spaces and trims.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeIdentifier uppercases and strips separator characters so that
// "hl-22970937" and "HL 22970937" compare equal.
func NormalizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		switch r {
		case ' ', '-', '_', '/', '.':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ContentHash fingerprints an email for revision detection. The hash is
// stable over subject prefix noise and whitespace differences.
func ContentHash(cleanSubject, bodyText string) string {
	subject := strings.ToLower(NormalizeWhitespace(cleanSubject))
	body := strings.ToLower(NormalizeWhitespace(bodyText))
	sum := sha256.Sum256([]byte(subject + "\x00" + body))
	return hex.EncodeToString(sum[:16])
}

// EmailDomain extracts the lowercased domain part of an address.
// Accepts bare addresses and "Name <addr>" forms.
func EmailDomain(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}

// TruncateRunes shortens s to at most n runes without splitting a rune.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

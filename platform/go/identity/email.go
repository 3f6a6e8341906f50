package identity

import (
	"strings"
)

// NormalizeEmail returns the key form of an email address: trimmed and lower-cased.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PlausibleEmail performs a cheap syntactic check: a single '@', a non-empty local part and a
// dotted domain with no whitespace.
func PlausibleEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" || strings.ContainsAny(email, " \t\r\n,;<>") {
		return false
	}

	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || strings.Contains(domain, "@") {
		return false
	}

	dot := strings.LastIndex(domain, ".")
	return dot > 0 && dot < len(domain)-1
}

// SplitEmails splits a comma, semicolon or whitespace separated list, keeping only plausible,
// normalized and distinct addresses in input order.
func SplitEmails(list string) []string {
	parts := strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		email := NormalizeEmail(part)
		if !PlausibleEmail(email) {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out
}

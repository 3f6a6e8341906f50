package service

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{6,}\d`)
)

const maxReasonLength = 300

// RedactReason masks email addresses and phone numbers in an error reason before it is persisted.
func RedactReason(reason string) string {
	reason = emailPattern.ReplaceAllString(reason, "<email>")
	reason = phonePattern.ReplaceAllString(reason, "<phone>")
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLength {
		reason = truncateRunes(reason, maxReasonLength) + "..."
	}
	return reason
}

// truncateRunes cuts s to at most limit bytes without splitting a multi-byte rune.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// errorLog collects redacted error entries up to a fixed cap.
type errorLog struct {
	limit   int
	entries []persistence.ImportError
	dropped int
}

func newErrorLog(limit int) *errorLog {
	return &errorLog{limit: limit, entries: []persistence.ImportError{}}
}

func (l *errorLog) add(row, reason string) {
	if len(l.entries) >= l.limit {
		l.dropped++
		return
	}
	l.entries = append(l.entries, persistence.ImportError{Row: row, Reason: RedactReason(reason)})
}

// addJobError records a job-level failure; it replaces the last entry when the log is full.
func (l *errorLog) addJobError(reason string) {
	entry := persistence.ImportError{Row: "job", Reason: RedactReason(reason)}
	if len(l.entries) >= l.limit && l.limit > 0 {
		l.entries[len(l.entries)-1] = entry
		l.dropped++
		return
	}
	l.entries = append(l.entries, entry)
}

package resolver

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/channelplay/helpdesk/internal/models"
)

var (
	// Matches "[Ticket #123]" and the short "[#123]" form, case-insensitive.
	subjectTokenRegexp = regexp.MustCompile(`(?i)\[\s*(?:ticket\s*)?#\s*([0-9]{1,18})\s*\]`)

	// Matches the ticket id embedded in generated Message-IDs of the form
	// ticket-<id>-<type>-<timestamp>-<random>@<domain>.
	messageIDTokenRegexp = regexp.MustCompile(`(?i)\bticket-([0-9]{1,18})-`)
)

// TicketIDFromSubject extracts an explicit ticket reference from a subject
// line. Returns 0 when the subject carries no token.
func TicketIDFromSubject(subject string) int64 {
	m := subjectTokenRegexp.FindStringSubmatch(subject)
	if len(m) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// TicketIDFromMessageIDs scans message-id values for the ticket-<id>-
// convention used by generated reply Message-IDs.
func TicketIDFromMessageIDs(values ...string) int64 {
	for _, v := range values {
		m := messageIDTokenRegexp.FindStringSubmatch(v)
		if len(m) < 2 {
			continue
		}
		if id, err := strconv.ParseInt(m[1], 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return 0
}

// HasThreadMarkers reports whether the event carries any explicit
// thread-identifying signal. Events with markers must never be suppressed by
// fingerprint dedup.
func HasThreadMarkers(ev *models.EmailEvent) bool {
	if ev == nil {
		return false
	}
	if TicketIDFromSubject(ev.Subject) > 0 {
		return true
	}
	ids := append([]string{ev.InReplyTo}, ev.References...)
	return TicketIDFromMessageIDs(ids...) > 0
}

var replyPrefixRegexp = regexp.MustCompile(`(?i)^\s*(re|fwd?|fw|aw|sv)\s*(\[\d+\])?\s*:\s*`)

// CleanSubject strips reply/forward prefixes, bracketed and parenthesized
// annotations, and collapses whitespace. Used both when titling new tickets
// and when comparing subjects for thread matching.
func CleanSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := replyPrefixRegexp.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = strings.TrimSpace(stripped)
	}
	s = removeDelimited(s, '[', ']')
	s = removeDelimited(s, '(', ')')
	return strings.Join(strings.Fields(s), " ")
}

func removeDelimited(s string, open, close rune) string {
	var b strings.Builder
	b.Grow(len(s))
	depth := 0
	for _, r := range s {
		switch r {
		case open:
			depth++
		case close:
			if depth > 0 {
				depth--
				continue
			}
			b.WriteRune(r)
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

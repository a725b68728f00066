package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"time"
	"unicode"

	"github.com/channelplay/helpdesk/internal/models"
)

const (
	defaultEntryTTL          = 5 * time.Minute
	defaultParentWindow      = 30 * time.Second
	defaultFingerprintWindow = 120 * time.Second
	fingerprintBodyChars     = 15

	eventKeyPrefix       = "event:"
	fingerprintKeyPrefix = "fp:"
)

// Verdict is the outcome of a duplicate check.
type Verdict struct {
	Duplicate       bool
	Signal          string // parent_event or fingerprint
	RelatedTicketID int64
}

// Filter suppresses duplicate webhook deliveries of the same physical email.
// Two independent signals are checked in priority order: parent-event linkage
// (providers splitting one email into body and attachment calls) and a
// content fingerprint over sender, recipient and body prefix.
type Filter struct {
	store             Store
	logger            *log.Logger
	entryTTL          time.Duration
	parentWindow      time.Duration
	fingerprintWindow time.Duration
	now               func() time.Time
	threadMarkers     func(*models.EmailEvent) bool
}

// FilterOption customizes a Filter.
type FilterOption func(*Filter)

// NewFilter builds a dedup filter over the given store.
func NewFilter(store Store, opts ...FilterOption) *Filter {
	f := &Filter{
		store:             store,
		logger:            log.Default(),
		entryTTL:          defaultEntryTTL,
		parentWindow:      defaultParentWindow,
		fingerprintWindow: defaultFingerprintWindow,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// WithFilterLogger overrides the logger used for diagnostics.
func WithFilterLogger(logger *log.Logger) FilterOption {
	return func(f *Filter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithFilterWindows overrides the entry TTL and the two matching windows.
func WithFilterWindows(entryTTL, parentWindow, fingerprintWindow time.Duration) FilterOption {
	return func(f *Filter) {
		if entryTTL > 0 {
			f.entryTTL = entryTTL
		}
		if parentWindow > 0 {
			f.parentWindow = parentWindow
		}
		if fingerprintWindow > 0 {
			f.fingerprintWindow = fingerprintWindow
		}
	}
}

// WithFilterClock overrides the wall clock, primarily for tests.
func WithFilterClock(now func() time.Time) FilterOption {
	return func(f *Filter) {
		if now != nil {
			f.now = now
		}
	}
}

// WithThreadMarkerCheck wires the detector for explicit thread signals.
// Events carrying such signals are legitimate replies and are never dropped
// on a fingerprint collision.
func WithThreadMarkerCheck(check func(*models.EmailEvent) bool) FilterOption {
	return func(f *Filter) {
		f.threadMarkers = check
	}
}

// Check decides whether the event is a duplicate of one seen recently.
func (f *Filter) Check(ctx context.Context, ev *models.EmailEvent) (Verdict, error) {
	if f == nil || f.store == nil || ev == nil {
		return Verdict{}, nil
	}
	now := f.now()

	if ev.ParentEventID != "" {
		entry, ok, err := f.store.Get(ctx, eventKeyPrefix+ev.ParentEventID)
		if err != nil {
			f.logf("dedup: parent lookup failed for %s: %v", ev.ParentEventID, err)
		} else if ok && sameRecipient(entry.Recipient, ev.Recipient) && now.Sub(entry.Timestamp) <= f.parentWindow {
			return Verdict{Duplicate: true, Signal: "parent_event", RelatedTicketID: entry.TicketID}, nil
		}
	}

	// Thread markers exempt an event from fingerprint matching only. Split
	// deliveries of a marked reply still collapse through parent linkage.
	if f.threadMarkers != nil && f.threadMarkers(ev) {
		return Verdict{}, nil
	}

	fp := Fingerprint(ev)
	if fp != "" {
		entry, ok, err := f.store.Get(ctx, fingerprintKeyPrefix+fp)
		if err != nil {
			f.logf("dedup: fingerprint lookup failed: %v", err)
		} else if ok && now.Sub(entry.Timestamp) <= f.fingerprintWindow {
			return Verdict{Duplicate: true, Signal: "fingerprint", RelatedTicketID: entry.TicketID}, nil
		}
	}
	return Verdict{}, nil
}

// Record stores the event and its fingerprint so later deliveries of the
// same email can be recognized within the window.
func (f *Filter) Record(ctx context.Context, ev *models.EmailEvent, ticketID int64) {
	if f == nil || f.store == nil || ev == nil {
		return
	}
	entry := Entry{
		Timestamp:   f.now(),
		Recipient:   strings.ToLower(strings.TrimSpace(ev.Recipient)),
		Fingerprint: Fingerprint(ev),
		TicketID:    ticketID,
	}
	if ev.ProviderEventID != "" {
		if err := f.store.Put(ctx, eventKeyPrefix+ev.ProviderEventID, entry, f.entryTTL); err != nil {
			f.logf("dedup: record event %s failed: %v", ev.ProviderEventID, err)
		}
	}
	if entry.Fingerprint != "" {
		if err := f.store.Put(ctx, fingerprintKeyPrefix+entry.Fingerprint, entry, f.entryTTL); err != nil {
			f.logf("dedup: record fingerprint failed: %v", err)
		}
	}
}

// Fingerprint derives the short-window dedup key: a hash over sender,
// recipient, and the first alphanumeric characters of the body. It is not a
// durable identifier.
func Fingerprint(ev *models.EmailEvent) string {
	if ev == nil {
		return ""
	}
	body := ev.TextBody
	if body == "" {
		body = ev.HTMLBody
	}
	prefix := alnumPrefix(body, fingerprintBodyChars)
	if ev.Sender == "" && ev.Recipient == "" && prefix == "" {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(ev.Sender))))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(ev.Recipient))))
	h.Write([]byte{0})
	h.Write([]byte(prefix))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func alnumPrefix(s string, n int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			if b.Len() >= n {
				break
			}
		}
	}
	return b.String()
}

func sameRecipient(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func (f *Filter) logf(format string, args ...any) {
	if f == nil || f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}

package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/channelplay/helpdesk/internal/models"
)

func testClock(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start
	now := func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return now, advance
}

func newTestFilter(t *testing.T, opts ...FilterOption) (*Filter, func(time.Duration)) {
	t.Helper()
	now, advance := testClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(WithMemoryStoreClock(now))
	t.Cleanup(store.Stop)
	opts = append([]FilterOption{WithFilterClock(now)}, opts...)
	return NewFilter(store, opts...), advance
}

func TestParentEventDuplicateWithinWindow(t *testing.T) {
	f, advance := newTestFilter(t)
	ctx := context.Background()

	first := &models.EmailEvent{
		ProviderEventID: "evt-1",
		Sender:          "alice@example.com",
		Recipient:       "support@acme.test",
		TextBody:        "my printer is on fire",
	}
	f.Record(ctx, first, 101)

	advance(10 * time.Second)
	second := &models.EmailEvent{
		ProviderEventID: "evt-2",
		ParentEventID:   "evt-1",
		Recipient:       "support@acme.test",
	}
	verdict, err := f.Check(ctx, second)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if !verdict.Duplicate || verdict.Signal != "parent_event" {
		t.Fatalf("expected parent_event duplicate, got %+v", verdict)
	}
	if verdict.RelatedTicketID != 101 {
		t.Fatalf("expected related ticket 101, got %d", verdict.RelatedTicketID)
	}
}

func TestParentEventOutsideWindowNotDuplicate(t *testing.T) {
	f, advance := newTestFilter(t)
	ctx := context.Background()

	f.Record(ctx, &models.EmailEvent{
		ProviderEventID: "evt-1",
		Recipient:       "support@acme.test",
	}, 101)

	advance(31 * time.Second)
	verdict, err := f.Check(ctx, &models.EmailEvent{
		ProviderEventID: "evt-2",
		ParentEventID:   "evt-1",
		Recipient:       "support@acme.test",
	})
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if verdict.Duplicate {
		t.Fatalf("31s past the parent window must not be duplicate, got %+v", verdict)
	}
}

func TestParentEventDifferentRecipientNotDuplicate(t *testing.T) {
	f, _ := newTestFilter(t)
	ctx := context.Background()

	f.Record(ctx, &models.EmailEvent{
		ProviderEventID: "evt-1",
		Recipient:       "support@acme.test",
	}, 101)

	verdict, err := f.Check(ctx, &models.EmailEvent{
		ProviderEventID: "evt-2",
		ParentEventID:   "evt-1",
		Recipient:       "billing@acme.test",
	})
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if verdict.Duplicate {
		t.Fatalf("different recipient must not be duplicate, got %+v", verdict)
	}
}

func TestFingerprintDuplicateWithinWindow(t *testing.T) {
	f, advance := newTestFilter(t)
	ctx := context.Background()

	ev := &models.EmailEvent{
		ProviderEventID: "evt-1",
		Sender:          "alice@example.com",
		Recipient:       "support@acme.test",
		TextBody:        "Hello, my order never arrived!",
	}
	f.Record(ctx, ev, 55)

	advance(90 * time.Second)
	// Provider retry carries a fresh event id but identical content.
	retry := &models.EmailEvent{
		ProviderEventID: "evt-9",
		Sender:          "Alice@Example.com",
		Recipient:       "support@acme.test",
		TextBody:        "Hello, my order never arrived!",
	}
	verdict, err := f.Check(ctx, retry)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if !verdict.Duplicate || verdict.Signal != "fingerprint" {
		t.Fatalf("expected fingerprint duplicate, got %+v", verdict)
	}

	advance(60 * time.Second)
	verdict, err = f.Check(ctx, retry)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if verdict.Duplicate {
		t.Fatalf("beyond 120s fingerprint window must not be duplicate, got %+v", verdict)
	}
}

func TestThreadMarkersBypassFingerprintMatching(t *testing.T) {
	f, _ := newTestFilter(t, WithThreadMarkerCheck(func(ev *models.EmailEvent) bool {
		return ev.InReplyTo != ""
	}))
	ctx := context.Background()

	ev := &models.EmailEvent{
		ProviderEventID: "evt-1",
		Sender:          "alice@example.com",
		Recipient:       "support@acme.test",
		TextBody:        "same content both times",
	}
	f.Record(ctx, ev, 1)

	reply := &models.EmailEvent{
		ProviderEventID: "evt-2",
		Sender:          "alice@example.com",
		Recipient:       "support@acme.test",
		TextBody:        "same content both times",
		InReplyTo:       "ticket-1-reply-1-a@d.test",
	}
	verdict, err := f.Check(ctx, reply)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if verdict.Duplicate {
		t.Fatalf("marked replies must not be dropped on a fingerprint collision, got %+v", verdict)
	}
}

func TestSplitDeliveryWithThreadMarkerStillCollapses(t *testing.T) {
	f, advance := newTestFilter(t, WithThreadMarkerCheck(func(ev *models.EmailEvent) bool {
		return ev.Subject != ""
	}))
	ctx := context.Background()

	f.Record(ctx, &models.EmailEvent{
		ProviderEventID: "evt-1",
		Sender:          "alice@example.com",
		Recipient:       "support@acme.test",
		Subject:         "Re: [Ticket #42] Billing issue",
		TextBody:        "see attached",
	}, 42)

	// Attachment half of the same physical email. Follow-ups almost always
	// carry a thread marker, so parent linkage must still win.
	advance(5 * time.Second)
	verdict, err := f.Check(ctx, &models.EmailEvent{
		ProviderEventID: "evt-2",
		ParentEventID:   "evt-1",
		Recipient:       "support@acme.test",
		Subject:         "Re: [Ticket #42] Billing issue",
	})
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if !verdict.Duplicate || verdict.Signal != "parent_event" {
		t.Fatalf("split delivery of a marked reply must dedup via parent linkage, got %+v", verdict)
	}
	if verdict.RelatedTicketID != 42 {
		t.Fatalf("expected related ticket 42, got %d", verdict.RelatedTicketID)
	}
}

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint(&models.EmailEvent{
		Sender:    "Alice@Example.com ",
		Recipient: "support@acme.test",
		TextBody:  "Hello!! My printer---is broken today",
	})
	b := Fingerprint(&models.EmailEvent{
		Sender:    "alice@example.com",
		Recipient: "Support@Acme.Test",
		TextBody:  "hello my printer is broken, but the tail differs entirely",
	})
	if a == "" || a != b {
		t.Fatalf("fingerprints should match on first 15 alphanumerics: %q vs %q", a, b)
	}

	c := Fingerprint(&models.EmailEvent{
		Sender:    "alice@example.com",
		Recipient: "support@acme.test",
		TextBody:  "different words entirely",
	})
	if a == c {
		t.Fatal("different body prefixes must fingerprint differently")
	}
}

func TestFingerprintFallsBackToHTMLBody(t *testing.T) {
	withText := Fingerprint(&models.EmailEvent{
		Sender: "a@b.test", Recipient: "c@d.test", TextBody: "same words here",
	})
	htmlOnly := Fingerprint(&models.EmailEvent{
		Sender: "a@b.test", Recipient: "c@d.test", HTMLBody: "same words here",
	})
	if withText != htmlOnly {
		t.Fatalf("HTML-only body should fingerprint like text: %q vs %q", withText, htmlOnly)
	}
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	f, advance := newTestFilter(t)
	ctx := context.Background()

	f.Record(ctx, &models.EmailEvent{
		ProviderEventID: "evt-1",
		Sender:          "alice@example.com",
		Recipient:       "support@acme.test",
		TextBody:        "body",
	}, 1)

	advance(5*time.Minute + time.Second)
	verdict, err := f.Check(ctx, &models.EmailEvent{
		ProviderEventID: "evt-2",
		ParentEventID:   "evt-1",
		Recipient:       "support@acme.test",
	})
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if verdict.Duplicate {
		t.Fatalf("expired entries must not match, got %+v", verdict)
	}
}

package normalizer

import (
	"strings"
	"testing"
	"time"

	"github.com/channelplay/helpdesk/internal/models"
)

func fields(pairs ...string) map[string][]string {
	out := make(map[string][]string)
	for i := 0; i+1 < len(pairs); i += 2 {
		out[pairs[i]] = append(out[pairs[i]], pairs[i+1])
	}
	return out
}

func TestFromWebhookMailgunShape(t *testing.T) {
	n := New()
	received := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ev := n.FromWebhook(WebhookPayload{
		EventID:    "evt-1",
		ReceivedAt: received,
		Fields: fields(
			"sender", "Alice Smith <Alice@Example.COM>",
			"recipient", "Support@Acme.Test",
			"subject", "Printer on fire",
			"body-plain", "It is burning.",
			"body-html", "<p>It is burning.</p><script>alert(1)</script>",
			"Message-Id", "<orig@mail.example.com>",
			"In-Reply-To", "<prev@mail.example.com>",
			"References", "<root@mail.example.com> <prev@mail.example.com>",
		),
	})

	if ev.ProviderEventID != "evt-1" || !ev.ReceivedAt.Equal(received) {
		t.Fatalf("event identity wrong: %+v", ev)
	}
	if ev.Sender != "alice@example.com" || ev.SenderName != "Alice Smith" {
		t.Fatalf("sender = %q / %q", ev.Sender, ev.SenderName)
	}
	if ev.Recipient != "support@acme.test" {
		t.Fatalf("recipient = %q", ev.Recipient)
	}
	if ev.Subject != "Printer on fire" || ev.TextBody != "It is burning." {
		t.Fatalf("subject/body wrong: %q / %q", ev.Subject, ev.TextBody)
	}
	if strings.Contains(ev.HTMLBody, "<script>") {
		t.Fatalf("HTML body not sanitized: %q", ev.HTMLBody)
	}
	if ev.MessageID != "orig@mail.example.com" || ev.InReplyTo != "prev@mail.example.com" {
		t.Fatalf("message ids = %q / %q", ev.MessageID, ev.InReplyTo)
	}
	if len(ev.References) != 2 || ev.References[0] != "root@mail.example.com" {
		t.Fatalf("references = %v", ev.References)
	}
}

func TestFromWebhookSendGridShape(t *testing.T) {
	ev := New().FromWebhook(WebhookPayload{
		EventID: "evt-2",
		Fields: fields(
			"from", "bob@example.com",
			"to", "support@acme.test",
			"Subject", "hi",
			"text", "plain body",
			"html", "<b>plain body</b>",
		),
	})
	if ev.Sender != "bob@example.com" || ev.Recipient != "support@acme.test" {
		t.Fatalf("alias fields not resolved: %+v", ev)
	}
	// No display name in the mail, so one is derived from the local part.
	if ev.SenderName != "Bob" {
		t.Fatalf("SenderName = %q, want Bob", ev.SenderName)
	}
	if ev.TextBody != "plain body" {
		t.Fatalf("TextBody = %q", ev.TextBody)
	}
}

func TestFromWebhookHeadersBlobFallback(t *testing.T) {
	blob := `[["Message-Id", "<blob@mail.example.com>"], ["In-Reply-To", "<parent@mail.example.com>"], ["References", "<root@mail.example.com>"]]`
	ev := New().FromWebhook(WebhookPayload{
		EventID: "evt-3",
		Fields: fields(
			"sender", "alice@example.com",
			"recipient", "support@acme.test",
			"body-plain", "x",
			"message-headers", blob,
		),
	})
	if ev.MessageID != "blob@mail.example.com" {
		t.Fatalf("MessageID = %q, want value from header blob", ev.MessageID)
	}
	if ev.InReplyTo != "parent@mail.example.com" {
		t.Fatalf("InReplyTo = %q", ev.InReplyTo)
	}
	if len(ev.References) != 1 || ev.References[0] != "root@mail.example.com" {
		t.Fatalf("References = %v", ev.References)
	}
}

func TestFromWebhookBodyPlaceholders(t *testing.T) {
	n := New()
	empty := n.FromWebhook(WebhookPayload{
		EventID: "evt-4",
		Fields:  fields("sender", "a@b.test", "recipient", "c@d.test"),
	})
	if empty.TextBody != "[Empty email]" {
		t.Fatalf("TextBody = %q, want empty placeholder", empty.TextBody)
	}

	withFiles := n.FromWebhook(WebhookPayload{
		EventID: "evt-5",
		Fields:  fields("sender", "a@b.test", "recipient", "c@d.test"),
		Attachments: []models.Attachment{
			{Filename: "a.png", Content: []byte{1}},
			{Filename: "b.png", Content: []byte{2}},
		},
	})
	if withFiles.TextBody != "[Email with 2 attachments]" {
		t.Fatalf("TextBody = %q, want attachment placeholder", withFiles.TextBody)
	}
}

func TestFromWebhookCollectCC(t *testing.T) {
	ev := New().FromWebhook(WebhookPayload{
		EventID: "evt-6",
		Fields: fields(
			"sender", "alice@example.com",
			"recipient", "support@acme.test",
			"body-plain", "x",
			"cc", "Bob <bob@example.com>, Support <support@acme.test>",
			"Cc", "bob@example.com, carol@example.com",
		),
	})
	want := []string{"bob@example.com", "carol@example.com"}
	if len(ev.CC) != len(want) {
		t.Fatalf("CC = %v, want %v", ev.CC, want)
	}
	for i := range want {
		if ev.CC[i] != want[i] {
			t.Fatalf("CC[%d] = %q, want %q", i, ev.CC[i], want[i])
		}
	}
}

func TestFromWebhookDecodesEncodedWords(t *testing.T) {
	ev := New().FromWebhook(WebhookPayload{
		EventID: "evt-7",
		Fields: fields(
			"sender", "a@b.test",
			"recipient", "c@d.test",
			"subject", "=?UTF-8?Q?Caf=C3=A9_broken?=",
			"body-plain", "x",
		),
	})
	if ev.Subject != "Café broken" {
		t.Fatalf("Subject = %q, want decoded words", ev.Subject)
	}
}

func TestFromWebhookBodyLimit(t *testing.T) {
	ev := New(WithBodyLimit(10)).FromWebhook(WebhookPayload{
		EventID: "evt-8",
		Fields: fields(
			"sender", "a@b.test",
			"recipient", "c@d.test",
			"body-plain", strings.Repeat("x", 40),
		),
	})
	if len(ev.TextBody) != 10 {
		t.Fatalf("TextBody length = %d, want limit applied", len(ev.TextBody))
	}
}

func rawMessage(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestFromRawPlainText(t *testing.T) {
	raw := rawMessage(
		"From: Alice <alice@example.com>",
		"To: support@acme.test",
		"Subject: Printer on fire",
		"Message-Id: <orig@mail.example.com>",
		"In-Reply-To: <prev@mail.example.com>",
		"References: <root@mail.example.com> <prev@mail.example.com>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"My printer is on fire.",
		"",
	)
	ev, err := New().FromRaw(raw, "Support@Acme.Test", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FromRaw returned error: %v", err)
	}
	if ev.Sender != "alice@example.com" || ev.SenderName != "Alice" {
		t.Fatalf("sender = %q / %q", ev.Sender, ev.SenderName)
	}
	if ev.Recipient != "support@acme.test" {
		t.Fatalf("recipient = %q, want lowered explicit recipient", ev.Recipient)
	}
	if ev.Subject != "Printer on fire" {
		t.Fatalf("subject = %q", ev.Subject)
	}
	if ev.MessageID != "orig@mail.example.com" || ev.InReplyTo != "prev@mail.example.com" {
		t.Fatalf("message ids = %q / %q", ev.MessageID, ev.InReplyTo)
	}
	if len(ev.References) != 2 {
		t.Fatalf("references = %v", ev.References)
	}
	if !strings.Contains(ev.TextBody, "My printer is on fire.") {
		t.Fatalf("TextBody = %q", ev.TextBody)
	}
}

func TestFromRawMultipartWithAttachment(t *testing.T) {
	raw := rawMessage(
		"From: bob@example.com",
		"To: support@acme.test",
		"Subject: with attachment",
		"Message-Id: <att@mail.example.com>",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"see attached",
		"--b1",
		"Content-Type: application/pdf",
		`Content-Disposition: attachment; filename="invoice.pdf"`,
		"Content-Transfer-Encoding: base64",
		"",
		"cGRmLWJ5dGVz",
		"--b1--",
		"",
	)
	ev, err := New().FromRaw(raw, "support@acme.test", time.Time{})
	if err != nil {
		t.Fatalf("FromRaw returned error: %v", err)
	}
	if !strings.Contains(ev.TextBody, "see attached") {
		t.Fatalf("TextBody = %q", ev.TextBody)
	}
	if len(ev.Attachments) != 1 {
		t.Fatalf("attachments = %+v", ev.Attachments)
	}
	att := ev.Attachments[0]
	if att.Filename != "invoice.pdf" || att.ContentType != "application/pdf" {
		t.Fatalf("attachment meta = %q / %q", att.Filename, att.ContentType)
	}
	if string(att.Content) != "pdf-bytes" {
		t.Fatalf("attachment content = %q", att.Content)
	}
	if ev.ReceivedAt.IsZero() {
		t.Fatal("zero receive time should be stamped with the clock")
	}
}

func TestFromRawEmptyMessage(t *testing.T) {
	if _, err := New().FromRaw(nil, "support@acme.test", time.Time{}); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestUniqueMessageIDs(t *testing.T) {
	ids := UniqueMessageIDs(
		"<a@b.test> <c@d.test>",
		"<c@d.test>",
		"e@f.test",
		"",
	)
	want := []string{"a@b.test", "c@d.test", "e@f.test"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestNormalizeMessageID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"<x@y.test>", "x@y.test"},
		{`"<x@y.test>"`, "x@y.test"},
		{"  x@y.test  ", "x@y.test"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeMessageID(tc.in); got != tc.want {
			t.Errorf("NormalizeMessageID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

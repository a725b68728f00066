package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/channelplay/helpdesk/internal/models"
)

// scriptedChannel fails attempts until the scripted level is reached and
// records every payload it sees.
type scriptedChannel struct {
	name     string
	failWith []error // consumed in order; nil means success
	seen     []*Outbound
}

func (c *scriptedChannel) Name() string { return c.name }

func (c *scriptedChannel) Send(ctx context.Context, msg *Outbound) error {
	c.seen = append(c.seen, msg)
	if len(c.failWith) == 0 {
		return nil
	}
	err := c.failWith[0]
	c.failWith = c.failWith[1:]
	return err
}

func outboundFixture() *Outbound {
	return &Outbound{
		From:     "support@acme.test",
		FromName: "Acme Support",
		To:       "alice@example.com",
		Subject:  "Re: [Ticket #42] Billing issue",
		TextBody: "refunded",
		HTMLBody: "<p>refunded</p>",
		Headers: map[string]string{
			"Message-ID":  "<ticket-42-reply-1-a@acme.test>",
			"In-Reply-To": "<orig@mail.example.com>",
			"References":  "<orig@mail.example.com>",
			"Precedence":  "bulk",
		},
		Attachments: []models.Attachment{{Filename: "invoice.pdf", Content: []byte("pdf")}},
		Tag:         "ticket-42",
	}
}

func TestDispatchSucceedsAtFullLevel(t *testing.T) {
	ch := &scriptedChannel{name: "smtp"}
	level, err := New().Dispatch(context.Background(), ch, outboundFixture())
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if level != LevelFull {
		t.Fatalf("expected full level, got %s", level)
	}
	if len(ch.seen) != 1 {
		t.Fatalf("expected one attempt, got %d", len(ch.seen))
	}
	if ch.seen[0].Tag != "ticket-42" {
		t.Fatal("full level must keep the tag")
	}
}

func TestDispatchDegradesOnProviderError(t *testing.T) {
	ch := &scriptedChannel{
		name:     "smtp",
		failWith: []error{&ProviderError{Channel: "smtp", StatusCode: 400, Message: "bad tag"}},
	}
	level, err := New().Dispatch(context.Background(), ch, outboundFixture())
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if level != LevelSimplified {
		t.Fatalf("expected simplified level after 400-class failure, got %s", level)
	}

	simplified := ch.seen[1]
	if simplified.Tag != "" {
		t.Fatal("simplified level must drop the tag")
	}
	if _, ok := simplified.Headers["Precedence"]; ok {
		t.Fatal("simplified level must carry threading headers only")
	}
	for _, key := range []string{"Message-ID", "In-Reply-To", "References"} {
		if simplified.Headers[key] == "" {
			t.Fatalf("threading header %s must never change between rungs", key)
		}
	}
	if simplified.From != "support@acme.test" {
		t.Fatal("envelope From must never change between rungs")
	}
	if len(simplified.Attachments) != 0 {
		t.Fatal("simplified level must drop attachments")
	}
	if simplified.HTMLBody == "" {
		t.Fatal("simplified level keeps the HTML body")
	}
}

func TestDispatchMinimalDropsRichPayload(t *testing.T) {
	ch := &scriptedChannel{
		name: "mailgun",
		failWith: []error{
			&ProviderError{Channel: "mailgun", StatusCode: 400, Message: "a"},
			&ProviderError{Channel: "mailgun", StatusCode: 400, Message: "b"},
		},
	}
	level, err := New().Dispatch(context.Background(), ch, outboundFixture())
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if level != LevelMinimal {
		t.Fatalf("expected minimal level, got %s", level)
	}
	minimal := ch.seen[2]
	if minimal.HTMLBody != "" || len(minimal.Attachments) != 0 {
		t.Fatal("minimal level must be text-only without attachments")
	}
	if minimal.TextBody != "refunded" {
		t.Fatal("minimal level keeps the text body")
	}
	if minimal.Headers["Message-ID"] == "" {
		t.Fatal("minimal level keeps threading headers")
	}
}

func TestDispatchAllLevelsFailed(t *testing.T) {
	provider := &ProviderError{Channel: "sendgrid", StatusCode: 500, Message: "down"}
	ch := &scriptedChannel{
		name:     "sendgrid",
		failWith: []error{provider, provider, provider},
	}
	_, err := New().Dispatch(context.Background(), ch, outboundFixture())
	if !errors.Is(err, ErrAllLevelsFailed) {
		t.Fatalf("expected ErrAllLevelsFailed, got %v", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("last provider error should be wrapped, got %v", err)
	}
	if len(ch.seen) != 3 {
		t.Fatalf("expected three attempts, got %d", len(ch.seen))
	}
}

func TestDispatchObserverSeesEveryAttempt(t *testing.T) {
	var attempts []string
	d := New(WithAttemptObserver(func(channel string, level Level, err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		attempts = append(attempts, channel+"/"+string(level)+"/"+outcome)
	}))
	ch := &scriptedChannel{
		name:     "smtp",
		failWith: []error{&ProviderError{Channel: "smtp", StatusCode: 451, Message: "x"}},
	}
	if _, err := d.Dispatch(context.Background(), ch, outboundFixture()); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	want := []string{"smtp/full/error", "smtp/simplified/ok"}
	if len(attempts) != len(want) {
		t.Fatalf("attempts = %v, want %v", attempts, want)
	}
	for i := range want {
		if attempts[i] != want[i] {
			t.Fatalf("attempts[%d] = %s, want %s", i, attempts[i], want[i])
		}
	}
}

func TestDispatchNeverMutatesOriginal(t *testing.T) {
	msg := outboundFixture()
	ch := &scriptedChannel{
		name: "smtp",
		failWith: []error{
			&ProviderError{Channel: "smtp", StatusCode: 400, Message: "a"},
			&ProviderError{Channel: "smtp", StatusCode: 400, Message: "b"},
		},
	}
	if _, err := New().Dispatch(context.Background(), ch, msg); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if msg.Tag != "ticket-42" || msg.HTMLBody == "" || len(msg.Attachments) != 1 {
		t.Fatal("the caller's message must never be mutated")
	}
	if msg.Headers["Precedence"] != "bulk" {
		t.Fatal("the caller's headers must never be mutated")
	}
}

func TestChannelForSelection(t *testing.T) {
	deskSMTP := &models.Desk{
		Name: "support", Channel: models.ChannelSMTP,
		SMTP: models.SMTPSettings{Host: "mail.acme.test", Username: "u", Password: "p"},
	}
	ch, err := ChannelFor(deskSMTP)
	if err != nil || ch.Name() != "smtp" {
		t.Fatalf("ChannelFor smtp desk = (%v, %v)", ch, err)
	}

	deskMG := &models.Desk{
		Name: "support", Channel: models.ChannelMailgun,
		Mailgun: models.MailgunSettings{Domain: "mg.acme.test", APIKey: "key"},
	}
	ch, err = ChannelFor(deskMG)
	if err != nil || ch.Name() != "mailgun" {
		t.Fatalf("ChannelFor mailgun desk = (%v, %v)", ch, err)
	}

	deskSG := &models.Desk{
		Name: "support", Channel: models.ChannelSendGrid,
		SendGrid: models.SendGridSettings{APIKey: "key"},
	}
	ch, err = ChannelFor(deskSG)
	if err != nil || ch.Name() != "sendgrid" {
		t.Fatalf("ChannelFor sendgrid desk = (%v, %v)", ch, err)
	}

	// Missing credentials fail fast, no silent fallback to another desk.
	broken := &models.Desk{Name: "broken", Channel: models.ChannelSMTP}
	if _, err := ChannelFor(broken); err == nil {
		t.Fatal("expected error for desk without SMTP credentials")
	}
}

func TestWrapSMTPError(t *testing.T) {
	err := wrapSMTPError(errors.New("554 5.7.1 rejected by policy"))
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.StatusCode != 554 {
		t.Fatalf("StatusCode = %d, want 554", pe.StatusCode)
	}

	plain := errors.New("connection refused")
	if wrapped := wrapSMTPError(plain); wrapped != plain {
		t.Fatalf("non-status errors pass through, got %v", wrapped)
	}
}

package resolver

import (
	"testing"

	"github.com/channelplay/helpdesk/internal/models"
)

func TestTicketIDFromSubject(t *testing.T) {
	cases := []struct {
		subject string
		want    int64
	}{
		{"[Ticket #42] Billing issue", 42},
		{"Re: [Ticket #42] Billing issue", 42},
		{"re: [ticket #7] whatever", 7},
		{"[#123] short form", 123},
		{"[ Ticket # 55 ] spaced out", 55},
		{"No token here", 0},
		{"[Ticket #] empty", 0},
		{"Ticket #42 without brackets", 0},
	}
	for _, tc := range cases {
		if got := TicketIDFromSubject(tc.subject); got != tc.want {
			t.Errorf("TicketIDFromSubject(%q) = %d, want %d", tc.subject, got, tc.want)
		}
	}
}

func TestTicketIDFromMessageIDs(t *testing.T) {
	cases := []struct {
		ids  []string
		want int64
	}{
		{[]string{"ticket-42-reply-1700000000-abc@support.acme.test"}, 42},
		{[]string{"<ticket-9-new-1700000000-def@support.acme.test>"}, 9},
		{[]string{"random@mail.example.com", "ticket-3-reply-1-x@d.test"}, 3},
		{[]string{"random@mail.example.com"}, 0},
		{nil, 0},
	}
	for _, tc := range cases {
		if got := TicketIDFromMessageIDs(tc.ids...); got != tc.want {
			t.Errorf("TicketIDFromMessageIDs(%v) = %d, want %d", tc.ids, got, tc.want)
		}
	}
}

func TestCleanSubject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Re: Re: Fwd: Printer on fire", "Printer on fire"},
		{"RE: [Ticket #42] Billing issue", "Billing issue"},
		{"FW: AW: SV: nested prefixes", "nested prefixes"},
		{"Plain subject", "Plain subject"},
		{"Subject   with    spaces", "Subject with spaces"},
		{"(External) [SPAM] actual words", "actual words"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CleanSubject(tc.in); got != tc.want {
			t.Errorf("CleanSubject(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHasThreadMarkers(t *testing.T) {
	if HasThreadMarkers(nil) {
		t.Fatal("nil event should have no markers")
	}
	if !HasThreadMarkers(&models.EmailEvent{Subject: "[Ticket #1] x"}) {
		t.Fatal("subject token should count as a marker")
	}
	if !HasThreadMarkers(&models.EmailEvent{InReplyTo: "ticket-5-reply-1-a@d.test"}) {
		t.Fatal("in-reply-to token should count as a marker")
	}
	if !HasThreadMarkers(&models.EmailEvent{References: []string{"x@y", "ticket-5-new-1-a@d.test"}}) {
		t.Fatal("references token should count as a marker")
	}
	if HasThreadMarkers(&models.EmailEvent{Subject: "hello", InReplyTo: "x@y"}) {
		t.Fatal("plain reply headers are not explicit markers")
	}
}

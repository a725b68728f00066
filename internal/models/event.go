package models

import "time"

// EmailEvent is the canonical, provider-neutral shape of one inbound email.
// Normalizers build it from webhook form payloads or raw RFC822 messages;
// everything downstream (dedup, resolution, materialization) consumes only
// this type.
type EmailEvent struct {
	// ProviderEventID is the provider-assigned id for this webhook delivery
	// or fetch. Synthesized when the provider omits one.
	ProviderEventID string
	// ParentEventID links split deliveries (body and attachments arriving as
	// separate webhook calls) back to the first event.
	ParentEventID string

	Sender     string
	SenderName string
	Recipient  string
	Subject    string
	TextBody   string
	HTMLBody   string

	MessageID  string
	InReplyTo  string
	References []string

	CC          []string
	Attachments []Attachment

	ReceivedAt time.Time
}

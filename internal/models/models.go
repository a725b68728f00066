package models

import (
	"strings"
	"time"
)

// TicketStatus is the finite set of lifecycle states a ticket moves through.
type TicketStatus string

const (
	TicketStatusOpen    TicketStatus = "open"
	TicketStatusPending TicketStatus = "pending"
	TicketStatusClosed  TicketStatus = "closed"
)

// Valid reports whether the value is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusOpen, TicketStatusPending, TicketStatusClosed:
		return true
	}
	return false
}

// CanTransition reports whether the status change is allowed by the ticket
// state machine. Closed tickets reopen when new customer mail arrives.
func (s TicketStatus) CanTransition(to TicketStatus) bool {
	switch s {
	case TicketStatusOpen:
		return to == TicketStatusPending || to == TicketStatusClosed
	case TicketStatusPending:
		return to == TicketStatusOpen || to == TicketStatusClosed
	case TicketStatusClosed:
		return to == TicketStatusOpen
	default:
		return false
	}
}

// Ticket is one support conversation. It owns its messages.
type Ticket struct {
	ID             int64        `db:"id"`
	Subject        string       `db:"subject"`
	Status         TicketStatus `db:"status"`
	CustomerEmail  string       `db:"customer_email"`
	CustomerName   string       `db:"customer_name"`
	DeskID         *int64       `db:"desk_id"`
	AssignedUserID *int64       `db:"assigned_user_id"`
	CCRecipients   []string     `db:"-"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
	ResolvedAt     *time.Time   `db:"resolved_at"`
}

// MessageDirection distinguishes agent replies from customer mail.
type MessageDirection string

const (
	DirectionCustomer MessageDirection = "customer"
	DirectionAgent    MessageDirection = "agent"
)

// Message is a single mail within a ticket. MessageID is written once and
// never mutated afterwards; threading depends on its stability.
type Message struct {
	ID                 int64            `db:"id"`
	TicketID           int64            `db:"ticket_id"`
	Direction          MessageDirection `db:"direction"`
	SenderEmail        string           `db:"sender_email"`
	SenderName         string           `db:"sender_name"`
	TextBody           string           `db:"text_body"`
	HTMLBody           string           `db:"html_body"`
	MessageID          string           `db:"message_id"`
	InReplyTo          string           `db:"in_reply_to"`
	References         []string         `db:"-"`
	CC                 []string         `db:"-"`
	SatisfactionRating *int             `db:"satisfaction_rating"`
	DeliveryStatus     string           `db:"delivery_status"`
	Attachments        []Attachment     `db:"-"`
	CreatedAt          time.Time        `db:"created_at"`
}

// Attachment carries binary content plus metadata for one mail part.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// DeliveryChannel selects the outbound transport for a desk.
type DeliveryChannel string

const (
	ChannelSMTP     DeliveryChannel = "smtp"
	ChannelMailgun  DeliveryChannel = "mailgun"
	ChannelSendGrid DeliveryChannel = "sendgrid"
)

// Desk is an outbound/inbound mailbox identity. Tickets reference it weakly
// by id; deleting a desk never cascades into its tickets.
type Desk struct {
	ID        int64           `db:"id"`
	Name      string          `db:"name"`
	Email     string          `db:"email"`
	Channel   DeliveryChannel `db:"channel"`
	IsDefault bool            `db:"is_default"`
	AgentIDs  []int64         `db:"-"`

	SMTP     SMTPSettings     `db:"-"`
	IMAP     MailboxSettings  `db:"-"`
	Mailgun  MailgunSettings  `db:"-"`
	SendGrid SendGridSettings `db:"-"`
}

// Domain returns the domain of the desk mailbox, used as the sending domain
// for generated Message-IDs.
func (d *Desk) Domain() string {
	if d == nil {
		return ""
	}
	if at := strings.LastIndex(d.Email, "@"); at >= 0 && at < len(d.Email)-1 {
		return strings.ToLower(d.Email[at+1:])
	}
	return ""
}

// SMTPSettings hold per-desk direct sending credentials.
type SMTPSettings struct {
	Host     string `db:"smtp_host"`
	Port     int    `db:"smtp_port"`
	Username string `db:"smtp_username"`
	Password string `db:"smtp_password"`
	UseTLS   bool   `db:"smtp_use_tls"`
}

// Configured reports whether the desk can send through SMTP at all.
func (s SMTPSettings) Configured() bool {
	return s.Host != "" && s.Username != "" && s.Password != ""
}

// MailboxSettings hold per-desk pull credentials (IMAP or POP3).
type MailboxSettings struct {
	Type     string `db:"mailbox_type"` // imap, imaps, pop3, pop3s
	Host     string `db:"mailbox_host"`
	Port     int    `db:"mailbox_port"`
	Username string `db:"mailbox_username"`
	Password string `db:"mailbox_password"`
	Folder   string `db:"mailbox_folder"`
}

// Configured reports whether the desk has a pollable mailbox.
func (m MailboxSettings) Configured() bool {
	return m.Host != "" && m.Username != "" && m.Password != ""
}

// MailgunSettings hold per-desk Mailgun API credentials.
type MailgunSettings struct {
	Domain string `db:"mailgun_domain"`
	APIKey string `db:"mailgun_api_key"`
}

// Configured reports whether the desk can send through Mailgun.
func (m MailgunSettings) Configured() bool {
	return m.Domain != "" && m.APIKey != ""
}

// SendGridSettings hold per-desk SendGrid API credentials.
type SendGridSettings struct {
	APIKey string `db:"sendgrid_api_key"`
}

// Configured reports whether the desk can send through SendGrid.
func (s SendGridSettings) Configured() bool {
	return s.APIKey != ""
}

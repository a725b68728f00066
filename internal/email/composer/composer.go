package composer

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/channelplay/helpdesk/internal/models"
)

// Composed carries everything the dispatcher needs to send one reply.
type Composed struct {
	MessageID  string
	InReplyTo  string
	References []string
	Headers    map[string]string

	From     string
	FromName string
	To       string
	CC       []string
	Subject  string
	TextBody string
	HTMLBody string
}

// ReplyInput is the material a reply is composed from. History must hold the
// ticket's messages in chronological order.
type ReplyInput struct {
	Ticket  *models.Ticket
	Desk    *models.Desk
	History []*models.Message
	Body    string
}

// Composer builds RFC-5322 threading headers for outbound replies.
type Composer struct {
	logger *log.Logger
	now    func() time.Time
	rand   func(n int) string
}

// Option customizes a Composer.
type Option func(*Composer)

// New builds a Composer.
func New(opts ...Option) *Composer {
	c := &Composer{
		logger: log.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		rand:   randomHex,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(c *Composer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Composer) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRandomSource overrides the entropy source, primarily for tests.
func WithRandomSource(fn func(n int) string) Option {
	return func(c *Composer) {
		if fn != nil {
			c.rand = fn
		}
	}
}

// ComposeReply builds the threading headers and payload for an agent reply.
// The sending domain always derives from the desk's own mailbox address; a
// mismatched domain is what makes mail clients show "via"/"on behalf of"
// banners.
func (c *Composer) ComposeReply(in ReplyInput) (*Composed, error) {
	if in.Ticket == nil {
		return nil, errors.New("composer: ticket required")
	}
	if in.Desk == nil {
		return nil, errors.New("composer: desk required")
	}
	domain := in.Desk.Domain()
	if domain == "" {
		return nil, fmt.Errorf("composer: desk %q has no usable mailbox domain", in.Desk.Name)
	}
	if strings.TrimSpace(in.Body) == "" {
		return nil, errors.New("composer: empty reply body")
	}

	out := &Composed{
		MessageID:  c.GenerateMessageID(in.Ticket.ID, "reply", domain),
		References: buildReferences(in.History),
		From:       in.Desk.Email,
		FromName:   in.Desk.Name,
		To:         in.Ticket.CustomerEmail,
		CC:         append([]string(nil), in.Ticket.CCRecipients...),
		Subject:    replySubject(in.Ticket),
		TextBody:   in.Body,
		HTMLBody:   renderHTML(in.Body),
	}
	out.InReplyTo = selectInReplyTo(in.History)

	out.Headers = map[string]string{
		"Message-ID": bracket(out.MessageID),
	}
	if out.InReplyTo != "" {
		out.Headers["In-Reply-To"] = bracket(out.InReplyTo)
	}
	if len(out.References) > 0 {
		out.Headers["References"] = joinBracketed(out.References)
	}

	profile := ProfileFor(out.To)
	out.Headers = shapePreservingThreading(profile, out.Headers)
	c.logf("composer: ticket %d reply %s via profile %s", in.Ticket.ID, out.MessageID, profile.Name())
	return out, nil
}

// GenerateMessageID produces a globally unique id carrying the ticket id, so
// later inbound replies resolve back to the same ticket.
func (c *Composer) GenerateMessageID(ticketID int64, msgType, domain string) string {
	return fmt.Sprintf("ticket-%d-%s-%d-%s@%s", ticketID, msgType, c.now().Unix(), c.rand(6), domain)
}

// buildReferences concatenates the message-ids of every prior message in
// chronological order, deduplicated, keeping the original customer message's
// id first in the chain even when history ordering is off.
func buildReferences(history []*models.Message) []string {
	ordered := append([]*models.Message(nil), history...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	var first string
	for _, m := range ordered {
		if m.Direction == models.DirectionCustomer && m.MessageID != "" {
			first = m.MessageID
			break
		}
	}

	seen := make(map[string]struct{})
	var refs []string
	appendID := func(id string) {
		id = strings.TrimSpace(strings.Trim(id, "<>"))
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		refs = append(refs, id)
	}
	appendID(first)
	for _, m := range ordered {
		for _, ref := range m.References {
			appendID(ref)
		}
		appendID(m.MessageID)
	}
	return refs
}

// selectInReplyTo picks the most recent customer message id. On the very
// first agent reply it is the ticket's original inbound message id, which
// guarantees the reply lands in the customer's original thread even when a
// later id is malformed.
func selectInReplyTo(history []*models.Message) string {
	ordered := append([]*models.Message(nil), history...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	hasAgentReply := false
	for _, m := range ordered {
		if m.Direction == models.DirectionAgent {
			hasAgentReply = true
			break
		}
	}
	if !hasAgentReply {
		for _, m := range ordered {
			if m.Direction == models.DirectionCustomer && m.MessageID != "" {
				return strings.Trim(m.MessageID, "<>")
			}
		}
		return ""
	}
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].Direction == models.DirectionCustomer && ordered[i].MessageID != "" {
			return strings.Trim(ordered[i].MessageID, "<>")
		}
	}
	return ""
}

func replySubject(t *models.Ticket) string {
	subject := strings.TrimSpace(t.Subject)
	if subject == "" {
		subject = "Your support request"
	}
	return fmt.Sprintf("Re: [Ticket #%d] %s", t.ID, subject)
}

func bracket(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}

func joinBracketed(ids []string) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if b := bracket(id); b != "" {
			parts = append(parts, b)
		}
	}
	return strings.Join(parts, " ")
}

func randomHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (c *Composer) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

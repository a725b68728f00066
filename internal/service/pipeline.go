package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/channelplay/helpdesk/internal/email/dedup"
	"github.com/channelplay/helpdesk/internal/email/normalizer"
	"github.com/channelplay/helpdesk/internal/email/resolver"
	"github.com/channelplay/helpdesk/internal/models"
)

type ticketStore interface {
	Create(ctx context.Context, t *models.Ticket) error
	GetByID(ctx context.Context, id int64) (*models.Ticket, error)
	UpdateStatus(ctx context.Context, id int64, status models.TicketStatus) error
	Touch(ctx context.Context, id int64) error
	AssignUser(ctx context.Context, id, userID int64) error
}

type messageStore interface {
	Create(ctx context.Context, m *models.Message) error
	ListByTicket(ctx context.Context, ticketID int64) ([]*models.Message, error)
}

type deskStore interface {
	GetByID(ctx context.Context, id int64) (*models.Desk, error)
	GetDefault(ctx context.Context) (*models.Desk, error)
}

type threadResolver interface {
	Resolve(ctx context.Context, ev *models.EmailEvent) (resolver.Resolution, error)
}

type duplicateFilter interface {
	Check(ctx context.Context, ev *models.EmailEvent) (dedup.Verdict, error)
	Record(ctx context.Context, ev *models.EmailEvent, ticketID int64)
}

// InboundResult reports what processing one event did.
type InboundResult struct {
	Duplicate     bool
	Signal        string
	TicketID      int64
	TicketCreated bool
	MessageID     int64
	Via           string
}

// InboundPipeline turns normalized email events into ticket state: it drops
// duplicates, resolves the thread, and materializes the ticket and message.
type InboundPipeline struct {
	tickets  ticketStore
	messages messageStore
	desks    deskStore
	resolver threadResolver
	filter   duplicateFilter
	assigner *RoundRobinAssigner
	metrics  *Metrics
	logger   *log.Logger
}

// PipelineOption customizes the pipeline.
type PipelineOption func(*InboundPipeline)

// NewInboundPipeline wires the processing stages together.
func NewInboundPipeline(tickets ticketStore, messages messageStore, desks deskStore, res threadResolver, filter duplicateFilter, opts ...PipelineOption) *InboundPipeline {
	p := &InboundPipeline{
		tickets:  tickets,
		messages: messages,
		desks:    desks,
		resolver: res,
		filter:   filter,
		assigner: NewRoundRobinAssigner(),
		logger:   log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithPipelineLogger overrides the logger used for diagnostics.
func WithPipelineLogger(logger *log.Logger) PipelineOption {
	return func(p *InboundPipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPipelineMetrics wires pipeline counters.
func WithPipelineMetrics(m *Metrics) PipelineOption {
	return func(p *InboundPipeline) {
		p.metrics = m
	}
}

// Process runs one event through dedup, thread resolution and
// materialization. Duplicates return early with no state change.
func (p *InboundPipeline) Process(ctx context.Context, ev *models.EmailEvent) (*InboundResult, error) {
	if ev == nil {
		return nil, errors.New("pipeline: event required")
	}

	if p.filter != nil {
		verdict, err := p.filter.Check(ctx, ev)
		if err != nil {
			p.logf("pipeline: dedup check failed, processing anyway: %v", err)
		}
		if verdict.Duplicate {
			p.logf("pipeline: dropped duplicate from %s (%s)", ev.Sender, verdict.Signal)
			p.metrics.ObserveInbound("duplicate")
			return &InboundResult{Duplicate: true, Signal: verdict.Signal, TicketID: verdict.RelatedTicketID}, nil
		}
	}

	res, err := p.resolver.Resolve(ctx, ev)
	if err != nil {
		p.metrics.ObserveInbound("error")
		return nil, fmt.Errorf("pipeline: resolve thread: %w", err)
	}

	var ticket *models.Ticket
	created := false
	if res.Existing {
		ticket, err = p.refreshExisting(ctx, res.TicketID)
	} else {
		ticket, err = p.createTicket(ctx, ev, res.DeskID)
		created = ticket != nil
	}
	if err != nil {
		p.metrics.ObserveInbound("error")
		return nil, err
	}

	msg := p.buildMessage(ev, ticket.ID)
	if err := p.messages.Create(ctx, msg); err != nil {
		p.metrics.ObserveInbound("error")
		return nil, fmt.Errorf("pipeline: store message: %w", err)
	}

	if p.filter != nil {
		p.filter.Record(ctx, ev, ticket.ID)
	}
	if created {
		p.metrics.ObserveInbound("created")
		p.metrics.ObserveTicketCreated()
	} else {
		p.metrics.ObserveInbound("appended")
	}
	p.logf("pipeline: event %s -> ticket %d via %s (created=%v)", ev.ProviderEventID, ticket.ID, res.Via, created)
	return &InboundResult{
		TicketID:      ticket.ID,
		TicketCreated: created,
		MessageID:     msg.ID,
		Via:           res.Via,
	}, nil
}

// refreshExisting reopens a closed ticket on new customer mail and bumps
// updated_at either way.
func (p *InboundPipeline) refreshExisting(ctx context.Context, ticketID int64) (*models.Ticket, error) {
	ticket, err := p.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load ticket %d: %w", ticketID, err)
	}
	if ticket == nil {
		return nil, fmt.Errorf("pipeline: resolved ticket %d vanished", ticketID)
	}
	if ticket.Status == models.TicketStatusClosed {
		if err := p.tickets.UpdateStatus(ctx, ticket.ID, models.TicketStatusOpen); err != nil {
			return nil, fmt.Errorf("pipeline: reopen ticket %d: %w", ticket.ID, err)
		}
		ticket.Status = models.TicketStatusOpen
		ticket.ResolvedAt = nil
		p.logf("pipeline: reopened ticket %d", ticket.ID)
	} else if err := p.tickets.Touch(ctx, ticket.ID); err != nil {
		p.logf("pipeline: touch ticket %d failed: %v", ticket.ID, err)
	}
	return ticket, nil
}

func (p *InboundPipeline) createTicket(ctx context.Context, ev *models.EmailEvent, deskID int64) (*models.Ticket, error) {
	subject := strings.TrimSpace(ev.Subject)
	if subject == "" {
		subject = "(no subject)"
	}
	name := strings.TrimSpace(ev.SenderName)
	if name == "" {
		name = normalizer.DisplayNameFromAddress(ev.Sender)
	}
	ticket := &models.Ticket{
		Subject:       subject,
		Status:        models.TicketStatusOpen,
		CustomerEmail: strings.ToLower(strings.TrimSpace(ev.Sender)),
		CustomerName:  name,
		CCRecipients:  append([]string(nil), ev.CC...),
	}
	if deskID > 0 {
		ticket.DeskID = &deskID
	}
	if err := p.tickets.Create(ctx, ticket); err != nil {
		return nil, fmt.Errorf("pipeline: create ticket: %w", err)
	}
	p.assignAgent(ctx, ticket, deskID)
	return ticket, nil
}

// assignAgent rotates new tickets across the desk's agents. Assignment
// failures leave the ticket unassigned rather than failing intake.
func (p *InboundPipeline) assignAgent(ctx context.Context, ticket *models.Ticket, deskID int64) {
	if deskID == 0 || p.desks == nil || p.assigner == nil {
		return
	}
	desk, err := p.desks.GetByID(ctx, deskID)
	if err != nil || desk == nil {
		p.logf("pipeline: desk %d lookup for assignment failed: %v", deskID, err)
		return
	}
	agentID := p.assigner.Next(deskID, desk.AgentIDs)
	if agentID == 0 {
		return
	}
	if err := p.tickets.AssignUser(ctx, ticket.ID, agentID); err != nil {
		p.logf("pipeline: assign ticket %d to agent %d failed: %v", ticket.ID, agentID, err)
		return
	}
	ticket.AssignedUserID = &agentID
}

func (p *InboundPipeline) buildMessage(ev *models.EmailEvent, ticketID int64) *models.Message {
	return &models.Message{
		TicketID:    ticketID,
		Direction:   models.DirectionCustomer,
		SenderEmail: strings.ToLower(strings.TrimSpace(ev.Sender)),
		SenderName:  strings.TrimSpace(ev.SenderName),
		TextBody:    ev.TextBody,
		HTMLBody:    ev.HTMLBody,
		MessageID:   normalizer.NormalizeMessageID(ev.MessageID),
		InReplyTo:   normalizer.NormalizeMessageID(ev.InReplyTo),
		References:  normalizer.UniqueMessageIDs(ev.References...),
		CC:          append([]string(nil), ev.CC...),
		Attachments: append([]models.Attachment(nil), ev.Attachments...),
		CreatedAt:   ev.ReceivedAt,
	}
}

func (p *InboundPipeline) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/channelplay/helpdesk/internal/email/composer"
	"github.com/channelplay/helpdesk/internal/email/dispatcher"
	"github.com/channelplay/helpdesk/internal/models"
)

type replyComposer interface {
	ComposeReply(in composer.ReplyInput) (*composer.Composed, error)
}

type delivery interface {
	Dispatch(ctx context.Context, ch dispatcher.Channel, msg *dispatcher.Outbound) (dispatcher.Level, error)
}

type messageWriter interface {
	messageStore
	UpdateDeliveryStatus(ctx context.Context, messageID, status string) error
}

// ChannelFactory builds the delivery channel for a desk.
type ChannelFactory func(desk *models.Desk) (dispatcher.Channel, error)

// ReplyService composes, delivers and records agent replies.
type ReplyService struct {
	tickets    ticketStore
	messages   messageWriter
	desks      deskStore
	composer   replyComposer
	dispatcher delivery
	channelFor ChannelFactory
	metrics    *Metrics
	logger     *log.Logger
}

// ReplyOption customizes the service.
type ReplyOption func(*ReplyService)

// NewReplyService wires the outbound path together. channelFor defaults to
// the per-desk channel selection.
func NewReplyService(tickets ticketStore, messages messageWriter, desks deskStore, comp replyComposer, disp delivery, opts ...ReplyOption) *ReplyService {
	s := &ReplyService{
		tickets:    tickets,
		messages:   messages,
		desks:      desks,
		composer:   comp,
		dispatcher: disp,
		channelFor: dispatcher.ChannelFor,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// WithReplyLogger overrides the logger used for diagnostics.
func WithReplyLogger(logger *log.Logger) ReplyOption {
	return func(s *ReplyService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReplyMetrics wires delivery counters.
func WithReplyMetrics(m *Metrics) ReplyOption {
	return func(s *ReplyService) {
		s.metrics = m
	}
}

// WithChannelFactory overrides channel construction, primarily for tests.
func WithChannelFactory(fn ChannelFactory) ReplyOption {
	return func(s *ReplyService) {
		if fn != nil {
			s.channelFor = fn
		}
	}
}

// ReplyRequest is one agent reply to send.
type ReplyRequest struct {
	TicketID int64
	AgentID  int64
	Body     string
}

// SendReply composes the reply, walks it down the delivery ladder, and
// records the agent message with its delivery outcome. The stored message
// carries exactly the threading headers that went out on the wire.
func (s *ReplyService) SendReply(ctx context.Context, req ReplyRequest) (*models.Message, error) {
	ticket, err := s.tickets.GetByID(ctx, req.TicketID)
	if err != nil {
		return nil, fmt.Errorf("reply: load ticket %d: %w", req.TicketID, err)
	}
	if ticket == nil {
		return nil, fmt.Errorf("reply: ticket %d not found", req.TicketID)
	}

	desk, err := s.deskFor(ctx, ticket)
	if err != nil {
		return nil, err
	}

	history, err := s.messages.ListByTicket(ctx, ticket.ID)
	if err != nil {
		return nil, fmt.Errorf("reply: load history for ticket %d: %w", ticket.ID, err)
	}

	composed, err := s.composer.ComposeReply(composer.ReplyInput{
		Ticket:  ticket,
		Desk:    desk,
		History: history,
		Body:    req.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("reply: compose: %w", err)
	}

	channel, err := s.channelFor(desk)
	if err != nil {
		return nil, fmt.Errorf("reply: channel for desk %q: %w", desk.Name, err)
	}

	outbound := &dispatcher.Outbound{
		From:     composed.From,
		FromName: composed.FromName,
		To:       composed.To,
		CC:       composed.CC,
		Subject:  composed.Subject,
		TextBody: composed.TextBody,
		HTMLBody: composed.HTMLBody,
		Headers:  composed.Headers,
		Tag:      fmt.Sprintf("ticket-%d", ticket.ID),
	}
	level, err := s.dispatcher.Dispatch(ctx, channel, outbound)
	if err != nil {
		s.logf("reply: ticket %d delivery failed: %v", ticket.ID, err)
		return nil, err
	}
	s.metrics.ObserveSend(string(level))

	msg := &models.Message{
		TicketID:       ticket.ID,
		Direction:      models.DirectionAgent,
		SenderEmail:    desk.Email,
		SenderName:     desk.Name,
		TextBody:       composed.TextBody,
		HTMLBody:       composed.HTMLBody,
		MessageID:      composed.MessageID,
		InReplyTo:      composed.InReplyTo,
		References:     append([]string(nil), composed.References...),
		CC:             append([]string(nil), composed.CC...),
		DeliveryStatus: "sent",
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		// The mail is already out; surface the persistence failure loudly
		// but do not pretend the send failed.
		s.logf("reply: ticket %d message persisted failed after send: %v", ticket.ID, err)
		return msg, fmt.Errorf("reply: record sent message: %w", err)
	}
	if err := s.tickets.Touch(ctx, ticket.ID); err != nil {
		s.logf("reply: touch ticket %d failed: %v", ticket.ID, err)
	}
	s.logf("reply: ticket %d delivered via %s at %s level", ticket.ID, channel.Name(), level)
	return msg, nil
}

// UpdateStatus moves a ticket between open, pending and closed, enforcing
// the allowed transitions.
func (s *ReplyService) UpdateStatus(ctx context.Context, ticketID int64, status models.TicketStatus) error {
	if !status.Valid() {
		return fmt.Errorf("reply: invalid status %q", status)
	}
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("reply: load ticket %d: %w", ticketID, err)
	}
	if ticket == nil {
		return fmt.Errorf("reply: ticket %d not found", ticketID)
	}
	if !ticket.Status.CanTransition(status) {
		return fmt.Errorf("reply: ticket %d cannot move from %s to %s", ticketID, ticket.Status, status)
	}
	return s.tickets.UpdateStatus(ctx, ticketID, status)
}

func (s *ReplyService) deskFor(ctx context.Context, ticket *models.Ticket) (*models.Desk, error) {
	if ticket.DeskID != nil {
		desk, err := s.desks.GetByID(ctx, *ticket.DeskID)
		if err != nil {
			return nil, fmt.Errorf("reply: load desk %d: %w", *ticket.DeskID, err)
		}
		if desk != nil {
			return desk, nil
		}
	}
	desk, err := s.desks.GetDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("reply: load default desk: %w", err)
	}
	if desk == nil {
		return nil, errors.New("reply: no desk available to send from")
	}
	return desk, nil
}

func (s *ReplyService) logf(format string, args ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

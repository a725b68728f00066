package resolver

import (
	"context"
	"log"
	"sort"
	"strings"

	"github.com/channelplay/helpdesk/internal/models"
)

type ticketDirectory interface {
	GetByID(ctx context.Context, id int64) (*models.Ticket, error)
	ListRecent(ctx context.Context, limit int) ([]*models.Ticket, error)
}

type deskDirectory interface {
	GetByEmail(ctx context.Context, email string) (*models.Desk, error)
	GetDefault(ctx context.Context) (*models.Desk, error)
}

type messageDirectory interface {
	FindTicketIDByMessageID(ctx context.Context, messageID string) (int64, error)
}

// Resolution is the outcome of matching an inbound event against existing
// tickets. When Existing is false the event should start a new ticket on
// DeskID (0 meaning no desk could be determined).
type Resolution struct {
	Existing bool
	TicketID int64
	DeskID   int64
	Via      string // subject_token, in_reply_to, references, exact_subject, fuzzy_subject, new_ticket
}

const (
	defaultRecentLimit = 200
	defaultMinFuzzyLen = 8
)

// Resolver maps a normalized EmailEvent to an existing ticket or decides a
// new one must be created. Strategies run in fixed priority order; the first
// match wins.
type Resolver struct {
	tickets     ticketDirectory
	desks       deskDirectory
	messages    messageDirectory
	logger      *log.Logger
	recentLimit int
	minFuzzyLen int
}

// Option customizes a Resolver.
type Option func(*Resolver)

// New builds a Resolver over the given ticket and desk directories.
func New(tickets ticketDirectory, desks deskDirectory, opts ...Option) *Resolver {
	r := &Resolver{
		tickets:     tickets,
		desks:       desks,
		logger:      log.Default(),
		recentLimit: defaultRecentLimit,
		minFuzzyLen: defaultMinFuzzyLen,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMessageDirectory wires a stored-message lookup so In-Reply-To and
// References values that are not generated ticket ids can still land on the
// ticket whose message carries them.
func WithMessageDirectory(messages messageDirectory) Option {
	return func(r *Resolver) {
		r.messages = messages
	}
}

// WithRecentLimit bounds how many tickets subject matching considers.
func WithRecentLimit(limit int) Option {
	return func(r *Resolver) {
		if limit > 0 {
			r.recentLimit = limit
		}
	}
}

// WithMinFuzzyLength sets the shortest cleaned subject eligible for fuzzy
// substring matching. Short generic subjects would otherwise merge unrelated
// threads.
func WithMinFuzzyLength(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.minFuzzyLen = n
		}
	}
}

// Resolve runs the matching chain. A resolution is always produced; thread
// ambiguity is settled by the priority order, never surfaced to the caller.
func (r *Resolver) Resolve(ctx context.Context, ev *models.EmailEvent) (Resolution, error) {
	if ev != nil {
		if id := TicketIDFromSubject(ev.Subject); id > 0 {
			if r.ticketExists(ctx, id) {
				return Resolution{Existing: true, TicketID: id, Via: "subject_token"}, nil
			}
			r.logf("resolver: subject references unknown ticket %d, falling through", id)
		}
		if id := r.ticketForMessageIDs(ctx, ev.InReplyTo); id > 0 {
			return Resolution{Existing: true, TicketID: id, Via: "in_reply_to"}, nil
		}
		if id := r.ticketForMessageIDs(ctx, ev.References...); id > 0 {
			return Resolution{Existing: true, TicketID: id, Via: "references"}, nil
		}
		if res, ok := r.matchBySubject(ctx, ev); ok {
			return res, nil
		}
	}
	return r.newTicketResolution(ctx, ev)
}

// ticketForMessageIDs maps header message-ids to a live ticket: first via the
// generated ticket-<id> grammar, then by looking the ids up among stored
// messages.
func (r *Resolver) ticketForMessageIDs(ctx context.Context, values ...string) int64 {
	if id := TicketIDFromMessageIDs(values...); id > 0 && r.ticketExists(ctx, id) {
		return id
	}
	if r.messages == nil {
		return 0
	}
	for _, v := range values {
		if v == "" {
			continue
		}
		id, err := r.messages.FindTicketIDByMessageID(ctx, v)
		if err != nil {
			r.logf("resolver: message-id lookup failed for %s: %v", v, err)
			continue
		}
		if id > 0 && r.ticketExists(ctx, id) {
			return id
		}
	}
	return 0
}

func (r *Resolver) ticketExists(ctx context.Context, id int64) bool {
	if r.tickets == nil {
		return false
	}
	ticket, err := r.tickets.GetByID(ctx, id)
	if err != nil {
		r.logf("resolver: ticket lookup failed for %d: %v", id, err)
		return false
	}
	return ticket != nil
}

func (r *Resolver) matchBySubject(ctx context.Context, ev *models.EmailEvent) (Resolution, bool) {
	if r.tickets == nil {
		return Resolution{}, false
	}
	cleaned := CleanSubject(ev.Subject)
	if cleaned == "" {
		return Resolution{}, false
	}
	recent, err := r.tickets.ListRecent(ctx, r.recentLimit)
	if err != nil {
		r.logf("resolver: recent ticket listing failed: %v", err)
		return Resolution{}, false
	}
	// Most recently updated first, so the first hit wins ties.
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].UpdatedAt.After(recent[j].UpdatedAt)
	})

	target := strings.ToLower(cleaned)
	for _, t := range recent {
		if strings.ToLower(CleanSubject(t.Subject)) == target {
			return Resolution{Existing: true, TicketID: t.ID, Via: "exact_subject"}, true
		}
	}
	if len(target) < r.minFuzzyLen {
		return Resolution{}, false
	}
	for _, t := range recent {
		candidate := strings.ToLower(CleanSubject(t.Subject))
		if candidate == "" || len(candidate) < r.minFuzzyLen {
			continue
		}
		if strings.Contains(candidate, target) || strings.Contains(target, candidate) {
			return Resolution{Existing: true, TicketID: t.ID, Via: "fuzzy_subject"}, true
		}
	}
	return Resolution{}, false
}

func (r *Resolver) newTicketResolution(ctx context.Context, ev *models.EmailEvent) (Resolution, error) {
	res := Resolution{Via: "new_ticket"}
	if r.desks == nil || ev == nil {
		return res, nil
	}
	recipient := strings.ToLower(strings.TrimSpace(ev.Recipient))
	if recipient != "" {
		desk, err := r.desks.GetByEmail(ctx, recipient)
		if err != nil {
			r.logf("resolver: desk lookup failed for %s: %v", recipient, err)
		} else if desk != nil {
			res.DeskID = desk.ID
			return res, nil
		}
	}
	desk, err := r.desks.GetDefault(ctx)
	if err != nil {
		r.logf("resolver: default desk lookup failed: %v", err)
		return res, nil
	}
	if desk != nil {
		res.DeskID = desk.ID
	}
	return res, nil
}

func (r *Resolver) logf(format string, args ...any) {
	if r == nil || r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

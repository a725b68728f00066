package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/channelplay/helpdesk/internal/models"
)

// MemoryTicketRepository implements ticket storage in memory.
// This is for development/testing. Production should use PostgreSQL.
type MemoryTicketRepository struct {
	mu      sync.RWMutex
	tickets map[int64]*models.Ticket
	nextID  int64
}

// NewMemoryTicketRepository creates a new in-memory ticket repository.
func NewMemoryTicketRepository() *MemoryTicketRepository {
	return &MemoryTicketRepository{
		tickets: make(map[int64]*models.Ticket),
		nextID:  1001, // start above seed data ids
	}
}

// Create saves a new ticket to memory.
func (r *MemoryTicketRepository) Create(ctx context.Context, t *models.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.Status == "" {
		t.Status = models.TicketStatusOpen
	}
	t.ID = r.nextID
	r.nextID++
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	clone := *t
	r.tickets[t.ID] = &clone
	return nil
}

// GetByID retrieves a ticket by its id, nil when absent.
func (r *MemoryTicketRepository) GetByID(ctx context.Context, id int64) (*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickets[id]
	if !ok {
		return nil, nil //nolint:nilnil
	}
	clone := *t
	return &clone, nil
}

// ListRecent returns tickets ordered by updated_at descending.
func (r *MemoryTicketRepository) ListRecent(ctx context.Context, limit int) ([]*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		clone := *t
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateStatus moves a ticket to a new status.
func (r *MemoryTicketRepository) UpdateStatus(ctx context.Context, id int64, status models.TicketStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return fmt.Errorf("repository: ticket %d not found", id)
	}
	t.Status = status
	now := time.Now().UTC()
	t.UpdatedAt = now
	if status == models.TicketStatusClosed {
		t.ResolvedAt = &now
	} else {
		t.ResolvedAt = nil
	}
	return nil
}

// Touch refreshes a ticket's updated_at.
func (r *MemoryTicketRepository) Touch(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return fmt.Errorf("repository: ticket %d not found", id)
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// AssignUser sets a ticket's assigned agent.
func (r *MemoryTicketRepository) AssignUser(ctx context.Context, id, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return fmt.Errorf("repository: ticket %d not found", id)
	}
	uid := userID
	t.AssignedUserID = &uid
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// MemoryMessageRepository implements message storage in memory.
type MemoryMessageRepository struct {
	mu       sync.RWMutex
	messages map[int64]*models.Message
	nextID   int64
}

// NewMemoryMessageRepository creates a new in-memory message repository.
func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		messages: make(map[int64]*models.Message),
		nextID:   1,
	}
}

// Create saves a new message to memory.
func (r *MemoryMessageRepository) Create(ctx context.Context, m *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.ID = r.nextID
	r.nextID++
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	clone := *m
	r.messages[m.ID] = &clone
	return nil
}

// ListByTicket returns a ticket's messages in chronological order.
func (r *MemoryMessageRepository) ListByTicket(ctx context.Context, ticketID int64) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Message
	for _, m := range r.messages {
		if m.TicketID == ticketID {
			clone := *m
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// FindTicketIDByMessageID maps a Message-ID back to its ticket, 0 when unknown.
func (r *MemoryMessageRepository) FindTicketIDByMessageID(ctx context.Context, messageID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.messages {
		if m.MessageID == messageID {
			return m.TicketID, nil
		}
	}
	return 0, nil
}

// UpdateDeliveryStatus records a delivery event against a Message-ID.
func (r *MemoryMessageRepository) UpdateDeliveryStatus(ctx context.Context, messageID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.MessageID == messageID {
			m.DeliveryStatus = status
		}
	}
	return nil
}

// SetSatisfactionRating stores a customer rating on a message.
func (r *MemoryMessageRepository) SetSatisfactionRating(ctx context.Context, id int64, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("repository: rating %d out of range", rating)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return fmt.Errorf("repository: message %d not found", id)
	}
	m.SatisfactionRating = &rating
	return nil
}

// MemoryDeskRepository implements desk storage in memory.
type MemoryDeskRepository struct {
	mu    sync.RWMutex
	desks map[int64]*models.Desk
}

// NewMemoryDeskRepository creates a new in-memory desk repository.
func NewMemoryDeskRepository(desks ...*models.Desk) *MemoryDeskRepository {
	r := &MemoryDeskRepository{desks: make(map[int64]*models.Desk)}
	for _, d := range desks {
		clone := *d
		r.desks[d.ID] = &clone
	}
	return r
}

// Add registers a desk.
func (r *MemoryDeskRepository) Add(desk *models.Desk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *desk
	r.desks[desk.ID] = &clone
}

// GetByID retrieves a desk by id, nil when absent.
func (r *MemoryDeskRepository) GetByID(ctx context.Context, id int64) (*models.Desk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.desks[id]
	if !ok {
		return nil, nil //nolint:nilnil
	}
	clone := *d
	return &clone, nil
}

// GetByEmail retrieves a desk by its mailbox address, case-insensitive.
func (r *MemoryDeskRepository) GetByEmail(ctx context.Context, email string) (*models.Desk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.desks {
		if strings.EqualFold(d.Email, strings.TrimSpace(email)) {
			clone := *d
			return &clone, nil
		}
	}
	return nil, nil //nolint:nilnil
}

// GetDefault returns the catch-all desk, nil when none is marked.
func (r *MemoryDeskRepository) GetDefault(ctx context.Context) (*models.Desk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *models.Desk
	for _, d := range r.desks {
		if d.IsDefault && (found == nil || d.ID < found.ID) {
			found = d
		}
	}
	if found == nil {
		return nil, nil //nolint:nilnil
	}
	clone := *found
	return &clone, nil
}

// List returns every desk ordered by id.
func (r *MemoryDeskRepository) List(ctx context.Context) ([]*models.Desk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Desk, 0, len(r.desks))
	for _, d := range r.desks {
		clone := *d
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListPollable returns desks with complete mailbox credentials.
func (r *MemoryDeskRepository) ListPollable(ctx context.Context) ([]*models.Desk, error) {
	desks, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := desks[:0]
	for _, d := range desks {
		if d.IMAP.Configured() {
			out = append(out, d)
		}
	}
	return out, nil
}

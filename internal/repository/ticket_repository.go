package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/channelplay/helpdesk/internal/models"
)

// TicketRepository handles database operations for tickets.
type TicketRepository struct {
	db *sqlx.DB
}

// NewTicketRepository creates a new ticket repository.
func NewTicketRepository(db *sqlx.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

type ticketRow struct {
	ID             int64          `db:"id"`
	Subject        string         `db:"subject"`
	Status         string         `db:"status"`
	CustomerEmail  string         `db:"customer_email"`
	CustomerName   string         `db:"customer_name"`
	DeskID         sql.NullInt64  `db:"desk_id"`
	AssignedUserID sql.NullInt64  `db:"assigned_user_id"`
	CCRecipients   pq.StringArray `db:"cc_recipients"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	ResolvedAt     sql.NullTime   `db:"resolved_at"`
}

func (r ticketRow) toModel() *models.Ticket {
	t := &models.Ticket{
		ID:            r.ID,
		Subject:       r.Subject,
		Status:        models.TicketStatus(r.Status),
		CustomerEmail: r.CustomerEmail,
		CustomerName:  r.CustomerName,
		CCRecipients:  append([]string(nil), r.CCRecipients...),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.DeskID.Valid {
		id := r.DeskID.Int64
		t.DeskID = &id
	}
	if r.AssignedUserID.Valid {
		id := r.AssignedUserID.Int64
		t.AssignedUserID = &id
	}
	if r.ResolvedAt.Valid {
		resolved := r.ResolvedAt.Time
		t.ResolvedAt = &resolved
	}
	return t
}

const ticketColumns = `id, subject, status, customer_email, customer_name, desk_id, assigned_user_id, cc_recipients, created_at, updated_at, resolved_at`

// Create inserts a new ticket and fills in its id and timestamps.
func (r *TicketRepository) Create(ctx context.Context, t *models.Ticket) error {
	if t == nil {
		return errors.New("repository: ticket required")
	}
	if t.Status == "" {
		t.Status = models.TicketStatusOpen
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO tickets (subject, status, customer_email, customer_name, desk_id, assigned_user_id, cc_recipients, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		t.Subject, string(t.Status), t.CustomerEmail, t.CustomerName,
		nullableID(t.DeskID), nullableID(t.AssignedUserID),
		pq.Array(t.CCRecipients), t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("repository: create ticket: %w", err)
	}
	return nil
}

// GetByID returns the ticket, or nil when it does not exist.
func (r *TicketRepository) GetByID(ctx context.Context, id int64) (*models.Ticket, error) {
	var row ticketRow
	err := r.db.GetContext(ctx, &row, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get ticket %d: %w", id, err)
	}
	return row.toModel(), nil
}

// ListRecent returns the most recently updated tickets, newest first.
func (r *TicketRepository) ListRecent(ctx context.Context, limit int) ([]*models.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ticketRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+ticketColumns+` FROM tickets ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: list recent tickets: %w", err)
	}
	out := make([]*models.Ticket, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// UpdateStatus moves the ticket to a new status. Closing stamps resolved_at,
// reopening clears it.
func (r *TicketRepository) UpdateStatus(ctx context.Context, id int64, status models.TicketStatus) error {
	now := time.Now().UTC()
	var resolvedAt any
	if status == models.TicketStatusClosed {
		resolvedAt = now
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE tickets SET status = $1, resolved_at = $2, updated_at = $3 WHERE id = $4`,
		string(status), resolvedAt, now, id)
	if err != nil {
		return fmt.Errorf("repository: update ticket %d status: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("repository: ticket %d not found", id)
	}
	return nil
}

// Touch refreshes updated_at, used when new mail lands on a ticket.
func (r *TicketRepository) Touch(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tickets SET updated_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("repository: touch ticket %d: %w", id, err)
	}
	return nil
}

// AssignUser sets the ticket's assigned agent.
func (r *TicketRepository) AssignUser(ctx context.Context, id, userID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tickets SET assigned_user_id = $1, updated_at = $2 WHERE id = $3`,
		userID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("repository: assign ticket %d: %w", id, err)
	}
	return nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

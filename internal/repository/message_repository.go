package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/channelplay/helpdesk/internal/models"
)

// MessageRepository handles database operations for ticket messages.
type MessageRepository struct {
	db *sqlx.DB
}

// NewMessageRepository creates a new message repository.
func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

type messageRow struct {
	ID                 int64          `db:"id"`
	TicketID           int64          `db:"ticket_id"`
	Direction          string         `db:"direction"`
	SenderEmail        string         `db:"sender_email"`
	SenderName         string         `db:"sender_name"`
	TextBody           string         `db:"text_body"`
	HTMLBody           string         `db:"html_body"`
	MessageID          string         `db:"message_id"`
	InReplyTo          sql.NullString `db:"in_reply_to"`
	References         pq.StringArray `db:"reference_ids"`
	CC                 pq.StringArray `db:"cc_recipients"`
	Attachments        []byte         `db:"attachments"`
	DeliveryStatus     sql.NullString `db:"delivery_status"`
	SatisfactionRating sql.NullInt64  `db:"satisfaction_rating"`
	CreatedAt          time.Time      `db:"created_at"`
}

func (r messageRow) toModel() (*models.Message, error) {
	m := &models.Message{
		ID:          r.ID,
		TicketID:    r.TicketID,
		Direction:   models.MessageDirection(r.Direction),
		SenderEmail: r.SenderEmail,
		SenderName:  r.SenderName,
		TextBody:    r.TextBody,
		HTMLBody:    r.HTMLBody,
		MessageID:   r.MessageID,
		InReplyTo:   r.InReplyTo.String,
		References:  append([]string(nil), r.References...),
		CC:          append([]string(nil), r.CC...),
		CreatedAt:   r.CreatedAt,
	}
	if r.DeliveryStatus.Valid {
		m.DeliveryStatus = r.DeliveryStatus.String
	}
	if r.SatisfactionRating.Valid {
		rating := int(r.SatisfactionRating.Int64)
		m.SatisfactionRating = &rating
	}
	if len(r.Attachments) > 0 {
		if err := json.Unmarshal(r.Attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("repository: decode attachments for message %d: %w", r.ID, err)
		}
	}
	return m, nil
}

const messageColumns = `id, ticket_id, direction, sender_email, sender_name, text_body, html_body, message_id, in_reply_to, reference_ids, cc_recipients, attachments, delivery_status, satisfaction_rating, created_at`

// Create inserts a message and fills in its id and created_at.
func (r *MessageRepository) Create(ctx context.Context, m *models.Message) error {
	if m == nil {
		return errors.New("repository: message required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("repository: encode attachments: %w", err)
	}
	err = r.db.QueryRowxContext(ctx, `
		INSERT INTO messages (ticket_id, direction, sender_email, sender_name, text_body, html_body, message_id, in_reply_to, reference_ids, cc_recipients, attachments, delivery_status, satisfaction_rating, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		m.TicketID, string(m.Direction), m.SenderEmail, m.SenderName,
		m.TextBody, m.HTMLBody, m.MessageID, nullableString(m.InReplyTo),
		pq.Array(m.References), pq.Array(m.CC), attachments,
		nullableString(m.DeliveryStatus), nullableRating(m.SatisfactionRating), m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("repository: create message: %w", err)
	}
	return nil
}

// ListByTicket returns a ticket's messages in chronological order.
func (r *MessageRepository) ListByTicket(ctx context.Context, ticketID int64) ([]*models.Message, error) {
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+messageColumns+` FROM messages WHERE ticket_id = $1 ORDER BY created_at ASC, id ASC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("repository: list messages for ticket %d: %w", ticketID, err)
	}
	out := make([]*models.Message, 0, len(rows))
	for _, row := range rows {
		m, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// FindTicketIDByMessageID maps an RFC 5322 Message-ID back to its ticket.
// Returns 0 when no message carries that id.
func (r *MessageRepository) FindTicketIDByMessageID(ctx context.Context, messageID string) (int64, error) {
	var ticketID int64
	err := r.db.GetContext(ctx, &ticketID,
		`SELECT ticket_id FROM messages WHERE message_id = $1 LIMIT 1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("repository: find ticket by message-id: %w", err)
	}
	return ticketID, nil
}

// UpdateDeliveryStatus records a provider delivery event against the
// message that carries the given Message-ID.
func (r *MessageRepository) UpdateDeliveryStatus(ctx context.Context, messageID, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status = $1 WHERE message_id = $2`, status, messageID)
	if err != nil {
		return fmt.Errorf("repository: update delivery status: %w", err)
	}
	return nil
}

// SetSatisfactionRating stores a customer rating on a message.
func (r *MessageRepository) SetSatisfactionRating(ctx context.Context, id int64, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("repository: rating %d out of range", rating)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET satisfaction_rating = $1 WHERE id = $2`, rating, id)
	if err != nil {
		return fmt.Errorf("repository: set satisfaction rating: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableRating(r *int) any {
	if r == nil {
		return nil
	}
	return *r
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/channelplay/helpdesk/internal/models"
)

// DeskRepository handles database operations for support desks.
type DeskRepository struct {
	db *sqlx.DB
}

// NewDeskRepository creates a new desk repository.
func NewDeskRepository(db *sqlx.DB) *DeskRepository {
	return &DeskRepository{db: db}
}

type deskRow struct {
	ID        int64          `db:"id"`
	Name      string         `db:"name"`
	Email     string         `db:"email"`
	Channel   string         `db:"channel"`
	IsDefault bool           `db:"is_default"`
	AgentIDs  pq.Int64Array  `db:"agent_ids"`
	SMTPHost  sql.NullString `db:"smtp_host"`
	SMTPPort  sql.NullInt64  `db:"smtp_port"`
	SMTPUser  sql.NullString `db:"smtp_username"`
	SMTPPass  sql.NullString `db:"smtp_password"`
	SMTPTLS   sql.NullBool   `db:"smtp_use_tls"`
	BoxType   sql.NullString `db:"mailbox_type"`
	BoxHost   sql.NullString `db:"mailbox_host"`
	BoxPort   sql.NullInt64  `db:"mailbox_port"`
	BoxUser   sql.NullString `db:"mailbox_username"`
	BoxPass   sql.NullString `db:"mailbox_password"`
	BoxFolder sql.NullString `db:"mailbox_folder"`
	MgDomain  sql.NullString `db:"mailgun_domain"`
	MgAPIKey  sql.NullString `db:"mailgun_api_key"`
	SgAPIKey  sql.NullString `db:"sendgrid_api_key"`
}

func (r deskRow) toModel() *models.Desk {
	return &models.Desk{
		ID:        r.ID,
		Name:      r.Name,
		Email:     strings.ToLower(r.Email),
		Channel:   models.DeliveryChannel(r.Channel),
		IsDefault: r.IsDefault,
		AgentIDs:  append([]int64(nil), r.AgentIDs...),
		SMTP: models.SMTPSettings{
			Host:     r.SMTPHost.String,
			Port:     int(r.SMTPPort.Int64),
			Username: r.SMTPUser.String,
			Password: r.SMTPPass.String,
			UseTLS:   r.SMTPTLS.Bool,
		},
		IMAP: models.MailboxSettings{
			Type:     r.BoxType.String,
			Host:     r.BoxHost.String,
			Port:     int(r.BoxPort.Int64),
			Username: r.BoxUser.String,
			Password: r.BoxPass.String,
			Folder:   r.BoxFolder.String,
		},
		Mailgun: models.MailgunSettings{
			Domain: r.MgDomain.String,
			APIKey: r.MgAPIKey.String,
		},
		SendGrid: models.SendGridSettings{
			APIKey: r.SgAPIKey.String,
		},
	}
}

const deskColumns = `id, name, email, channel, is_default, agent_ids, smtp_host, smtp_port, smtp_username, smtp_password, smtp_use_tls, mailbox_type, mailbox_host, mailbox_port, mailbox_username, mailbox_password, mailbox_folder, mailgun_domain, mailgun_api_key, sendgrid_api_key`

// GetByID returns the desk, or nil when it does not exist.
func (r *DeskRepository) GetByID(ctx context.Context, id int64) (*models.Desk, error) {
	var row deskRow
	err := r.db.GetContext(ctx, &row, `SELECT `+deskColumns+` FROM desks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get desk %d: %w", id, err)
	}
	return row.toModel(), nil
}

// GetByEmail returns the desk whose mailbox address matches, or nil.
// Matching is case-insensitive.
func (r *DeskRepository) GetByEmail(ctx context.Context, email string) (*models.Desk, error) {
	var row deskRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+deskColumns+` FROM desks WHERE lower(email) = lower($1)`, strings.TrimSpace(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get desk by email: %w", err)
	}
	return row.toModel(), nil
}

// GetDefault returns the catch-all desk, or nil when none is marked.
func (r *DeskRepository) GetDefault(ctx context.Context) (*models.Desk, error) {
	var row deskRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+deskColumns+` FROM desks WHERE is_default ORDER BY id LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get default desk: %w", err)
	}
	return row.toModel(), nil
}

// List returns every desk.
func (r *DeskRepository) List(ctx context.Context) ([]*models.Desk, error) {
	var rows []deskRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+deskColumns+` FROM desks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("repository: list desks: %w", err)
	}
	out := make([]*models.Desk, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// ListPollable returns desks whose mailbox credentials are complete enough
// to poll.
func (r *DeskRepository) ListPollable(ctx context.Context) ([]*models.Desk, error) {
	desks, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := desks[:0]
	for _, desk := range desks {
		if desk.IMAP.Configured() {
			out = append(out, desk)
		}
	}
	return out, nil
}

package tasks

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/channelplay/helpdesk/internal/email/inbound/connector"
	"github.com/channelplay/helpdesk/internal/email/normalizer"
	"github.com/channelplay/helpdesk/internal/models"
	"github.com/channelplay/helpdesk/internal/runner"
	"github.com/channelplay/helpdesk/internal/service"
)

type deskLister interface {
	ListPollable(ctx context.Context) ([]*models.Desk, error)
}

type inboundProcessor interface {
	Process(ctx context.Context, ev *models.EmailEvent) (*service.InboundResult, error)
}

// MailPollTask drains each desk's mailbox on a schedule. Cycles never
// overlap: a tick that arrives while the previous fetch is still running is
// skipped, so the same mailbox state is never processed twice.
type MailPollTask struct {
	desks      deskLister
	factory    connector.Factory
	normalizer *normalizer.Normalizer
	pipeline   inboundProcessor
	schedule   string
	logger     *log.Logger
	running    sync.Mutex
}

// MailPollOption customizes the task.
type MailPollOption func(*MailPollTask)

// NewMailPollTask creates the polling task.
func NewMailPollTask(desks deskLister, pipeline inboundProcessor, opts ...MailPollOption) runner.Task {
	t := &MailPollTask{
		desks:      desks,
		factory:    connector.DefaultFactory(),
		normalizer: normalizer.New(),
		pipeline:   pipeline,
		schedule:   "0 */2 * * * *",
		logger:     log.New(log.Writer(), "[MAIL-POLL] ", log.LstdFlags),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// WithSchedule overrides the cron expression.
func WithSchedule(expr string) MailPollOption {
	return func(t *MailPollTask) {
		if expr != "" {
			t.schedule = expr
		}
	}
}

// WithConnectorFactory overrides connector construction, primarily for tests.
func WithConnectorFactory(f connector.Factory) MailPollOption {
	return func(t *MailPollTask) {
		if f != nil {
			t.factory = f
		}
	}
}

// WithNormalizer overrides the message normalizer.
func WithNormalizer(n *normalizer.Normalizer) MailPollOption {
	return func(t *MailPollTask) {
		if n != nil {
			t.normalizer = n
		}
	}
}

// WithMailPollLogger overrides the logger.
func WithMailPollLogger(logger *log.Logger) MailPollOption {
	return func(t *MailPollTask) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Name returns the task name.
func (t *MailPollTask) Name() string {
	return "mail-poll"
}

// Schedule returns the cron schedule expression.
func (t *MailPollTask) Schedule() string {
	return t.schedule
}

// Timeout returns the task timeout.
func (t *MailPollTask) Timeout() time.Duration {
	return 5 * time.Minute
}

// Run polls every pollable desk once.
func (t *MailPollTask) Run(ctx context.Context) error {
	if !t.running.TryLock() {
		t.logger.Println("previous poll cycle still running, skipping")
		return nil
	}
	defer t.running.Unlock()

	desks, err := t.desks.ListPollable(ctx)
	if err != nil {
		return fmt.Errorf("list pollable desks: %w", err)
	}
	var firstErr error
	for _, desk := range desks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := t.pollDesk(ctx, desk); err != nil {
			t.logger.Printf("desk %s poll failed: %v", desk.Email, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (t *MailPollTask) pollDesk(ctx context.Context, desk *models.Desk) error {
	account := connector.Account{
		DeskID:   desk.ID,
		Type:     desk.IMAP.Type,
		Host:     desk.IMAP.Host,
		Port:     desk.IMAP.Port,
		Username: desk.IMAP.Username,
		Password: []byte(desk.IMAP.Password),
		Folder:   desk.IMAP.Folder,
	}
	fetcher, err := t.factory.FetcherFor(account)
	if err != nil {
		return fmt.Errorf("connector for %s: %w", desk.Email, err)
	}
	handler := &pipelineHandler{
		normalizer: t.normalizer,
		pipeline:   t.pipeline,
		recipient:  desk.Email,
		logger:     t.logger,
	}
	return fetcher.Fetch(ctx, account, handler)
}

// pipelineHandler adapts fetched raw messages onto the inbound pipeline.
type pipelineHandler struct {
	normalizer *normalizer.Normalizer
	pipeline   inboundProcessor
	recipient  string
	logger     *log.Logger
}

func (h *pipelineHandler) Handle(ctx context.Context, msg *connector.FetchedMessage) error {
	ev, err := h.normalizer.FromRaw(msg.Raw, h.recipient, msg.ReceivedAt)
	if err != nil {
		return fmt.Errorf("normalize %s message %s: %w", msg.Connector, msg.UID, err)
	}
	if ev.ProviderEventID == "" {
		ev.ProviderEventID = fmt.Sprintf("%s-%d-%s", msg.Connector, msg.DeskID, msg.UID)
	}
	result, err := h.pipeline.Process(ctx, ev)
	if err != nil {
		return err
	}
	if result.Duplicate {
		h.logger.Printf("message %s suppressed as duplicate (%s)", msg.UID, result.Signal)
	}
	return nil
}

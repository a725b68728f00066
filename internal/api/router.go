package api

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/channelplay/helpdesk/internal/email/normalizer"
	"github.com/channelplay/helpdesk/internal/models"
	"github.com/channelplay/helpdesk/internal/service"
)

type inboundProcessor interface {
	Process(ctx context.Context, ev *models.EmailEvent) (*service.InboundResult, error)
}

type replySender interface {
	SendReply(ctx context.Context, req service.ReplyRequest) (*models.Message, error)
	UpdateStatus(ctx context.Context, ticketID int64, status models.TicketStatus) error
}

type ticketReader interface {
	GetByID(ctx context.Context, id int64) (*models.Ticket, error)
	ListRecent(ctx context.Context, limit int) ([]*models.Ticket, error)
}

type messageReader interface {
	ListByTicket(ctx context.Context, ticketID int64) ([]*models.Message, error)
	UpdateDeliveryStatus(ctx context.Context, messageID, status string) error
}

// MailChecker triggers an immediate mailbox poll.
type MailChecker func(ctx context.Context) error

// Router wires the HTTP surface.
type Router struct {
	engine     *gin.Engine
	pipeline   inboundProcessor
	replies    replySender
	tickets    ticketReader
	messages   messageReader
	normalizer *normalizer.Normalizer
	checkMail  MailChecker
	logger     *log.Logger

	// processTimeout bounds async processing detached from the request.
	processTimeout time.Duration
}

// RouterOption customizes the router.
type RouterOption func(*Router)

// NewRouter builds the HTTP router over the given services.
func NewRouter(pipeline inboundProcessor, replies replySender, tickets ticketReader, messages messageReader, opts ...RouterOption) *Router {
	r := &Router{
		engine:         gin.New(),
		pipeline:       pipeline,
		replies:        replies,
		tickets:        tickets,
		messages:       messages,
		normalizer:     normalizer.New(),
		logger:         log.Default(),
		processTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.engine.Use(gin.Recovery())
	r.setupRoutes()
	return r
}

// WithRouterLogger overrides the logger used for diagnostics.
func WithRouterLogger(logger *log.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithNormalizer overrides the inbound payload normalizer.
func WithNormalizer(n *normalizer.Normalizer) RouterOption {
	return func(r *Router) {
		if n != nil {
			r.normalizer = n
		}
	}
}

// WithMailChecker wires the explicit check-now trigger.
func WithMailChecker(fn MailChecker) RouterOption {
	return func(r *Router) {
		r.checkMail = fn
	}
}

func (r *Router) setupRoutes() {
	r.engine.GET("/healthz", r.health)
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.engine.Group("/api")
	{
		api.POST("/inbound-email", r.handleInboundEmail)
		api.POST("/webhook/mailgun", r.handleEventWebhook)
		api.POST("/mail/check-now", r.handleCheckNow)

		tickets := api.Group("/tickets")
		{
			tickets.GET("", r.listTickets)
			tickets.GET("/:id", r.getTicket)
			tickets.POST("/:id/reply", r.sendReply)
			tickets.PATCH("/:id/status", r.updateStatus)
		}
	}
}

// Engine exposes the underlying gin engine for serving and tests.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

func (r *Router) handleCheckNow(c *gin.Context) {
	if r.checkMail == nil {
		c.JSON(503, gin.H{"error": "mail polling not configured"})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.processTimeout)
		defer cancel()
		if err := r.checkMail(ctx); err != nil {
			r.logf("api: manual mail check failed: %v", err)
		}
	}()
	c.JSON(202, gin.H{"status": "checking"})
}

func (r *Router) logf(format string, args ...any) {
	if r == nil || r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

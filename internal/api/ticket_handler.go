package api

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/channelplay/helpdesk/internal/models"
	"github.com/channelplay/helpdesk/internal/service"
)

func (r *Router) listTickets(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	tickets, err := r.tickets.ListRecent(c.Request.Context(), limit)
	if err != nil {
		r.logf("api: list tickets failed: %v", err)
		c.JSON(500, gin.H{"error": "could not list tickets"})
		return
	}
	c.JSON(200, gin.H{"tickets": tickets})
}

func (r *Router) getTicket(c *gin.Context) {
	id, ok := ticketIDParam(c)
	if !ok {
		return
	}
	ticket, err := r.tickets.GetByID(c.Request.Context(), id)
	if err != nil {
		r.logf("api: get ticket %d failed: %v", id, err)
		c.JSON(500, gin.H{"error": "could not load ticket"})
		return
	}
	if ticket == nil {
		c.JSON(404, gin.H{"error": "ticket not found"})
		return
	}
	messages, err := r.messages.ListByTicket(c.Request.Context(), id)
	if err != nil {
		r.logf("api: load messages for ticket %d failed: %v", id, err)
		c.JSON(500, gin.H{"error": "could not load messages"})
		return
	}
	c.JSON(200, gin.H{"ticket": ticket, "messages": messages})
}

type replyRequest struct {
	Body    string `json:"body" binding:"required"`
	AgentID int64  `json:"agent_id"`
}

func (r *Router) sendReply(c *gin.Context) {
	id, ok := ticketIDParam(c)
	if !ok {
		return
	}
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "body is required"})
		return
	}
	msg, err := r.replies.SendReply(c.Request.Context(), service.ReplyRequest{
		TicketID: id,
		AgentID:  req.AgentID,
		Body:     req.Body,
	})
	if err != nil {
		r.logf("api: reply to ticket %d failed: %v", id, err)
		if strings.Contains(err.Error(), "not found") {
			c.JSON(404, gin.H{"error": "ticket not found"})
			return
		}
		c.JSON(502, gin.H{"error": "delivery failed"})
		return
	}
	c.JSON(200, gin.H{"message": msg})
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (r *Router) updateStatus(c *gin.Context) {
	id, ok := ticketIDParam(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "status is required"})
		return
	}
	status := models.TicketStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		c.JSON(400, gin.H{"error": "unknown status"})
		return
	}
	if err := r.replies.UpdateStatus(c.Request.Context(), id, status); err != nil {
		r.logf("api: status change for ticket %d failed: %v", id, err)
		switch {
		case strings.Contains(err.Error(), "not found"):
			c.JSON(404, gin.H{"error": "ticket not found"})
		case strings.Contains(err.Error(), "cannot move"):
			c.JSON(409, gin.H{"error": err.Error()})
		default:
			c.JSON(500, gin.H{"error": "could not update status"})
		}
		return
	}
	c.JSON(200, gin.H{"status": string(status)})
}

func ticketIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(400, gin.H{"error": "invalid ticket id"})
		return 0, false
	}
	return id, true
}

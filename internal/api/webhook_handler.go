package api

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/channelplay/helpdesk/internal/email/normalizer"
)

// deliveryEvents maps provider event names onto stored delivery statuses.
// Unknown events are acknowledged and ignored.
var deliveryEvents = map[string]string{
	"delivered":    "delivered",
	"failed":       "failed",
	"rejected":     "failed",
	"bounced":      "bounced",
	"complained":   "complained",
	"unsubscribed": "unsubscribed",
}

// handleEventWebhook ingests delivery/bounce/complaint notifications and
// annotates the message that produced the referenced Message-ID. Providers
// retry on non-200, so the answer is always 200.
func (r *Router) handleEventWebhook(c *gin.Context) {
	var fields map[string][]string
	if form, err := c.MultipartForm(); err == nil {
		fields = form.Value
	} else if err := c.Request.ParseForm(); err == nil {
		fields = c.Request.PostForm
	} else {
		r.logf("api: event webhook payload unreadable: %v", err)
		c.JSON(200, gin.H{"status": "ok"})
		return
	}
	c.JSON(200, gin.H{"status": "ok"})

	event := strings.ToLower(firstValue(fields, "event", "event-type"))
	status, ok := deliveryEvents[event]
	if !ok {
		return
	}
	messageID := normalizer.NormalizeMessageID(firstValue(fields, "Message-Id", "message-id", "Message-ID"))
	if messageID == "" {
		r.logf("api: %s event without message-id, dropped", event)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.processTimeout)
		defer cancel()
		if err := r.messages.UpdateDeliveryStatus(ctx, messageID, status); err != nil {
			r.logf("api: delivery status update for %s failed: %v", messageID, err)
		}
	}()
}

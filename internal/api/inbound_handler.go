package api

import (
	"context"
	"io"
	"mime/multipart"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/channelplay/helpdesk/internal/email/normalizer"
	"github.com/channelplay/helpdesk/internal/models"
)

// maxAttachmentBytes bounds how much of each uploaded file is retained.
const maxAttachmentBytes = 10 << 20

// handleInboundEmail accepts a provider inbound webhook. The provider only
// needs delivery confirmation, so the response is 200 before processing;
// failures after the ack are logged, never retried through the webhook.
func (r *Router) handleInboundEmail(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		// Some providers post urlencoded bodies for text-only mail.
		if err := c.Request.ParseForm(); err != nil {
			r.logf("api: inbound payload unreadable: %v", err)
			c.JSON(200, gin.H{"status": "accepted"})
			return
		}
		form = &multipart.Form{Value: c.Request.PostForm}
	}

	payload := normalizer.WebhookPayload{
		Fields:     form.Value,
		EventID:    firstValue(form.Value, "event-id", "Event-Id", "token"),
		ReceivedAt: time.Now().UTC(),
	}
	if payload.EventID == "" {
		payload.EventID = uuid.NewString()
	}
	for _, files := range form.File {
		for _, fh := range files {
			att, err := readAttachment(fh)
			if err != nil {
				r.logf("api: attachment %s unreadable: %v", fh.Filename, err)
				continue
			}
			payload.Attachments = append(payload.Attachments, att)
		}
	}

	c.JSON(200, gin.H{"status": "accepted", "event_id": payload.EventID})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.processTimeout)
		defer cancel()
		ev := r.normalizer.FromWebhook(payload)
		result, err := r.pipeline.Process(ctx, ev)
		if err != nil {
			r.logf("api: inbound event %s processing failed: %v", payload.EventID, err)
			return
		}
		if result.Duplicate {
			r.logf("api: inbound event %s suppressed as duplicate (%s)", payload.EventID, result.Signal)
		}
	}()
}

func readAttachment(fh *multipart.FileHeader) (models.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return models.Attachment{}, err
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, maxAttachmentBytes))
	if err != nil {
		return models.Attachment{}, err
	}
	return models.Attachment{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        int64(len(content)),
		Content:     content,
	}, nil
}

func firstValue(fields map[string][]string, keys ...string) string {
	for _, key := range keys {
		if vals, ok := fields[key]; ok && len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	return ""
}

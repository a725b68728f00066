package dispatcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/channelplay/helpdesk/internal/models"
)

const defaultSendGridURL = "https://api.sendgrid.com/v3/mail/send"

// SendGridChannel relays through the SendGrid v3 mail send API.
type SendGridChannel struct {
	settings models.SendGridSettings
	url      string
	client   *http.Client
}

// SendGridOption customizes the channel.
type SendGridOption func(*SendGridChannel)

// NewSendGridChannel builds a channel from per-desk SendGrid settings.
func NewSendGridChannel(settings models.SendGridSettings, opts ...SendGridOption) (*SendGridChannel, error) {
	if !settings.Configured() {
		return nil, errors.New("sendgrid: desk has no SendGrid credentials configured")
	}
	c := &SendGridChannel{
		settings: settings,
		url:      defaultSendGridURL,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// WithSendGridURL overrides the API endpoint, primarily for tests.
func WithSendGridURL(url string) SendGridOption {
	return func(c *SendGridChannel) {
		if url != "" {
			c.url = url
		}
	}
}

// WithSendGridHTTPClient overrides the HTTP client.
func WithSendGridHTTPClient(client *http.Client) SendGridOption {
	return func(c *SendGridChannel) {
		if client != nil {
			c.client = client
		}
	}
}

// Name returns the channel identifier.
func (c *SendGridChannel) Name() string { return "sendgrid" }

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To []sgAddress `json:"to"`
	CC []sgAddress `json:"cc,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgAttachment struct {
	Content     string `json:"content"`
	Type        string `json:"type,omitempty"`
	Filename    string `json:"filename"`
	Disposition string `json:"disposition"`
}

type sgPayload struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	Headers          map[string]string   `json:"headers,omitempty"`
	Categories       []string            `json:"categories,omitempty"`
	Attachments      []sgAttachment      `json:"attachments,omitempty"`
}

// Send posts the message to SendGrid. SendGrid forbids setting some headers
// through the headers object; the threading trio is allowed and passed
// through unchanged.
func (c *SendGridChannel) Send(ctx context.Context, msg *Outbound) error {
	if msg == nil {
		return errors.New("sendgrid: message required")
	}
	payload := sgPayload{
		From:    sgAddress{Email: msg.From, Name: msg.FromName},
		Subject: msg.Subject,
		Content: []sgContent{{Type: "text/plain", Value: msg.TextBody}},
	}
	person := sgPersonalization{To: []sgAddress{{Email: msg.To}}}
	for _, cc := range msg.CC {
		person.CC = append(person.CC, sgAddress{Email: cc})
	}
	payload.Personalizations = []sgPersonalization{person}
	if msg.HTMLBody != "" {
		payload.Content = append(payload.Content, sgContent{Type: "text/html", Value: msg.HTMLBody})
	}
	if len(msg.Headers) > 0 {
		payload.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			if v != "" {
				payload.Headers[k] = v
			}
		}
	}
	if msg.Tag != "" {
		payload.Categories = []string{msg.Tag}
	}
	for _, att := range msg.Attachments {
		payload.Attachments = append(payload.Attachments, sgAttachment{
			Content:     base64.StdEncoding.EncodeToString(att.Content),
			Type:        att.ContentType,
			Filename:    att.Filename,
			Disposition: "attachment",
		})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sendgrid: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("sendgrid: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &ProviderError{Channel: c.Name(), StatusCode: resp.StatusCode, Message: string(detail)}
	}
	return nil
}

// ChannelFor builds the delivery channel for a desk. Direct SMTP is
// preferred whenever configured, regardless of the desk's nominal channel,
// unless the desk explicitly selects a relay API.
func ChannelFor(desk *models.Desk) (Channel, error) {
	if desk == nil {
		return nil, errors.New("dispatcher: desk required")
	}
	switch desk.Channel {
	case models.ChannelMailgun:
		return NewMailgunChannel(desk.Mailgun)
	case models.ChannelSendGrid:
		return NewSendGridChannel(desk.SendGrid)
	case models.ChannelSMTP, "":
		return NewSMTPChannel(desk.SMTP)
	default:
		return nil, fmt.Errorf("dispatcher: unknown channel %q for desk %q", desk.Channel, desk.Name)
	}
}

package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/channelplay/helpdesk/internal/models"
)

const defaultMailgunBaseURL = "https://api.mailgun.net/v3"

// MailgunChannel relays through the Mailgun messages API.
type MailgunChannel struct {
	settings models.MailgunSettings
	baseURL  string
	client   *http.Client
}

// MailgunOption customizes the channel.
type MailgunOption func(*MailgunChannel)

// NewMailgunChannel builds a channel from per-desk Mailgun settings.
func NewMailgunChannel(settings models.MailgunSettings, opts ...MailgunOption) (*MailgunChannel, error) {
	if !settings.Configured() {
		return nil, errors.New("mailgun: desk has no Mailgun credentials configured")
	}
	c := &MailgunChannel{
		settings: settings,
		baseURL:  defaultMailgunBaseURL,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// WithMailgunBaseURL overrides the API endpoint, primarily for tests.
func WithMailgunBaseURL(url string) MailgunOption {
	return func(c *MailgunChannel) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithMailgunHTTPClient overrides the HTTP client.
func WithMailgunHTTPClient(client *http.Client) MailgunOption {
	return func(c *MailgunChannel) {
		if client != nil {
			c.client = client
		}
	}
}

// Name returns the channel identifier.
func (c *MailgunChannel) Name() string { return "mailgun" }

// Send posts the message to the Mailgun API. Custom headers travel as h:
// fields so the threading trio survives the relay untouched.
func (c *MailgunChannel) Send(ctx context.Context, msg *Outbound) error {
	if msg == nil {
		return errors.New("mailgun: message required")
	}
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}
	form.WriteField("from", from)
	form.WriteField("to", msg.To)
	for _, cc := range msg.CC {
		form.WriteField("cc", cc)
	}
	form.WriteField("subject", msg.Subject)
	form.WriteField("text", msg.TextBody)
	if msg.HTMLBody != "" {
		form.WriteField("html", msg.HTMLBody)
	}
	for key, value := range msg.Headers {
		if value == "" {
			continue
		}
		form.WriteField("h:"+key, value)
	}
	if msg.Tag != "" {
		form.WriteField("o:tag", msg.Tag)
	}
	for _, att := range msg.Attachments {
		part, err := form.CreateFormFile("attachment", att.Filename)
		if err != nil {
			return fmt.Errorf("mailgun: attachment %s: %w", att.Filename, err)
		}
		if _, err := part.Write(att.Content); err != nil {
			return fmt.Errorf("mailgun: attachment %s: %w", att.Filename, err)
		}
	}
	if err := form.Close(); err != nil {
		return fmt.Errorf("mailgun: finalize form: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.settings.Domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("mailgun: build request: %w", err)
	}
	req.SetBasicAuth("api", c.settings.APIKey)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mailgun: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &ProviderError{Channel: c.Name(), StatusCode: resp.StatusCode, Message: string(detail)}
	}
	return nil
}

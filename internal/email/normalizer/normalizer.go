package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	stdmail "net/mail"
	"regexp"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/channelplay/helpdesk/internal/models"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Providers disagree on field naming for the same semantic value; each alias
// list is checked in order and the first non-empty value wins.
var (
	senderFieldAliases    = []string{"sender", "from", "From"}
	recipientFieldAliases = []string{"recipient", "to", "To"}
	subjectFieldAliases   = []string{"subject", "Subject"}
	textFieldAliases      = []string{"body-plain", "stripped-text", "text", "TextBody"}
	htmlFieldAliases      = []string{"body-html", "stripped-html", "html", "HtmlBody"}
	messageIDAliases      = []string{"Message-Id", "Message-ID", "message-id"}
	inReplyToAliases      = []string{"In-Reply-To", "in-reply-to"}
	referencesAliases     = []string{"References", "references"}
	ccFieldAliases        = []string{"cc", "Cc", "CC", "cc-recipients", "X-Envelope-Cc", "Resent-Cc"}
)

const (
	defaultBodyLimit = 256 * 1024

	placeholderEmpty = "[Empty email]"
)

// WebhookPayload is the raw material handed to FromWebhook: the multipart
// form fields plus any extracted file parts.
type WebhookPayload struct {
	Fields      map[string][]string
	Attachments []models.Attachment
	EventID     string
	ReceivedAt  time.Time
}

// Normalizer flattens provider-specific payload shapes into EmailEvents.
type Normalizer struct {
	logger    *log.Logger
	sanitizer *bluemonday.Policy
	bodyLimit int64
	decoder   *mime.WordDecoder
	now       func() time.Time
}

// Option customizes a Normalizer.
type Option func(*Normalizer)

// New builds a Normalizer with the default HTML sanitation policy.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		logger:    log.Default(),
		sanitizer: bluemonday.UGCPolicy(),
		bodyLimit: defaultBodyLimit,
		decoder:   &mime.WordDecoder{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithBodyLimit constrains how many body bytes are retained.
func WithBodyLimit(limit int64) Option {
	return func(n *Normalizer) {
		if limit > 0 {
			n.bodyLimit = limit
		}
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// FromWebhook normalizes a provider webhook form payload. It never fails:
// malformed payloads degrade to placeholder bodies rather than being
// dropped.
func (n *Normalizer) FromWebhook(p WebhookPayload) *models.EmailEvent {
	ev := &models.EmailEvent{
		ProviderEventID: p.EventID,
		ParentEventID:   firstField(p.Fields, "parent-event-id", "Parent-Event-Id"),
		ReceivedAt:      p.ReceivedAt,
		Attachments:     p.Attachments,
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = n.now()
	}

	rawSender := firstField(p.Fields, senderFieldAliases...)
	ev.Sender, ev.SenderName = n.parseSender(rawSender)
	ev.Recipient = n.parseAddress(firstField(p.Fields, recipientFieldAliases...))
	ev.Subject = n.decodeHeader(firstField(p.Fields, subjectFieldAliases...))
	ev.TextBody = truncate(firstField(p.Fields, textFieldAliases...), n.bodyLimit)
	ev.HTMLBody = n.sanitizeHTML(truncate(firstField(p.Fields, htmlFieldAliases...), n.bodyLimit))

	headers := parseHeaderBlob(firstField(p.Fields, "message-headers"))
	ev.MessageID = NormalizeMessageID(coalesce(firstField(p.Fields, messageIDAliases...), headers["Message-Id"], headers["Message-ID"]))
	ev.InReplyTo = NormalizeMessageID(coalesce(firstField(p.Fields, inReplyToAliases...), headers["In-Reply-To"]))
	ev.References = UniqueMessageIDs(
		firstField(p.Fields, referencesAliases...),
		headers["References"],
	)
	ev.CC = n.collectCC(p.Fields, headers, ev.Recipient)

	n.applyBodyPlaceholder(ev)
	return ev
}

// FromRaw normalizes a raw RFC822 message, typically IMAP- or POP3-fetched.
// Structured MIME parsing is attempted first with a plain-header fallback
// for badly formed mail.
func (n *Normalizer) FromRaw(raw []byte, recipient string, receivedAt time.Time) (*models.EmailEvent, error) {
	if len(raw) == 0 {
		return nil, errors.New("normalizer: empty message")
	}
	ev := &models.EmailEvent{
		Recipient:  strings.ToLower(strings.TrimSpace(recipient)),
		ReceivedAt: receivedAt,
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = n.now()
	}

	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		n.logf("normalizer: structured parse failed: %v", err)
		if err := n.legacyParse(raw, ev); err != nil {
			return nil, err
		}
		n.applyBodyPlaceholder(ev)
		return ev, nil
	}

	header := &reader.Header
	if subject, err := header.Subject(); err == nil {
		ev.Subject = subject
	} else {
		ev.Subject = n.decodeHeader(header.Get("Subject"))
	}
	ev.Sender, ev.SenderName = n.senderFromHeader(header)
	if ev.Recipient == "" {
		ev.Recipient = n.parseAddress(header.Get("To"))
	}
	ev.MessageID = NormalizeMessageID(header.Get("Message-Id"))
	ev.InReplyTo = NormalizeMessageID(header.Get("In-Reply-To"))
	ev.References = UniqueMessageIDs(header.Values("References")...)
	ev.CC = n.addressList(header.Get("Cc"))

	n.readParts(reader, ev)
	n.applyBodyPlaceholder(ev)
	return ev, nil
}

func (n *Normalizer) readParts(reader *gomail.Reader, ev *models.EmailEvent) {
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			n.logf("normalizer: read part failed: %v", err)
			break
		}
		switch header := part.Header.(type) {
		case *gomail.InlineHeader:
			mediaType, _, ctErr := header.ContentType()
			if ctErr != nil {
				mediaType = "text/plain"
			}
			body, readErr := io.ReadAll(io.LimitReader(part.Body, n.bodyLimit))
			if readErr != nil {
				n.logf("normalizer: read body failed: %v", readErr)
				continue
			}
			switch {
			case strings.HasPrefix(mediaType, "text/plain"):
				if ev.TextBody == "" {
					ev.TextBody = string(body)
				}
			case strings.HasPrefix(mediaType, "text/html"):
				if ev.HTMLBody == "" {
					ev.HTMLBody = n.sanitizeHTML(string(body))
				}
			default:
				if ev.TextBody == "" {
					ev.TextBody = string(body)
				}
			}
		case *gomail.AttachmentHeader:
			filename, _ := header.Filename()
			if strings.TrimSpace(filename) == "" {
				filename = fmt.Sprintf("attachment-%d.bin", len(ev.Attachments)+1)
			}
			mediaType, _, _ := header.ContentType()
			if mediaType == "" {
				mediaType = "application/octet-stream"
			}
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil || len(content) == 0 {
				continue
			}
			ev.Attachments = append(ev.Attachments, models.Attachment{
				Filename:    filename,
				ContentType: strings.ToLower(mediaType),
				Size:        int64(len(content)),
				Content:     content,
			})
		}
	}
}

func (n *Normalizer) legacyParse(raw []byte, ev *models.EmailEvent) error {
	reader, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("normalizer: parse message: %w", err)
	}
	ev.Subject = n.decodeHeader(reader.Header.Get("Subject"))
	ev.Sender, ev.SenderName = n.parseSender(reader.Header.Get("From"))
	if ev.Recipient == "" {
		ev.Recipient = n.parseAddress(reader.Header.Get("To"))
	}
	ev.MessageID = NormalizeMessageID(reader.Header.Get("Message-Id"))
	ev.InReplyTo = NormalizeMessageID(reader.Header.Get("In-Reply-To"))
	ev.References = UniqueMessageIDs(reader.Header.Get("References"))
	ev.CC = n.addressList(reader.Header.Get("Cc"))
	body, err := io.ReadAll(io.LimitReader(reader.Body, n.bodyLimit))
	if err == nil {
		ev.TextBody = string(body)
	}
	return nil
}

// parseSender decodes the sender address, undoing forwarding rewrites, and
// derives a display name from the local part when none is present.
func (n *Normalizer) parseSender(value string) (addr, name string) {
	value = n.decodeHeader(value)
	if value == "" {
		return "", ""
	}
	if parsed, err := stdmail.ParseAddress(value); err == nil {
		addr = parsed.Address
		name = strings.TrimSpace(parsed.Name)
	} else {
		addr = strings.TrimSpace(value)
	}
	addr = strings.ToLower(DecodeForwardedSender(addr))
	if name == "" {
		name = DisplayNameFromAddress(addr)
	}
	return addr, name
}

func (n *Normalizer) senderFromHeader(header *gomail.Header) (string, string) {
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		addr := strings.ToLower(DecodeForwardedSender(strings.TrimSpace(list[0].Address)))
		name := strings.TrimSpace(list[0].Name)
		if name == "" {
			name = DisplayNameFromAddress(addr)
		}
		return addr, name
	}
	return n.parseSender(header.Get("From"))
}

func (n *Normalizer) parseAddress(value string) string {
	value = n.decodeHeader(value)
	if value == "" {
		return ""
	}
	if addrs, err := stdmail.ParseAddressList(value); err == nil && len(addrs) > 0 {
		return strings.ToLower(strings.TrimSpace(addrs[0].Address))
	}
	if addr, err := stdmail.ParseAddress(value); err == nil {
		return strings.ToLower(strings.TrimSpace(addr.Address))
	}
	return strings.ToLower(strings.TrimSpace(value))
}

func (n *Normalizer) addressList(value string) []string {
	value = n.decodeHeader(value)
	if value == "" {
		return nil
	}
	addrs, err := stdmail.ParseAddressList(value)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, strings.ToLower(strings.TrimSpace(a.Address)))
	}
	return out
}

// collectCC merges CC recipients scattered across form fields and header
// locations, dropping the primary recipient and duplicates.
func (n *Normalizer) collectCC(fields map[string][]string, headers map[string]string, recipient string) []string {
	seen := map[string]struct{}{strings.ToLower(recipient): {}}
	var out []string
	add := func(value string) {
		for _, addr := range n.addressList(value) {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	for _, alias := range ccFieldAliases {
		for _, v := range fields[alias] {
			add(v)
		}
		add(headers[alias])
	}
	return out
}

func (n *Normalizer) sanitizeHTML(html string) string {
	if html == "" || n.sanitizer == nil {
		return html
	}
	return n.sanitizer.Sanitize(html)
}

// applyBodyPlaceholder replaces missing bodies with an explicit marker so
// downstream consumers never see a silently empty message.
func (n *Normalizer) applyBodyPlaceholder(ev *models.EmailEvent) {
	if strings.TrimSpace(ev.TextBody) != "" || strings.TrimSpace(ev.HTMLBody) != "" {
		return
	}
	if count := len(ev.Attachments); count > 0 {
		ev.TextBody = fmt.Sprintf("[Email with %d attachments]", count)
		return
	}
	ev.TextBody = placeholderEmpty
}

func (n *Normalizer) decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || n.decoder == nil {
		return value
	}
	decoded, err := n.decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// parseHeaderBlob decodes the provider's "message-headers" field, a JSON
// array of [name, value] pairs.
func parseHeaderBlob(blob string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(blob) == "" {
		return out
	}
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal([]byte(blob), &pairs); err != nil {
		return out
	}
	for _, pair := range pairs {
		var name, value string
		if json.Unmarshal(pair[0], &name) != nil {
			continue
		}
		if json.Unmarshal(pair[1], &value) != nil {
			continue
		}
		if _, exists := out[name]; !exists {
			out[name] = value
		}
	}
	return out
}

var messageIDPattern = regexp.MustCompile(`<([^<>]+)>`)

// UniqueMessageIDs extracts bracket-wrapped message-ids from the given
// header values, preserving order and dropping duplicates.
func UniqueMessageIDs(values ...string) []string {
	seen := make(map[string]struct{})
	var ids []string
	appendID := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		matches := messageIDPattern.FindAllStringSubmatch(raw, -1)
		if len(matches) == 0 {
			appendID(NormalizeMessageID(raw))
			continue
		}
		for _, m := range matches {
			appendID(NormalizeMessageID(m[1]))
		}
	}
	return ids
}

// NormalizeMessageID strips brackets, quotes and whitespace from a
// message-id header value.
func NormalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.Trim(value, "<>")
	value = strings.Trim(value, `"`)
	return strings.TrimSpace(value)
}

func firstField(fields map[string][]string, aliases ...string) string {
	for _, alias := range aliases {
		for _, v := range fields[alias] {
			if strings.TrimSpace(v) != "" {
				return v
			}
		}
	}
	return ""
}

func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, limit int64) string {
	if limit > 0 && int64(len(s)) > limit {
		return s[:limit]
	}
	return s
}

func (n *Normalizer) logf(format string, args ...any) {
	if n == nil || n.logger == nil {
		return
	}
	n.logger.Printf(format, args...)
}

package dispatcher

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/channelplay/helpdesk/internal/models"
)

// SMTPChannel sends directly through the desk's own SMTP server. Direct
// sending keeps the envelope domain authentic, so it is preferred over relay
// APIs whenever the desk has credentials.
type SMTPChannel struct {
	settings models.SMTPSettings
	now      func() time.Time
}

// NewSMTPChannel builds a channel from per-desk SMTP settings. Missing
// credentials fail fast here rather than at send time.
func NewSMTPChannel(settings models.SMTPSettings) (*SMTPChannel, error) {
	if !settings.Configured() {
		return nil, errors.New("smtp: desk has no SMTP credentials configured")
	}
	return &SMTPChannel{
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Name returns the channel identifier.
func (c *SMTPChannel) Name() string { return "smtp" }

// Send transmits the message over SMTP, optionally with STARTTLS-less
// implicit TLS per the desk configuration.
func (c *SMTPChannel) Send(ctx context.Context, msg *Outbound) error {
	if msg == nil {
		return errors.New("smtp: message required")
	}
	payload := c.buildMIME(msg)
	recipients := append([]string{msg.To}, msg.CC...)
	port := c.settings.Port
	if port == 0 {
		if c.settings.UseTLS {
			port = 465
		} else {
			port = 587
		}
	}
	addr := fmt.Sprintf("%s:%d", c.settings.Host, port)
	auth := smtp.PlainAuth("", c.settings.Username, c.settings.Password, c.settings.Host)

	if c.settings.UseTLS {
		return c.sendTLS(ctx, addr, auth, msg.From, recipients, payload)
	}
	if err := smtp.SendMail(addr, auth, msg.From, recipients, payload); err != nil {
		return wrapSMTPError(err)
	}
	return nil
}

func (c *SMTPChannel) sendTLS(ctx context.Context, addr string, auth smtp.Auth, from string, recipients []string, payload []byte) error {
	dialer := &tls.Dialer{Config: &tls.Config{ServerName: c.settings.Host}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp: connect %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, c.settings.Host)
	if err != nil {
		return fmt.Errorf("smtp: handshake: %w", err)
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return wrapSMTPError(fmt.Errorf("smtp: auth: %w", err))
	}
	if err := client.Mail(from); err != nil {
		return wrapSMTPError(fmt.Errorf("smtp: mail from: %w", err))
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return wrapSMTPError(fmt.Errorf("smtp: rcpt %s: %w", rcpt, err))
		}
	}
	writer, err := client.Data()
	if err != nil {
		return wrapSMTPError(fmt.Errorf("smtp: data: %w", err))
	}
	if _, err := writer.Write(payload); err != nil {
		return fmt.Errorf("smtp: write payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return wrapSMTPError(fmt.Errorf("smtp: close payload: %w", err))
	}
	return client.Quit()
}

// wrapSMTPError lifts server replies like "554 5.7.1 ..." into ProviderError
// so the ladder can distinguish provider rejections.
func wrapSMTPError(err error) error {
	if err == nil {
		return nil
	}
	text := err.Error()
	for i := 0; i+3 <= len(text); i++ {
		if isSMTPCode(text[i : i+3]) {
			code := int(text[i]-'0')*100 + int(text[i+1]-'0')*10 + int(text[i+2]-'0')
			return &ProviderError{Channel: "smtp", StatusCode: code, Message: text}
		}
	}
	return err
}

func isSMTPCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	if s[0] != '4' && s[0] != '5' {
		return false
	}
	return s[1] >= '0' && s[1] <= '9' && s[2] >= '0' && s[2] <= '9'
}

func (c *SMTPChannel) buildMIME(msg *Outbound) []byte {
	var buf bytes.Buffer
	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", msg.FromName), msg.From)
	}
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	if len(msg.CC) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.CC, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", c.now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	for _, key := range sortedHeaderKeys(msg.Headers) {
		fmt.Fprintf(&buf, "%s: %s\r\n", key, msg.Headers[key])
	}

	switch {
	case len(msg.Attachments) > 0:
		writeMixed(&buf, msg)
	case msg.HTMLBody != "":
		writeAlternative(&buf, msg, randomBoundary("alt"))
	default:
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
		buf.WriteString(msg.TextBody)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

func writeMixed(buf *bytes.Buffer, msg *Outbound) {
	boundary := randomBoundary("mix")
	fmt.Fprintf(buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(buf, "--%s\r\n", boundary)
	if msg.HTMLBody != "" {
		writeAlternative(buf, msg, randomBoundary("alt"))
	} else {
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
		buf.WriteString(msg.TextBody)
		buf.WriteString("\r\n")
	}
	for _, att := range msg.Attachments {
		fmt.Fprintf(buf, "--%s\r\n", boundary)
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		fmt.Fprintf(buf, "Content-Type: %s\r\n", contentType)
		fmt.Fprintf(buf, "Content-Disposition: attachment; filename=%q\r\n", att.Filename)
		buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		writeBase64(buf, att.Content)
	}
	fmt.Fprintf(buf, "--%s--\r\n", boundary)
}

func writeAlternative(buf *bytes.Buffer, msg *Outbound, boundary string) {
	fmt.Fprintf(buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	buf.WriteString(msg.TextBody)
	fmt.Fprintf(buf, "\r\n--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	buf.WriteString(msg.HTMLBody)
	fmt.Fprintf(buf, "\r\n--%s--\r\n", boundary)
}

func writeBase64(buf *bytes.Buffer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")
}

func randomBoundary(prefix string) string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return fmt.Sprintf("=_%s_%s", prefix, hex.EncodeToString(buf))
}

func sortedHeaderKeys(headers map[string]string) []string {
	keys := make([]string, 0, len(headers))
	for k, v := range headers {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

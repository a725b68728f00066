package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/channelplay/helpdesk/internal/models"
)

// Outbound is one composed message ready for a delivery channel.
type Outbound struct {
	From     string
	FromName string
	To       string
	CC       []string
	Subject  string
	TextBody string
	HTMLBody string
	// Headers includes the threading trio plus any deliverability headers.
	Headers     map[string]string
	Attachments []models.Attachment
	// Tag is the provider-side campaign/category tag, dropped at the
	// simplified level.
	Tag string
}

// Channel delivers an outbound message through one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg *Outbound) error
}

// ProviderError is a provider-reported delivery rejection.
type ProviderError struct {
	Channel    string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider rejected send (status %d): %s", e.Channel, e.StatusCode, e.Message)
}

// ErrAllLevelsFailed wraps the last error after the whole ladder is
// exhausted. It is always surfaced to the caller, never swallowed.
var ErrAllLevelsFailed = errors.New("dispatcher: all delivery levels failed")

// Level names the rungs of the fallback ladder, richest first.
type Level string

const (
	LevelFull       Level = "full"
	LevelSimplified Level = "simplified"
	LevelMinimal    Level = "minimal"
)

var ladder = []Level{LevelFull, LevelSimplified, LevelMinimal}

var threadingHeaderKeys = map[string]struct{}{
	"Message-ID":  {},
	"In-Reply-To": {},
	"References":  {},
}

// AttemptFunc observes each delivery attempt, successful or not.
type AttemptFunc func(channel string, level Level, err error)

// Dispatcher walks a message down the fallback ladder on provider errors.
// Each rung strictly reduces payload richness; the envelope From and the
// threading headers never change between rungs.
type Dispatcher struct {
	logger    *log.Logger
	onAttempt AttemptFunc
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// New builds a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{logger: log.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithAttemptObserver wires a callback invoked once per attempt.
func WithAttemptObserver(fn AttemptFunc) Option {
	return func(d *Dispatcher) {
		d.onAttempt = fn
	}
}

// Dispatch attempts delivery at each ladder level in order, degrading only
// after a provider-reported error. Returns the level that succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, ch Channel, msg *Outbound) (Level, error) {
	if ch == nil {
		return "", errors.New("dispatcher: channel required")
	}
	if msg == nil {
		return "", errors.New("dispatcher: message required")
	}
	var lastErr error
	for _, level := range ladder {
		attempt := degrade(msg, level)
		err := ch.Send(ctx, attempt)
		if d.onAttempt != nil {
			d.onAttempt(ch.Name(), level, err)
		}
		if err == nil {
			if level != LevelFull {
				d.logf("dispatcher: %s delivered to %s at %s level", ch.Name(), msg.To, level)
			}
			return level, nil
		}
		lastErr = err
		d.logf("dispatcher: %s send failed at %s level: %v", ch.Name(), level, err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("%w via %s: %w", ErrAllLevelsFailed, ch.Name(), lastErr)
}

// degrade produces the payload variant for a ladder level. The original
// message is never mutated.
func degrade(msg *Outbound, level Level) *Outbound {
	out := *msg
	out.CC = append([]string(nil), msg.CC...)
	switch level {
	case LevelFull:
		out.Headers = copyHeaders(msg.Headers, func(string) bool { return true })
		out.Attachments = append([]models.Attachment(nil), msg.Attachments...)
	case LevelSimplified:
		out.Headers = copyHeaders(msg.Headers, isThreadingHeader)
		out.Attachments = nil
		out.Tag = ""
	case LevelMinimal:
		out.Headers = copyHeaders(msg.Headers, isThreadingHeader)
		out.HTMLBody = ""
		out.Attachments = nil
		out.Tag = ""
	}
	return &out
}

func isThreadingHeader(key string) bool {
	_, ok := threadingHeaderKeys[key]
	return ok
}

func copyHeaders(headers map[string]string, keep func(string) bool) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if v == "" {
			continue
		}
		if keep(k) {
			out[k] = v
		}
	}
	return out
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d == nil || d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}

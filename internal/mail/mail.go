// Package mail abstracts outbound email delivery for the broadcast worker.
//
// A Sender opens a Session, typically one transport connection, which is
// then used for many individually addressed messages. A failed Send affects
// only that message; the session stays usable for the next one.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tbourn/campus-market-backend/internal/config"
)

// Message is a single email addressed to one recipient.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Session sends messages over an open transport.
type Session interface {
	Send(ctx context.Context, m Message) error
	Close() error
}

// Sender opens mail sessions.
type Sender interface {
	Open(ctx context.Context) (Session, error)
}

// ErrNoRecipient is returned when a message has an empty To address.
var ErrNoRecipient = errors.New("mail: message has no recipient")

// New builds the Sender selected by cfg.Driver.
func New(cfg config.MailConfig, lg zerolog.Logger) (Sender, error) {
	switch strings.ToLower(cfg.Driver) {
	case "smtp":
		return NewSMTPSender(cfg)
	case "log", "":
		return NewLogSender(lg, cfg.From), nil
	default:
		return nil, fmt.Errorf("mail: unsupported driver %q", cfg.Driver)
	}
}

// LogSender writes messages to a zerolog logger instead of delivering them.
// It is meant for development and never fails.
type LogSender struct {
	log  zerolog.Logger
	from string
}

// NewLogSender returns a LogSender that logs as from.
func NewLogSender(lg zerolog.Logger, from string) *LogSender {
	return &LogSender{log: lg.With().Str("component", "mail").Logger(), from: from}
}

// Open implements Sender.
func (s *LogSender) Open(ctx context.Context) (Session, error) {
	return logSession{s}, nil
}

type logSession struct{ s *LogSender }

func (l logSession) Send(ctx context.Context, m Message) error {
	if strings.TrimSpace(m.To) == "" {
		return ErrNoRecipient
	}
	l.s.log.Info().
		Str("from", l.s.from).
		Str("to", m.To).
		Str("subject", m.Subject).
		Int("text_bytes", len(m.Text)).
		Int("html_bytes", len(m.HTML)).
		Msg("mail (log driver)")
	return nil
}

func (l logSession) Close() error { return nil }

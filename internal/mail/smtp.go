package mail

import (
	"context"
	"fmt"
	"strings"

	gomail "github.com/wneessen/go-mail"

	"github.com/tbourn/campus-market-backend/internal/config"
)

// SMTPSender delivers mail through an SMTP relay using go-mail. Each
// Session dials one connection; every message is sent to its own direct
// To: address, never as a BCC blast.
type SMTPSender struct {
	host string
	opts []gomail.Option
	from string
}

// NewSMTPSender validates cfg and prepares the client options. No
// connection is made until Open.
func NewSMTPSender(cfg config.MailConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("mail: smtp host is required")
	}
	policy, err := tlsPolicy(cfg.TLS)
	if err != nil {
		return nil, err
	}
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTLSPolicy(policy),
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}
	return &SMTPSender{host: cfg.Host, opts: opts, from: cfg.From}, nil
}

func tlsPolicy(s string) (gomail.TLSPolicy, error) {
	switch strings.ToLower(s) {
	case "", "mandatory":
		return gomail.TLSMandatory, nil
	case "opportunistic":
		return gomail.TLSOpportunistic, nil
	case "none":
		return gomail.NoTLS, nil
	default:
		return gomail.NoTLS, fmt.Errorf("mail: unknown tls policy %q", s)
	}
}

// Open dials the relay.
func (s *SMTPSender) Open(ctx context.Context) (Session, error) {
	c, err := gomail.NewClient(s.host, s.opts...)
	if err != nil {
		return nil, fmt.Errorf("mail: new client: %w", err)
	}
	if err := c.DialWithContext(ctx); err != nil {
		return nil, fmt.Errorf("mail: dial %s: %w", s.host, err)
	}
	return &smtpSession{client: c, from: s.from}, nil
}

type smtpSession struct {
	client *gomail.Client
	from   string
}

func (s *smtpSession) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := buildMsg(s.from, m)
	if err != nil {
		return err
	}
	if err := s.client.Send(msg); err != nil {
		// Reset the SMTP transaction so the connection can carry the next message.
		_ = s.client.Reset()
		return fmt.Errorf("mail: send to %s: %w", m.To, err)
	}
	return nil
}

func (s *smtpSession) Close() error { return s.client.Close() }

// buildMsg converts a Message into a go-mail message with a plain-text body
// and an optional HTML alternative.
func buildMsg(from string, m Message) (*gomail.Msg, error) {
	if strings.TrimSpace(m.To) == "" {
		return nil, ErrNoRecipient
	}
	msg := gomail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("mail: from %q: %w", from, err)
	}
	if err := msg.To(m.To); err != nil {
		return nil, fmt.Errorf("mail: to %q: %w", m.To, err)
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(gomail.TypeTextPlain, m.Text)
	if m.HTML != "" {
		msg.AddAlternativeString(gomail.TypeTextHTML, m.HTML)
	}
	return msg, nil
}

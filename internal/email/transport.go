package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
	"golang.org/x/time/rate"
)

// Transport hands one message to a mail relay.
type Transport interface {
	Send(ctx context.Context, opts SendOptions) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, opts SendOptions) error

func (f TransportFunc) Send(ctx context.Context, opts SendOptions) error { return f(ctx, opts) }

// SMTPConfig is the relay connection. Secure selects implicit TLS (usually
// port 465); otherwise STARTTLS is used when the server offers it.
type SMTPConfig struct {
	Host       string
	Port       int
	Secure     bool
	User       string
	Pass       string
	Timeout    time.Duration
	RatePerSec float64
}

// SMTPTransport sends through go-mail, dialing once per message.
type SMTPTransport struct {
	client  *mail.Client
	limiter *rate.Limiter
}

func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp port %d out of range", cfg.Port)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	opts := []mail.Option{mail.WithTimeout(timeout)}
	if cfg.Secure {
		opts = append(opts, mail.WithSSLPort(false))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Pass),
		)
	}

	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	t := &SMTPTransport{client: client}
	if cfg.RatePerSec > 0 {
		burst := max(1, int(cfg.RatePerSec))
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return t, nil
}

func (t *SMTPTransport) Send(ctx context.Context, opts SendOptions) error {
	msg, err := buildMsg(opts)
	if err != nil {
		return err
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return t.client.DialAndSendWithContext(ctx, msg)
}

func buildMsg(opts SendOptions) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(opts.From); err != nil {
		return nil, fmt.Errorf("%w: from: %v", ErrInvalidMessage, err)
	}
	if err := m.To(opts.To...); err != nil {
		return nil, fmt.Errorf("%w: to: %v", ErrInvalidMessage, err)
	}
	m.Subject(opts.Subject)
	m.SetDate()
	m.SetMessageIDWithValue(uuid.NewString() + "@" + domainOf(opts.From))

	switch {
	case opts.Text != "" && opts.HTML != "":
		m.SetBodyString(mail.TypeTextPlain, opts.Text)
		m.AddAlternativeString(mail.TypeTextHTML, opts.HTML)
	case opts.HTML != "":
		m.SetBodyString(mail.TypeTextHTML, opts.HTML)
	default:
		m.SetBodyString(mail.TypeTextPlain, opts.Text)
	}

	for _, at := range opts.Attachments {
		var fo []mail.FileOption
		if at.ContentType != "" {
			fo = append(fo, mail.WithFileContentType(mail.ContentType(at.ContentType)))
		}
		if err := m.AttachReader(at.Filename, bytes.NewReader(at.Content), fo...); err != nil {
			return nil, fmt.Errorf("%w: attachment %s: %v", ErrInvalidMessage, at.Filename, err)
		}
	}
	return m, nil
}

func domainOf(addr string) string {
	addr = strings.TrimSuffix(strings.TrimSpace(addr), ">")
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}

// permanent reports whether the relay refused the message for good (5xx).
func permanent(err error) bool {
	var se *mail.SendError
	if errors.As(err, &se) {
		return !se.IsTemp()
	}
	return false
}

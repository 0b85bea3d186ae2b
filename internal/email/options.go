package email

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"
)

// SendOptions is one email message. It is also the payload carried by
// queued job records, so it must round-trip through JSON unchanged.
type SendOptions struct {
	From        string       `json:"from"`
	To          Addresses    `json:"to"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment content is raw bytes; JSON carries it base64 encoded.
type Attachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content"`
	ContentType string `json:"contentType,omitempty"`
}

// Addresses is a recipient list. It decodes from either a JSON array or a
// single comma-separated string.
type Addresses []string

func (a *Addresses) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*a = SplitAddresses(one)
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("to: want string or array of strings: %w", err)
	}
	*a = many
	return nil
}

// SplitAddresses splits "a@x, b@y" into trimmed, non-empty parts.
func SplitAddresses(s string) Addresses {
	var out Addresses
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks what the relay would otherwise reject late.
func (o SendOptions) Validate() error {
	if err := o.checkUTF8(); err != nil {
		return err
	}
	if strings.TrimSpace(o.From) == "" {
		return fmt.Errorf("%w: from is required", ErrInvalidMessage)
	}
	if _, err := mail.ParseAddress(o.From); err != nil {
		return fmt.Errorf("%w: from %q: %v", ErrInvalidMessage, o.From, err)
	}
	if len(o.To) == 0 {
		return fmt.Errorf("%w: to is required", ErrInvalidMessage)
	}
	for _, to := range o.To {
		if _, err := mail.ParseAddress(to); err != nil {
			return fmt.Errorf("%w: to %q: %v", ErrInvalidMessage, to, err)
		}
	}
	if strings.TrimSpace(o.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidMessage)
	}
	for i, at := range o.Attachments {
		if strings.TrimSpace(at.Filename) == "" {
			return fmt.Errorf("%w: attachment %d has no filename", ErrInvalidMessage, i)
		}
	}
	return nil
}

// checkUTF8 rejects text JSON cannot carry byte for byte; a queued job would
// otherwise deliver U+FFFD where a direct send delivers the raw bytes.
func (o SendOptions) checkUTF8() error {
	fields := []struct {
		name, v string
	}{
		{"from", o.From},
		{"subject", o.Subject},
		{"text", o.Text},
		{"html", o.HTML},
	}
	for _, to := range o.To {
		fields = append(fields, struct{ name, v string }{"to", to})
	}
	for _, at := range o.Attachments {
		fields = append(fields,
			struct{ name, v string }{"attachment filename", at.Filename},
			struct{ name, v string }{"attachment content type", at.ContentType},
		)
	}
	for _, f := range fields {
		if !utf8.ValidString(f.v) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidMessage, f.name)
		}
	}
	return nil
}

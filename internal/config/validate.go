package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/faiyaz032/notivox/internal/maintenance"
)

// Validate checks cross-field rules the JSON decoder cannot. It returns
// every problem found, joined.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.Email != nil && c.Email.Nodemailer != nil {
		n := c.Email.Nodemailer
		if strings.TrimSpace(n.Host) == "" {
			add(errors.New("email.nodemailer.host is required"))
		}
		if n.Port < 0 || n.Port > 65535 {
			add(fmt.Errorf("email.nodemailer.port %d out of range", n.Port))
		}
		if n.RatePerSec < 0 {
			add(errors.New("email.nodemailer.rate_per_sec must be >= 0"))
		}
		_, err := ParseDuration("email.nodemailer.timeout", n.Timeout, 0)
		add(err)
	}

	if q := c.Queue; q != nil {
		backends := q.Backends()
		switch {
		case len(backends) == 0:
			add(errors.New("queue: one of redis, sqlite, amqp, memory is required"))
		case len(backends) > 1:
			add(fmt.Errorf("queue: only one backend may be set, got %s", strings.Join(backends, ", ")))
		}
		if q.Redis != nil && strings.TrimSpace(q.Redis.Addr) == "" {
			add(errors.New("queue.redis.addr is required"))
		}
		if q.SQLite != nil && strings.TrimSpace(q.SQLite.Path) == "" {
			add(errors.New("queue.sqlite.path is required"))
		}
		if q.AMQP != nil && strings.TrimSpace(q.AMQP.URL) == "" {
			add(errors.New("queue.amqp.url is required"))
		}
		if q.Concurrency < 0 {
			add(errors.New("queue.concurrency must be >= 0"))
		}
		if q.Attempts < 0 {
			add(errors.New("queue.attempts must be >= 0"))
		}
		if q.RatePerSec < 0 {
			add(errors.New("queue.rate_per_sec must be >= 0"))
		}
		for path, raw := range map[string]string{
			"queue.backoff":       q.Backoff,
			"queue.poll_interval": q.PollInterval,
			"queue.drain_timeout": q.DrainTimeout,
		} {
			_, err := ParseDuration(path, raw, 0)
			add(err)
		}
		if q.SQLite != nil {
			_, err := ParseDuration("queue.sqlite.busy_timeout", q.SQLite.BusyTimeout, 0)
			add(err)
		}
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !validLevel(lvl) {
		add(fmt.Errorf("logging.level %q is not a level", lvl))
	}
	if tg := c.Logging.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			add(errors.New("logging.telegram.token is required when enabled"))
		}
		if tg.ChatID == 0 {
			add(errors.New("logging.telegram.chat_id is required when enabled"))
		}
		if m := strings.TrimSpace(tg.MinLevel); m != "" && !validLevel(m) {
			add(fmt.Errorf("logging.telegram.min_level %q is not a level", m))
		}
		if d := strings.TrimSpace(tg.Dedup); d != "" && !strings.HasPrefix(d, "-") {
			_, err := ParseDuration("logging.telegram.dedup", d, 0)
			add(err)
		}
	}

	if m := c.Maintenance; m != nil {
		if strings.TrimSpace(m.PruneSchedule) == "" {
			add(errors.New("maintenance.prune_schedule is required"))
		} else if _, err := maintenance.ParseSchedule(m.PruneSchedule); err != nil {
			add(fmt.Errorf("maintenance.prune_schedule: %w", err))
		}
		_, err := ParseDuration("maintenance.retention", m.Retention, 0)
		add(err)
	}

	return errors.Join(errs...)
}

func validLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled", "off":
		return true
	}
	return false
}

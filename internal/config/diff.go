package config

import (
	"sort"
	"strings"

	logx "github.com/faiyaz032/notivox/pkg/logx"
)

// SummarizeChange returns (1) the changed sections, (2) safe attrs for
// logging (never secrets) and (3) the changed sections that only take
// effect after a restart. Only logging is applied live.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	o, n := oldCfg.Logging, newCfg.Logging
	if o.Level != n.Level ||
		o.Console != n.Console ||
		o.File.Enabled != n.File.Enabled ||
		strings.TrimSpace(o.File.Path) != strings.TrimSpace(n.File.Path) ||
		o.Telegram.Enabled != n.Telegram.Enabled ||
		o.Telegram.ChatID != n.Telegram.ChatID ||
		o.Telegram.ThreadID != n.Telegram.ThreadID ||
		o.Telegram.MinLevel != n.Telegram.MinLevel ||
		o.Telegram.RatePerSec != n.Telegram.RatePerSec ||
		(o.Telegram.Token != "") != (n.Telegram.Token != "") {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", n.Level),
			logx.Bool("logging.console", n.Console),
			logx.Bool("logging.file_enabled", n.File.Enabled),
			logx.Bool("logging.telegram_enabled", n.Telegram.Enabled),
		)
	}

	// Email (never log credentials)
	if fingerprint(oldCfg.Email) != fingerprint(newCfg.Email) {
		changed = append(changed, "email")
		if e := newCfg.Email; e != nil && e.Nodemailer != nil {
			attrs = append(attrs,
				logx.String("email.host", e.Nodemailer.Host),
				logx.Int("email.port", e.Nodemailer.Port),
			)
		}
	}

	if fingerprint(oldCfg.Queue) != fingerprint(newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs, logx.String("queue.backends", strings.Join(newCfg.Queue.Backends(), ",")))
	}

	if fingerprint(oldCfg.Metrics) != fingerprint(newCfg.Metrics) {
		changed = append(changed, "metrics")
	}
	if fingerprint(oldCfg.Maintenance) != fingerprint(newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		if m := newCfg.Maintenance; m != nil {
			attrs = append(attrs, logx.String("maintenance.prune_schedule", m.PruneSchedule))
		}
	}

	sort.Strings(changed)
	restart := make([]string, 0, len(changed))
	for _, s := range changed {
		if s != "logging" {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

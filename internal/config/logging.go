package config

import (
	"strings"
	"time"

	logx "github.com/faiyaz032/notivox/pkg/logx"
)

// Logx maps the logging section onto the logger service config.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   strings.TrimSpace(l.Level),
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    strings.TrimSpace(l.File.Path),
		},
		Alert: logx.AlertConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
			Dedup:      l.Telegram.dedup(),
		},
	}
}

// dedup reads the window leniently; Validate reports bad values.
func (t LoggingTelegram) dedup() time.Duration {
	raw := strings.TrimSpace(t.Dedup)
	if strings.HasPrefix(raw, "-") {
		return -1
	}
	d, err := ParseDuration("logging.telegram.dedup", raw, 0)
	if err != nil {
		return 0
	}
	return d
}

package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are secrets and endpoints commonly injected by the
// environment. Empty values leave the file config alone.
type envOverrides struct {
	SMTPUser      string `env:"NOTIVOX_SMTP_USER"`
	SMTPPassword  string `env:"NOTIVOX_SMTP_PASSWORD"`
	RedisAddr     string `env:"NOTIVOX_REDIS_ADDR"`
	RedisPassword string `env:"NOTIVOX_REDIS_PASSWORD"`
	AMQPURL       string `env:"NOTIVOX_AMQP_URL"`
	LogLevel      string `env:"NOTIVOX_LOG_LEVEL"`
	TelegramToken string `env:"NOTIVOX_TELEGRAM_TOKEN"`
}

// ApplyEnv overlays NOTIVOX_* variables onto cfg. Overrides only touch
// sections the file already declares, so the environment never switches
// an adapter into queued mode by itself.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}
	return applyOverrides(cfg, o)
}

func applyOverrides(cfg *Config, o envOverrides) error {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	if cfg.Email != nil && cfg.Email.Nodemailer != nil {
		set(&cfg.Email.Nodemailer.Auth.User, o.SMTPUser)
		set(&cfg.Email.Nodemailer.Auth.Pass, o.SMTPPassword)
	}
	if cfg.Queue != nil && cfg.Queue.Redis != nil {
		set(&cfg.Queue.Redis.Addr, o.RedisAddr)
		set(&cfg.Queue.Redis.Password, o.RedisPassword)
	}
	if cfg.Queue != nil && cfg.Queue.AMQP != nil {
		set(&cfg.Queue.AMQP.URL, o.AMQPURL)
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Logging.Telegram.Token, o.TelegramToken)
	return nil
}

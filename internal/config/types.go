package config

type Config struct {
	Email       *EmailConfig       `json:"email,omitempty"`
	Queue       *QueueConfig       `json:"queue,omitempty"`
	Logging     LoggingConfig      `json:"logging"`
	Metrics     *MetricsConfig     `json:"metrics,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

// Channels is the part of the config adapters are built from. The hub keeps
// its own copy, so edits after construction never reach a built adapter.
type Channels struct {
	Email *EmailConfig `json:"email,omitempty"`
	Queue *QueueConfig `json:"queue,omitempty"`
}

// Channels returns a deep copy of the adapter-facing sections.
func (c *Config) Channels() Channels {
	if c == nil {
		return Channels{}
	}
	return Channels{Email: c.Email, Queue: c.Queue}.Clone()
}

// Clone deep-copies every section. Sections only hold values, so copying
// each pointer target is enough.
func (c Channels) Clone() Channels {
	out := Channels{Email: clonePtr(c.Email), Queue: clonePtr(c.Queue)}
	if out.Email != nil {
		out.Email.Nodemailer = clonePtr(out.Email.Nodemailer)
	}
	if q := out.Queue; q != nil {
		q.Redis = clonePtr(q.Redis)
		q.SQLite = clonePtr(q.SQLite)
		q.AMQP = clonePtr(q.AMQP)
		q.Memory = clonePtr(q.Memory)
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type EmailConfig struct {
	Nodemailer *NodemailerConfig `json:"nodemailer,omitempty"`
}

// NodemailerConfig is the SMTP relay used by the email adapter.
//
//	"nodemailer": { "host": "smtp.example.com", "port": 587, "auth": { "user": "u", "pass": "p" } }
type NodemailerConfig struct {
	Host   string     `json:"host"`
	Port   int        `json:"port"`
	Secure bool       `json:"secure,omitempty"`
	Auth   AuthConfig `json:"auth"`
	// Timeout is a Go duration string. Default "15s".
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type AuthConfig struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// QueueConfig switches adapters to queued delivery. Exactly one backend
// section must be set; the rest tune the channel workers.
//
// Durations are Go duration strings ("500ms", "10s") or bare seconds.
type QueueConfig struct {
	Redis  *RedisQueueConfig  `json:"redis,omitempty"`
	SQLite *SQLiteQueueConfig `json:"sqlite,omitempty"`
	AMQP   *AMQPQueueConfig   `json:"amqp,omitempty"`
	Memory *MemoryQueueConfig `json:"memory,omitempty"`

	Concurrency  int     `json:"concurrency,omitempty"`
	Attempts     int     `json:"attempts,omitempty"`
	Backoff      string  `json:"backoff,omitempty"`
	PollInterval string  `json:"poll_interval,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	DrainTimeout string  `json:"drain_timeout,omitempty"`
}

type RedisQueueConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type SQLiteQueueConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type AMQPQueueConfig struct {
	URL string `json:"url"`
}

// MemoryQueueConfig selects the in-process broker. Jobs do not survive a
// restart.
type MemoryQueueConfig struct{}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id"`
	// ThreadID targets a forum topic. 0 posts to the main chat.
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
	// Dedup collapses repeated alerts inside this window. Default "1m";
	// "-1s" turns it off.
	Dedup string `json:"dedup,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
//
// Prefer binding to localhost when pprof is on.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Pprof   bool   `json:"pprof,omitempty"`
}

// MaintenanceConfig schedules pruning of finished jobs.
type MaintenanceConfig struct {
	// PruneSchedule is a standard 5-field cron expression or a descriptor
	// such as "@hourly".
	PruneSchedule string `json:"prune_schedule"`
	// Retention is how long finished jobs are kept. Default "168h".
	Retention string `json:"retention,omitempty"`
}

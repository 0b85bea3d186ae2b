package config

import (
	"errors"
	"strings"
	"time"

	"github.com/faiyaz032/notivox/internal/broker"
	"github.com/faiyaz032/notivox/internal/queue"
)

// Backends lists the backend sections that are set.
func (q *QueueConfig) Backends() []string {
	if q == nil {
		return nil
	}
	var out []string
	if q.Redis != nil {
		out = append(out, "redis")
	}
	if q.SQLite != nil {
		out = append(out, "sqlite")
	}
	if q.AMQP != nil {
		out = append(out, "amqp")
	}
	if q.Memory != nil {
		out = append(out, "memory")
	}
	return out
}

// Enabled reports whether adapters should queue.
func (q *QueueConfig) Enabled() bool { return len(q.Backends()) > 0 }

// Broker converts the backend section to a broker config.
func (q *QueueConfig) Broker() (broker.Config, error) {
	names := q.Backends()
	switch len(names) {
	case 0:
		return broker.Config{}, errors.New("queue: no backend configured")
	case 1:
	default:
		return broker.Config{}, errors.New("queue: only one backend may be set, got " + strings.Join(names, ", "))
	}

	cfg := broker.Config{Driver: names[0]}
	switch {
	case q.Redis != nil:
		cfg.Redis = broker.RedisConfig{
			Addr:     strings.TrimSpace(q.Redis.Addr),
			Username: q.Redis.Username,
			Password: q.Redis.Password,
			DB:       q.Redis.DB,
			Prefix:   strings.TrimSpace(q.Redis.Prefix),
		}
	case q.SQLite != nil:
		busy, err := ParseDuration("queue.sqlite.busy_timeout", q.SQLite.BusyTimeout, 0)
		if err != nil {
			return broker.Config{}, err
		}
		cfg.SQLite = broker.SQLiteConfig{Path: strings.TrimSpace(q.SQLite.Path), BusyTimeout: busy}
	case q.AMQP != nil:
		cfg.AMQP = broker.AMQPConfig{URL: strings.TrimSpace(q.AMQP.URL)}
	}
	return cfg, nil
}

// JobOptions are the defaults applied to every enqueued job.
func (q *QueueConfig) JobOptions() (broker.JobOptions, error) {
	if q == nil {
		return broker.JobOptions{}, nil
	}
	backoff, err := ParseDuration("queue.backoff", q.Backoff, 0)
	if err != nil {
		return broker.JobOptions{}, err
	}
	return broker.JobOptions{Attempts: q.Attempts, Backoff: backoff}, nil
}

// Coordinator fills the worker tuning part of queue.Options.
func (q *QueueConfig) Coordinator() (queue.Options, error) {
	var o queue.Options
	if q == nil {
		return o, nil
	}
	jo, err := q.JobOptions()
	if err != nil {
		return o, err
	}
	poll, err := ParseDuration("queue.poll_interval", q.PollInterval, 0)
	if err != nil {
		return o, err
	}
	o.Concurrency = q.Concurrency
	o.PollInterval = poll
	o.RatePerSec = q.RatePerSec
	o.Job = jo
	return o, nil
}

// DrainTimeoutOrDefault bounds how long shutdown waits for in-flight jobs.
func (q *QueueConfig) DrainTimeoutOrDefault() time.Duration {
	if q == nil {
		return 30 * time.Second
	}
	d, err := ParseDuration("queue.drain_timeout", q.DrainTimeout, 30*time.Second)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

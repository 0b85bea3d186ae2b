package broker

import (
	"context"
	"time"
)

// State is the lifecycle position of a job inside its queue.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one unit of work as stored by a driver. Data is opaque to the broker.
type Job struct {
	ID          string
	Name        string
	Queue       string
	Data        []byte
	Attempts    int // attempts already made
	MaxAttempts int
	Backoff     time.Duration
	State       State
	EnqueuedAt  time.Time
	FinishedAt  time.Time
	Err         string
}

func (j *Job) clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	return &cp
}

// JobOptions tune delivery of a single job.
type JobOptions struct {
	// Attempts is the total number of tries, first run included. <=0 means 1.
	Attempts int
	// Backoff is the fixed delay between attempts.
	Backoff time.Duration
}

func (o JobOptions) normalized() JobOptions {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	}
	return o
}

// Processor handles one job. Returning nil completes the job; any other
// error fails the attempt.
type Processor func(ctx context.Context, j *Job) error

// Counts is a point-in-time view of a queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Config selects and configures a driver.
type Config struct {
	Driver string
	Redis  RedisConfig
	SQLite SQLiteConfig
	AMQP   AMQPConfig
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Prefix namespaces every key. Default "notivox".
	Prefix string
}

type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

type AMQPConfig struct {
	URL string
}

// store is implemented by each driver. pop blocks for at most wait and
// returns (nil, nil) when nothing became available. release hands a popped
// job back unchanged, at the pickup end where the driver allows it.
type store interface {
	ensure(ctx context.Context, queue string) error
	push(ctx context.Context, queue string, j *Job) error
	pop(ctx context.Context, queue string, wait time.Duration) (*Job, error)
	complete(ctx context.Context, queue string, j *Job) error
	fail(ctx context.Context, queue string, j *Job, retry bool) error
	release(ctx context.Context, queue string, j *Job) error
	counts(ctx context.Context, queue string) (Counts, error)
	prune(ctx context.Context, queue string, before time.Time) (int, error)
	close() error
}

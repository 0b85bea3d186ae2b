package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	logx "github.com/faiyaz032/notivox/pkg/logx"
)

// Broker owns a driver connection and hands out named queues.
// It is safe for concurrent use.
type Broker struct {
	driver string
	st     store
	log    logx.Logger

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

// Open connects the configured driver. An empty driver means "memory".
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Broker, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "memory"
	}

	var (
		st  store
		err error
	)
	switch driver {
	case "memory":
		st = newMemoryStore()
	case "redis":
		st, err = openRedis(ctx, cfg.Redis)
	case "sqlite", "sqlite3":
		driver = "sqlite"
		st, err = openSQLite(ctx, cfg.SQLite)
	case "amqp", "rabbitmq":
		driver = "amqp"
		st, err = openAMQP(cfg.AMQP)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s broker: %w", driver, err)
	}
	log.Debug("broker opened", logx.String("driver", driver))
	return &Broker{
		driver: driver,
		st:     st,
		log:    log.With(logx.String("driver", driver)),
		queues: map[string]*Queue{},
	}, nil
}

// NewMemory returns a process-local broker.
func NewMemory(log logx.Logger) *Broker {
	b, _ := Open(context.Background(), Config{Driver: "memory"}, log)
	return b
}

func (b *Broker) Driver() string { return b.driver }

// Queue returns the queue called name, declaring it on the driver the first
// time it is asked for.
func (b *Broker) Queue(ctx context.Context, name string) (*Queue, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if q, ok := b.queues[name]; ok && !q.isClosed() {
		return q, nil
	}
	if err := b.st.ensure(ctx, name); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}
	q := newQueue(b, name)
	b.queues[name] = q
	return q, nil
}

// Close closes every queue and the driver connection. Workers must be
// closed first; Close does not wait for them.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	qs := make([]*Queue, 0, len(b.queues))
	for _, q := range b.queues {
		qs = append(qs, q)
	}
	b.mu.Unlock()

	for _, q := range qs {
		_ = q.Close()
	}
	return b.st.close()
}

package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Queue is a named FIFO of jobs on a Broker.
type Queue struct {
	b    *Broker
	name string

	gate *gate

	mu     sync.Mutex
	closed bool
}

func newQueue(b *Broker, name string) *Queue {
	return &Queue{b: b, name: name, gate: newGate()}
}

func (q *Queue) Name() string { return q.name }

// Add enqueues data under the given job name. The returned job carries the
// driver-assigned ID.
func (q *Queue) Add(ctx context.Context, name string, data []byte, opts JobOptions) (*Job, error) {
	if q.isClosed() {
		return nil, ErrQueueClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.normalized()
	j := &Job{
		Name:        name,
		Queue:       q.name,
		Data:        append([]byte(nil), data...),
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		State:       StateQueued,
		EnqueuedAt:  time.Now(),
	}
	if err := q.b.st.push(ctx, q.name, j); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, ErrQueueClosed
		}
		return nil, err
	}
	return j.clone(), nil
}

// Pause stops this process's workers from picking up new jobs. Jobs keep
// being accepted by Add.
func (q *Queue) Pause() { q.gate.pause() }

// Resume undoes Pause.
func (q *Queue) Resume() { q.gate.resume() }

func (q *Queue) Paused() bool { return q.gate.isPaused() }

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	return q.b.st.counts(ctx, q.name)
}

// Prune drops completed and failed jobs that finished before the cutoff.
func (q *Queue) Prune(ctx context.Context, before time.Time) (int, error) {
	return q.b.st.prune(ctx, q.name, before)
}

// Close stops accepting jobs. Jobs already stored stay with the driver.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

type gate struct {
	mu     sync.Mutex
	paused bool
	open   chan struct{}
}

func newGate() *gate {
	g := &gate{open: make(chan struct{})}
	close(g.open)
	return g
}

func (g *gate) pause() {
	g.mu.Lock()
	if !g.paused {
		g.paused = true
		g.open = make(chan struct{})
	}
	g.mu.Unlock()
}

func (g *gate) resume() {
	g.mu.Lock()
	if g.paused {
		g.paused = false
		close(g.open)
	}
	g.mu.Unlock()
}

func (g *gate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// wait blocks while the gate is paused.
func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package queue owns the per-channel queues and their single worker.
//
// A Coordinator declares one queue for every known channel when it is built.
// At most one worker exists per channel for the coordinator's lifetime;
// registering a second one is logged and ignored.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/faiyaz032/notivox/internal/broker"
	"github.com/faiyaz032/notivox/internal/channel"
	"github.com/faiyaz032/notivox/internal/eventbus"
	"github.com/faiyaz032/notivox/internal/job"
	"github.com/faiyaz032/notivox/internal/metrics"
	logx "github.com/faiyaz032/notivox/pkg/logx"
)

// ErrQueueNotFound is returned for channels the coordinator has no queue
// for, including every channel once CloseAll has started.
var ErrQueueNotFound = errors.New("queue not found")

const DefaultConcurrency = 10

// Handler processes one record pulled from a channel queue.
type Handler func(ctx context.Context, rec job.Record) error

// Options configure a Coordinator. Zero values get defaults.
type Options struct {
	Concurrency  int
	PollInterval time.Duration
	RatePerSec   float64
	// Job is applied to Enqueue calls that pass nil options.
	Job broker.JobOptions

	Logger  logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

type Coordinator struct {
	b    *broker.Broker
	opts Options
	log  logx.Logger

	// Worker lifetime is the coordinator's, not the caller's that built it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queues  map[string]*broker.Queue  // by queue name
	workers map[string]*broker.Worker // by worker name
	closed  bool
}

// New declares a queue for every known channel on b.
func New(ctx context.Context, b *broker.Broker, opts Options) (*Coordinator, error) {
	if b == nil {
		return nil, errors.New("queue: nil broker")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}

	c := &Coordinator{
		b:       b,
		opts:    opts,
		log:     log.With(logx.String("comp", "queue")),
		queues:  map[string]*broker.Queue{},
		workers: map[string]*broker.Worker{},
	}
	for _, ch := range channel.Known() {
		q, err := b.Queue(ctx, ch.QueueName())
		if err != nil {
			return nil, fmt.Errorf("create queue %s: %w", ch.QueueName(), err)
		}
		c.queues[q.Name()] = q
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.log.Debug("queues ready", logx.Int("count", len(c.queues)), logx.String("driver", b.Driver()))
	return c, nil
}

func notFound(ch channel.Name) error {
	return fmt.Errorf("queue %s: %w", ch.QueueName(), ErrQueueNotFound)
}

// queueLocked returns the handle for ch. Callers hold mu.
func (c *Coordinator) queueLocked(ch channel.Name) (*broker.Queue, error) {
	if c.closed {
		return nil, notFound(ch)
	}
	q, ok := c.queues[ch.QueueName()]
	if !ok {
		return nil, notFound(ch)
	}
	return q, nil
}

// Queue exposes the broker queue behind ch (pause/resume, counts).
func (c *Coordinator) Queue(ch channel.Name) (*broker.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueLocked(ch)
}

// Enqueue puts rec on the queue for ch and returns the broker's job id.
// opts nil means the coordinator's default job options.
func (c *Coordinator) Enqueue(ctx context.Context, ch channel.Name, rec job.Record, opts *broker.JobOptions) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if rec.Channel != ch {
		return "", fmt.Errorf("%w: record for %q enqueued on %q", job.ErrInvalidRecord, rec.Channel, ch)
	}

	c.mu.Lock()
	q, err := c.queueLocked(ch)
	c.mu.Unlock()
	if err != nil {
		return "", err
	}

	data, err := rec.Marshal()
	if err != nil {
		return "", fmt.Errorf("encode job record: %w", err)
	}
	jo := c.opts.Job
	if opts != nil {
		jo = *opts
	}
	j, err := q.Add(ctx, ch.JobName(), data, jo)
	if errors.Is(err, broker.ErrQueueClosed) {
		return "", notFound(ch)
	}
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", ch.JobName(), err)
	}

	c.opts.Metrics.JobEnqueued(string(ch))
	c.publish(eventbus.TypeJobQueued, ch, rec.Adapter, j, nil)
	c.log.Debug("job queued", logx.String("queue", q.Name()), logx.String("job_id", j.ID))
	return j.ID, nil
}

// RegisterWorker binds h to the queue for ch and starts consuming. A second
// registration for the same channel is logged and ignored.
func (c *Coordinator) RegisterWorker(ch channel.Name, h Handler) error {
	if h == nil {
		return errors.New("queue: nil handler")
	}
	name := ch.WorkerName()

	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.queueLocked(ch)
	if err != nil {
		return err
	}
	if _, exists := c.workers[name]; exists {
		c.log.Warn("worker already registered", logx.String("worker", name))
		return nil
	}

	w := broker.NewWorker(q, name, c.processor(ch, h), broker.WorkerOptions{
		Concurrency:  c.opts.Concurrency,
		PollInterval: c.opts.PollInterval,
		RatePerSec:   c.opts.RatePerSec,
		Logger:       c.log,
	})
	c.observe(ch, w)
	if err := w.Start(c.ctx); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	c.workers[name] = w
	c.log.Info("worker registered", logx.String("worker", name), logx.Int("concurrency", c.opts.Concurrency))
	return nil
}

// HasWorker reports whether a worker is registered for ch.
func (c *Coordinator) HasWorker(ch channel.Name) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.workers[ch.WorkerName()]
	return ok
}

func (c *Coordinator) processor(ch channel.Name, h Handler) broker.Processor {
	return func(ctx context.Context, j *broker.Job) error {
		rec, err := job.Unmarshal(j.Data)
		if err != nil {
			return broker.NoRetry(err)
		}
		done := c.opts.Metrics.JobStarted(string(ch))
		defer done()
		return h(ctx, rec)
	}
}

// observe wires worker events to logs, metrics and the bus. The worker's
// listeners only report; the broker owns job state.
func (c *Coordinator) observe(ch channel.Name, w *broker.Worker) {
	adapterOf := func(j *broker.Job) channel.AdapterName {
		rec, err := job.Unmarshal(j.Data)
		if err != nil {
			return ""
		}
		return rec.Adapter
	}
	w.On(broker.EventCompleted, func(j *broker.Job, _ error) {
		c.log.Info("job completed", logx.String("worker", w.Name()), logx.String("job_id", j.ID), logx.Int("attempts", j.Attempts))
		c.opts.Metrics.JobSettled(string(ch), metrics.StatusCompleted)
		c.publish(eventbus.TypeJobCompleted, ch, adapterOf(j), j, nil)
	})
	w.On(broker.EventRetrying, func(j *broker.Job, err error) {
		c.log.Warn("job attempt failed", logx.String("worker", w.Name()), logx.String("job_id", j.ID), logx.Int("attempts", j.Attempts), logx.Int("max_attempts", j.MaxAttempts), logx.Err(err))
		c.opts.Metrics.JobSettled(string(ch), metrics.StatusRetrying)
		c.publish(eventbus.TypeJobRetrying, ch, adapterOf(j), j, err)
	})
	w.On(broker.EventFailed, func(j *broker.Job, err error) {
		c.log.Error("job failed", logx.String("worker", w.Name()), logx.String("job_id", j.ID), logx.Int("attempts", j.Attempts), logx.Err(err))
		c.opts.Metrics.JobSettled(string(ch), metrics.StatusFailed)
		c.publish(eventbus.TypeJobFailed, ch, adapterOf(j), j, err)
	})
}

func (c *Coordinator) publish(typ string, ch channel.Name, adapter channel.AdapterName, j *broker.Job, err error) {
	if c.opts.Bus == nil {
		return
	}
	ev := eventbus.JobEvent{
		Channel:  string(ch),
		Queue:    ch.QueueName(),
		JobID:    j.ID,
		Adapter:  string(adapter),
		Attempts: j.Attempts,
		At:       time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	c.opts.Bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// Counts samples every queue and refreshes the depth gauges.
func (c *Coordinator) Counts(ctx context.Context) (map[channel.Name]broker.Counts, error) {
	out := make(map[channel.Name]broker.Counts, len(channel.Known()))
	var errs []error
	for _, ch := range channel.Known() {
		q, err := c.Queue(ch)
		if err != nil {
			return nil, err
		}
		n, err := q.Counts(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", q.Name(), err))
			continue
		}
		out[ch] = n
		c.opts.Metrics.QueueDepth(string(ch), n.Waiting, n.Active, n.Completed, n.Failed)
	}
	return out, errors.Join(errs...)
}

// Prune removes finished jobs older than before from every queue.
func (c *Coordinator) Prune(ctx context.Context, before time.Time) (map[channel.Name]int, error) {
	out := make(map[channel.Name]int, len(channel.Known()))
	var errs []error
	for _, ch := range channel.Known() {
		q, err := c.Queue(ch)
		if err != nil {
			return nil, err
		}
		n, err := q.Prune(ctx, before)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", q.Name(), err))
			continue
		}
		out[ch] = n
		c.opts.Metrics.Pruned(string(ch), n)
	}
	return out, errors.Join(errs...)
}

// CloseAll stops intake, then closes every worker and queue concurrently.
// In-flight jobs drain until ctx ends; the ones still running then are
// canceled and returned to their queue. Every close error is reported.
//
// After CloseAll, Enqueue and RegisterWorker fail with ErrQueueNotFound.
func (c *Coordinator) CloseAll(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	workers := make([]*broker.Worker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	queues := make([]*broker.Queue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	c.workers = map[string]*broker.Worker{}
	c.queues = map[string]*broker.Queue{}
	c.mu.Unlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	collect := func(err error) {
		if err == nil {
			return
		}
		emu.Lock()
		errs = append(errs, err)
		emu.Unlock()
	}
	for _, w := range workers {
		wg.Add(1)
		go func(w *broker.Worker) {
			defer wg.Done()
			collect(w.Close(ctx))
		}(w)
	}
	for _, q := range queues {
		wg.Add(1)
		go func(q *broker.Queue) {
			defer wg.Done()
			if err := q.Close(); err != nil {
				collect(fmt.Errorf("close %s: %w", q.Name(), err))
			}
		}(q)
	}
	wg.Wait()
	c.cancel()

	err := errors.Join(errs...)
	if c.opts.Bus != nil {
		c.opts.Bus.Publish(eventbus.Event{Type: eventbus.TypeQueuesClosed})
	}
	if err != nil {
		c.log.Error("queues closed with errors", logx.Err(err))
	} else {
		c.log.Info("queues closed", logx.Int("workers", len(workers)), logx.Int("queues", len(queues)))
	}
	return err
}

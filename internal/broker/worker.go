package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "github.com/faiyaz032/notivox/internal/runtime/supervisor"
	logx "github.com/faiyaz032/notivox/pkg/logx"
)

// abortGrace bounds how long Close waits for canceled jobs to be released
// after its own deadline passed.
const abortGrace = 5 * time.Second

// EventKind names a worker lifecycle event.
type EventKind string

const (
	// EventCompleted fires after a job succeeded.
	EventCompleted EventKind = "completed"
	// EventRetrying fires after a failed attempt that will be retried.
	EventRetrying EventKind = "retrying"
	// EventFailed fires once a job has no attempts left.
	EventFailed EventKind = "failed"
)

// Listener observes worker events. err is nil for EventCompleted.
type Listener func(j *Job, err error)

// WorkerOptions tune a worker. Zero values get defaults.
type WorkerOptions struct {
	Concurrency  int           // default 10
	PollInterval time.Duration // max time one pickup blocks on the driver; default 1s
	RatePerSec   float64       // job starts per second across the worker; 0 disables
	Logger       logx.Logger
}

// Worker pulls jobs from one queue and runs a Processor on each.
type Worker struct {
	q    *Queue
	name string
	fn   Processor
	opts WorkerOptions
	log  logx.Logger

	limiter *rate.Limiter

	mu        sync.Mutex
	listeners map[EventKind][]Listener
	sup       *rtsup.Supervisor
	jobCtx    context.Context
	jobCancel context.CancelFunc
	stopped   bool
}

func NewWorker(q *Queue, name string, fn Processor, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Worker{
		q:         q,
		name:      name,
		fn:        fn,
		opts:      opts,
		log:       log.With(logx.String("worker", name), logx.String("queue", q.name)),
		listeners: map[EventKind][]Listener{},
	}
	if opts.RatePerSec > 0 {
		burst := int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return w
}

func (w *Worker) Name() string { return w.name }

// On registers a listener. Listeners run on the worker goroutine and must
// not block.
func (w *Worker) On(kind EventKind, fn Listener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners[kind] = append(w.listeners[kind], fn)
	w.mu.Unlock()
}

// Start launches Concurrency pickup loops. Canceling ctx stops pickup and
// aborts in-flight jobs; use Close for a graceful drain.
func (w *Worker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.mu.Lock()
	if w.sup != nil {
		w.mu.Unlock()
		return ErrWorkerRunning
	}
	if w.stopped {
		w.mu.Unlock()
		return ErrQueueClosed
	}
	w.jobCtx, w.jobCancel = context.WithCancel(context.WithoutCancel(ctx))
	w.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(w.log),
		rtsup.WithCancelOnError(false),
	)
	sup := w.sup
	w.mu.Unlock()

	go func() {
		<-sup.Context().Done()
		if ctx.Err() != nil {
			w.abortInflight()
		}
	}()

	for i := 0; i < w.opts.Concurrency; i++ {
		sup.GoRestart(fmt.Sprintf("%s.%d", w.name, i), func(c context.Context) error {
			err := w.loop(c)
			if c.Err() != nil || errors.Is(err, ErrClosed) {
				return context.Canceled
			}
			return err
		}, rtsup.WithPublishFirstError(true))
	}
	w.log.Debug("worker started", logx.Int("concurrency", w.opts.Concurrency))
	return nil
}

// Close stops pickup and waits for in-flight jobs to finish. When ctx ends
// first, in-flight jobs are canceled and put back on the queue.
func (w *Worker) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.mu.Lock()
	w.stopped = true
	sup := w.sup
	w.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	err := sup.Wait(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		w.abortInflight()
		// Aborted jobs are handed back by their own goroutines; give them
		// time to reach the driver before the caller closes it.
		gctx, cancel := context.WithTimeout(context.Background(), abortGrace)
		if werr := sup.Wait(gctx); errors.Is(werr, context.DeadlineExceeded) {
			w.log.Warn("aborted jobs did not settle", logx.Duration("grace", abortGrace))
		}
		cancel()
		return fmt.Errorf("worker %s drain: %w", w.name, err)
	}
	w.abortInflight()
	w.log.Debug("worker closed")
	return nil
}

func (w *Worker) abortInflight() {
	w.mu.Lock()
	cancel := w.jobCancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.q.gate.wait(ctx); err != nil {
			return err
		}
		j, err := w.q.b.st.pop(ctx, w.q.name, w.opts.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrClosed) {
				return err
			}
			w.log.Warn("job pickup failed", logx.Err(err))
			if !sleepOn(ctx, nil, w.opts.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if j == nil {
			continue
		}
		if w.q.gate.isPaused() {
			// Paused while this loop was blocked in pop.
			w.release(j)
			continue
		}
		w.run(j)
	}
}

func (w *Worker) run(j *Job) {
	w.mu.Lock()
	jobCtx := w.jobCtx
	w.mu.Unlock()

	if w.limiter != nil {
		if err := w.limiter.Wait(jobCtx); err != nil {
			w.release(j)
			return
		}
	}

	err := w.call(jobCtx, j)
	if err != nil && jobCtx.Err() != nil && errors.Is(err, context.Canceled) {
		// Aborted by shutdown: the attempt does not count.
		w.release(j)
		return
	}
	j.Attempts++
	if err == nil {
		w.settle(j, nil, false, 0)
		return
	}

	final, delay, ok := hintOf(err)
	if !ok {
		delay = j.Backoff
	}
	w.settle(j, err, !final && j.Attempts < j.MaxAttempts, delay)
}

func (w *Worker) call(ctx context.Context, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.fn(ctx, j)
}

// settle records the outcome on the driver. Driver writes use a fresh
// context so acks still land while the worker is being torn down.
func (w *Worker) settle(j *Job, procErr error, retry bool, delay time.Duration) {
	w.mu.Lock()
	jobCtx := w.jobCtx
	w.mu.Unlock()

	if procErr == nil {
		j.State = StateCompleted
		j.FinishedAt = time.Now()
		j.Err = ""
		if err := w.store(func(ctx context.Context) error { return w.q.b.st.complete(ctx, w.q.name, j) }); err != nil {
			w.log.Error("job ack failed", logx.String("job_id", j.ID), logx.Err(err))
		}
		w.emit(EventCompleted, j, nil)
		return
	}

	j.Err = procErr.Error()
	if retry {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-jobCtx.Done():
				t.Stop()
			}
		}
		j.State = StateQueued
		if err := w.store(func(ctx context.Context) error { return w.q.b.st.fail(ctx, w.q.name, j, true) }); err != nil {
			w.log.Error("job requeue failed", logx.String("job_id", j.ID), logx.Err(err))
		}
		w.emit(EventRetrying, j, procErr)
		return
	}

	j.State = StateFailed
	j.FinishedAt = time.Now()
	if err := w.store(func(ctx context.Context) error { return w.q.b.st.fail(ctx, w.q.name, j, false) }); err != nil {
		w.log.Error("job fail-mark failed", logx.String("job_id", j.ID), logx.Err(err))
	}
	w.emit(EventFailed, j, procErr)
}

// release returns j to the queue without touching its attempts.
func (w *Worker) release(j *Job) {
	if err := w.store(func(ctx context.Context) error { return w.q.b.st.release(ctx, w.q.name, j) }); err != nil {
		w.log.Error("job release failed", logx.String("job_id", j.ID), logx.Err(err))
		return
	}
	w.log.Debug("job released", logx.String("job_id", j.ID))
}

func (w *Worker) store(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fn(ctx)
}

func (w *Worker) emit(kind EventKind, j *Job, err error) {
	w.mu.Lock()
	ls := append([]Listener(nil), w.listeners[kind]...)
	w.mu.Unlock()
	for _, fn := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.log.Error("worker listener panicked", logx.String("event", string(kind)), logx.Any("panic", r))
				}
			}()
			fn(j.clone(), err)
		}()
	}
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drivers returns every broker this environment can open. Redis and AMQP are
// opt-in through NOTIVOX_TEST_REDIS_ADDR and NOTIVOX_TEST_AMQP_URL.
func drivers(t *testing.T) map[string]func(t *testing.T) *Broker {
	t.Helper()
	out := map[string]func(t *testing.T) *Broker{
		"memory": func(t *testing.T) *Broker { return NewMemory(testLogger()) },
		"sqlite": func(t *testing.T) *Broker {
			b, err := Open(context.Background(), Config{
				Driver: "sqlite",
				SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "jobs.db")},
			}, testLogger())
			require.NoError(t, err)
			return b
		},
	}
	if addr := os.Getenv("NOTIVOX_TEST_REDIS_ADDR"); addr != "" {
		out["redis"] = func(t *testing.T) *Broker {
			b, err := Open(context.Background(), Config{
				Driver: "redis",
				Redis:  RedisConfig{Addr: addr, Prefix: "notivox-test-" + time.Now().Format("150405.000000")},
			}, testLogger())
			if err != nil {
				t.Skipf("Redis not available: %v", err)
			}
			return b
		}
	}
	if url := os.Getenv("NOTIVOX_TEST_AMQP_URL"); url != "" {
		out["amqp"] = func(t *testing.T) *Broker {
			b, err := Open(context.Background(), Config{Driver: "amqp", AMQP: AMQPConfig{URL: url}}, testLogger())
			if err != nil {
				t.Skipf("RabbitMQ not available: %v", err)
			}
			return b
		}
	}
	return out
}

func uniqueQueue(t *testing.T) string {
	return "test-" + filepath.Base(t.Name()) + "-" + time.Now().Format("150405.000000000")
}

func TestWorkerProcessesJobsInOrder(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			b := open(t)
			defer func() { _ = b.Close() }()
			ctx := context.Background()

			q, err := b.Queue(ctx, uniqueQueue(t))
			require.NoError(t, err)

			for _, body := range []string{"a", "b", "c"} {
				_, err := q.Add(ctx, "test-job", []byte(body), JobOptions{})
				require.NoError(t, err)
			}

			var (
				mu  sync.Mutex
				got []string
			)
			done := make(chan struct{}, 3)
			w := NewWorker(q, "test-worker", func(_ context.Context, j *Job) error {
				mu.Lock()
				got = append(got, string(j.Data))
				mu.Unlock()
				return nil
			}, WorkerOptions{Concurrency: 1, PollInterval: 100 * time.Millisecond})
			w.On(EventCompleted, func(*Job, error) { done <- struct{}{} })
			require.NoError(t, w.Start(ctx))
			defer func() { _ = w.Close(context.Background()) }()

			for i := 0; i < 3; i++ {
				select {
				case <-done:
				case <-time.After(5 * time.Second):
					t.Fatalf("timed out waiting for job %d", i)
				}
			}
			mu.Lock()
			assert.Equal(t, []string{"a", "b", "c"}, got)
			mu.Unlock()

			require.Eventually(t, func() bool {
				c, err := q.Counts(ctx)
				return err == nil && c.Completed == 3 && c.Waiting == 0 && c.Active == 0
			}, 2*time.Second, 20*time.Millisecond)
		})
	}
}

func TestWorkerRetriesUntilAttemptsExhausted(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			b := open(t)
			defer func() { _ = b.Close() }()
			ctx := context.Background()

			q, err := b.Queue(ctx, uniqueQueue(t))
			require.NoError(t, err)
			_, err = q.Add(ctx, "flaky", []byte("x"), JobOptions{Attempts: 3, Backoff: 10 * time.Millisecond})
			require.NoError(t, err)

			var calls atomic.Int32
			failed := make(chan *Job, 1)
			w := NewWorker(q, "flaky-worker", func(context.Context, *Job) error {
				calls.Add(1)
				return errors.New("smtp unavailable")
			}, WorkerOptions{Concurrency: 2, PollInterval: 100 * time.Millisecond})
			w.On(EventFailed, func(j *Job, err error) {
				assert.Error(t, err)
				failed <- j
			})
			require.NoError(t, w.Start(ctx))
			defer func() { _ = w.Close(context.Background()) }()

			select {
			case j := <-failed:
				assert.Equal(t, 3, j.Attempts)
				assert.Equal(t, StateFailed, j.State)
				assert.Contains(t, j.Err, "smtp unavailable")
			case <-time.After(5 * time.Second):
				t.Fatal("job never failed")
			}
			assert.EqualValues(t, 3, calls.Load())
		})
	}
}

func TestNoRetryFailsImmediately(t *testing.T) {
	b := NewMemory(testLogger())
	defer func() { _ = b.Close() }()
	ctx := context.Background()
	q, err := b.Queue(ctx, "noretry")
	require.NoError(t, err)
	_, err = q.Add(ctx, "bad", []byte("x"), JobOptions{Attempts: 5})
	require.NoError(t, err)

	var calls atomic.Int32
	failed := make(chan *Job, 1)
	w := NewWorker(q, "w", func(context.Context, *Job) error {
		calls.Add(1)
		return NoRetry(errors.New("invalid address"))
	}, WorkerOptions{Concurrency: 1})
	w.On(EventFailed, func(j *Job, _ error) { failed <- j })
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Close(context.Background()) }()

	select {
	case j := <-failed:
		assert.Equal(t, 1, j.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("job never failed")
	}
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, IsNoRetry(fmtWrap(NoRetry(errors.New("x")))))
}

func fmtWrap(err error) error { return errors.Join(errors.New("outer"), err) }

func TestRetryHints(t *testing.T) {
	t.Parallel()
	base := errors.New("421 try later")

	final, _, ok := hintOf(base)
	assert.False(t, final)
	assert.False(t, ok)

	final, d, ok := hintOf(fmt.Errorf("send: %w", RetryAfter(base, 30*time.Second)))
	assert.False(t, final)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	_, d, _ = hintOf(RetryAfter(RetryAfter(base, time.Minute), time.Second))
	assert.Equal(t, time.Second, d)

	_, d, _ = hintOf(RetryAfter(base, -time.Second))
	assert.Zero(t, d)

	err := NoRetry(RetryAfter(base, time.Second))
	assert.True(t, IsNoRetry(err))
	assert.ErrorIs(t, err, base)
	assert.Nil(t, NoRetry(nil))
	assert.Nil(t, RetryAfter(nil, time.Second))
}

func TestPauseHoldsJobsUntilResume(t *testing.T) {
	b := NewMemory(testLogger())
	defer func() { _ = b.Close() }()
	ctx := context.Background()
	q, err := b.Queue(ctx, "paused")
	require.NoError(t, err)

	var calls atomic.Int32
	w := NewWorker(q, "w", func(context.Context, *Job) error {
		calls.Add(1)
		return nil
	}, WorkerOptions{Concurrency: 1, PollInterval: 50 * time.Millisecond})
	q.Pause()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Close(context.Background()) }()

	_, err = q.Add(ctx, "j", []byte("x"), JobOptions{})
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 0, calls.Load())
	c, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Waiting)

	q.Resume()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseDrainsInFlightJob(t *testing.T) {
	b := NewMemory(testLogger())
	defer func() { _ = b.Close() }()
	ctx := context.Background()
	q, err := b.Queue(ctx, "drain")
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	w := NewWorker(q, "w", func(ctx context.Context, _ *Job) error {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		finished.Store(true)
		return nil
	}, WorkerOptions{Concurrency: 1, PollInterval: 50 * time.Millisecond})
	require.NoError(t, w.Start(ctx))

	_, err = q.Add(ctx, "slow", nil, JobOptions{})
	require.NoError(t, err)
	<-started

	closed := make(chan error, 1)
	go func() { closed <- w.Close(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
	assert.True(t, finished.Load())
}

func TestCloseDeadlineRequeuesInFlightJob(t *testing.T) {
	b := NewMemory(testLogger())
	defer func() { _ = b.Close() }()
	ctx := context.Background()
	q, err := b.Queue(ctx, "abort")
	require.NoError(t, err)

	started := make(chan struct{})
	w := NewWorker(q, "w", func(ctx context.Context, _ *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, WorkerOptions{Concurrency: 1, PollInterval: 50 * time.Millisecond})
	require.NoError(t, w.Start(ctx))

	_, err = q.Add(ctx, "stuck", nil, JobOptions{})
	require.NoError(t, err)
	<-started

	cctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Close(cctx), context.DeadlineExceeded)

	// Close only returns once the aborted job is back, so closing the
	// broker right after cannot strand it.
	c, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Waiting)
	assert.Zero(t, c.Active)
	assert.Zero(t, c.Failed)

	j, err := b.st.pop(ctx, q.Name(), time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Zero(t, j.Attempts)
}

func TestPauseAfterStartHoldsNewJobs(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			b := open(t)
			defer func() { _ = b.Close() }()
			ctx := context.Background()
			q, err := b.Queue(ctx, uniqueQueue(t))
			require.NoError(t, err)

			var processed atomic.Int32
			w := NewWorker(q, "w", func(context.Context, *Job) error {
				processed.Add(1)
				return nil
			}, WorkerOptions{Concurrency: 3, PollInterval: 200 * time.Millisecond})
			require.NoError(t, w.Start(ctx))
			defer func() { _ = w.Close(context.Background()) }()

			// Let every loop block inside the driver before pausing.
			time.Sleep(50 * time.Millisecond)
			q.Pause()
			_, err = q.Add(ctx, "held", []byte("x"), JobOptions{Attempts: 2})
			require.NoError(t, err)

			time.Sleep(400 * time.Millisecond)
			assert.Zero(t, processed.Load())
			require.Eventually(t, func() bool {
				c, err := q.Counts(ctx)
				return err == nil && c.Waiting == 1 && c.Active == 0
			}, 2*time.Second, 10*time.Millisecond)

			q.Resume()
			require.Eventually(t, func() bool { return processed.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
		})
	}
}

func TestReleaseKeepsPositionAndAttempts(t *testing.T) {
	b := NewMemory(testLogger())
	defer func() { _ = b.Close() }()
	ctx := context.Background()
	q, err := b.Queue(ctx, "release")
	require.NoError(t, err)
	for _, body := range []string{"first", "second"} {
		_, err := q.Add(ctx, "j", []byte(body), JobOptions{Attempts: 3})
		require.NoError(t, err)
	}

	j, err := b.st.pop(ctx, q.Name(), time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.NoError(t, b.st.release(ctx, q.Name(), j))

	again, err := b.st.pop(ctx, q.Name(), time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "first", string(again.Data))
	assert.Zero(t, again.Attempts)
}

func TestClosedQueueRejectsAdd(t *testing.T) {
	b := NewMemory(testLogger())
	ctx := context.Background()
	q, err := b.Queue(ctx, "closing")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = q.Add(ctx, "late", nil, JobOptions{})
	assert.ErrorIs(t, err, ErrQueueClosed)
	_, err = b.Queue(ctx, "other")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPruneDropsOldFinishedJobs(t *testing.T) {
	for name, open := range drivers(t) {
		if name == "amqp" {
			continue
		}
		open := open
		t.Run(name, func(t *testing.T) {
			b := open(t)
			defer func() { _ = b.Close() }()
			ctx := context.Background()
			q, err := b.Queue(ctx, uniqueQueue(t))
			require.NoError(t, err)
			_, err = q.Add(ctx, "j", []byte("x"), JobOptions{})
			require.NoError(t, err)

			done := make(chan struct{}, 1)
			w := NewWorker(q, "w", func(context.Context, *Job) error { return nil }, WorkerOptions{Concurrency: 1, PollInterval: 100 * time.Millisecond})
			w.On(EventCompleted, func(*Job, error) { done <- struct{}{} })
			require.NoError(t, w.Start(ctx))
			<-done
			require.NoError(t, w.Close(context.Background()))

			n, err := q.Prune(ctx, time.Now().Add(-time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			n, err = q.Prune(ctx, time.Now().Add(time.Second))
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			c, err := q.Counts(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 0, c.Completed)
		})
	}
}

func TestSQLiteRecoversActiveJobsOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()
	cfg := Config{Driver: "sqlite", SQLite: SQLiteConfig{Path: path}}

	b, err := Open(ctx, cfg, testLogger())
	require.NoError(t, err)
	q, err := b.Queue(ctx, "email-queue")
	require.NoError(t, err)
	_, err = q.Add(ctx, "email-job", []byte(`{"to":"a@b.c"}`), JobOptions{})
	require.NoError(t, err)
	j, err := b.st.pop(ctx, "email-queue", 0)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.NoError(t, b.Close())

	b, err = Open(ctx, cfg, testLogger())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	q, err = b.Queue(ctx, "email-queue")
	require.NoError(t, err)
	c, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Waiting)
	assert.EqualValues(t, 0, c.Active)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "kafka"}, testLogger())
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestRedisRecoversJobsOfDeadOwner(t *testing.T) {
	addr := os.Getenv("NOTIVOX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NOTIVOX_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	st, err := openRedis(ctx, RedisConfig{Addr: addr, Prefix: "notivox-test-" + time.Now().Format("150405.000000")})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer func() { _ = st.close() }()
	queue := uniqueQueue(t)

	j := &Job{Name: "j", Data: []byte("x"), MaxAttempts: 1, EnqueuedAt: time.Now()}
	require.NoError(t, st.push(ctx, queue, j))
	// A process that died between BLMOVE and finishing the job.
	dead := "dead-owner"
	require.NoError(t, st.rdb.LMove(ctx, st.key(queue, "wait"), st.activeKey(queue, dead), "RIGHT", "LEFT").Err())
	require.NoError(t, st.rdb.ZAdd(ctx, st.key(queue, "owners"), redisZ(dead, time.Now().Add(-2*leaseTTL))).Err())

	require.NoError(t, st.ensure(ctx, queue))

	c, err := st.counts(ctx, queue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Waiting)
	assert.Zero(t, c.Active)
	got, err := st.pop(ctx, queue, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)
}

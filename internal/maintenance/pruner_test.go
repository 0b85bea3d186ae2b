package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faiyaz032/notivox/internal/broker"
	"github.com/faiyaz032/notivox/internal/channel"
	"github.com/faiyaz032/notivox/internal/job"
	"github.com/faiyaz032/notivox/internal/queue"
	logx "github.com/faiyaz032/notivox/pkg/logx"
)

type fakeTarget struct {
	mu     sync.Mutex
	before []time.Time
	calls  atomic.Int32
	err    error
}

func (f *fakeTarget) Prune(_ context.Context, before time.Time) (map[channel.Name]int, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.before = append(f.before, before)
	f.mu.Unlock()
	return map[channel.Name]int{channel.Email: 2, channel.SMS: 1}, f.err
}

func TestParseSchedule(t *testing.T) {
	for _, ok := range []string{"@hourly", "*/5 * * * *", "0 */10 * * * *", "@every 1m"} {
		_, err := ParseSchedule(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "every tuesday", "61 * * * *"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func TestRunOnceUsesRetentionWindow(t *testing.T) {
	tgt := &fakeTarget{}
	p, err := New(tgt, Options{Schedule: "@daily", Retention: time.Hour})
	require.NoError(t, err)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, tgt.before, 1)
	assert.Equal(t, fixed.Add(-time.Hour), tgt.before[0])
}

func TestRunOnceReportsPartialFailure(t *testing.T) {
	tgt := &fakeTarget{err: errors.New("sms-queue: gone")}
	p, err := New(tgt, Options{Schedule: "@daily"})
	require.NoError(t, err)

	n, err := p.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 3, n)
}

func TestStartRunsOnSchedule(t *testing.T) {
	tgt := &fakeTarget{}
	p, err := New(tgt, Options{Schedule: "@every 1s", Logger: logx.Nop()})
	require.NoError(t, err)

	p.Start(context.Background())
	defer p.Stop(context.Background())
	require.Eventually(t, func() bool { return tgt.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(nil, Options{Schedule: "@daily"})
	assert.Error(t, err)
	_, err = New(&fakeTarget{}, Options{Schedule: "whenever"})
	assert.Error(t, err)
}

func TestPrunesCoordinatorQueues(t *testing.T) {
	b := broker.NewMemory(logx.Nop())
	c, err := queue.New(context.Background(), b, queue.Options{PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer func() {
		_ = c.CloseAll(context.Background())
		_ = b.Close()
	}()

	done := make(chan struct{}, 1)
	require.NoError(t, c.RegisterWorker(channel.Email, func(context.Context, job.Record) error {
		done <- struct{}{}
		return nil
	}))
	rec, err := job.New(channel.Email, channel.Nodemailer, map[string]string{"to": "y@b.com"})
	require.NoError(t, err)
	_, err = c.Enqueue(context.Background(), channel.Email, rec, nil)
	require.NoError(t, err)
	<-done

	p, err := New(c, Options{Schedule: "@daily", Retention: time.Nanosecond})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		counts, err := c.Counts(context.Background())
		return err == nil && counts[channel.Email].Completed == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

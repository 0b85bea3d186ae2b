package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRestartRecoversFromPanic(t *testing.T) {
	sup := NewSupervisor(context.Background())
	var runs atomic.Int32
	sup.GoRestart("loop", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sup.Stop(context.Background()))
	c := sup.Counters()
	assert.EqualValues(t, 1, c.Panics)
	assert.EqualValues(t, 1, c.Restarts)
	assert.EqualValues(t, 0, c.Active)
}

func TestGoRestartGivesUp(t *testing.T) {
	sup := NewSupervisor(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(context.Context) error {
		runs.Add(1)
		return errors.New("down")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.EqualValues(t, 3, runs.Load())
}

func TestCancelOnError(t *testing.T) {
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	sup.Go("fails", func(context.Context) error { return errors.New("fatal") })
	sup.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorContains(t, sup.Wait(ctx), "fatal")
}

func TestWaitHonorsDeadline(t *testing.T) {
	sup := NewSupervisor(context.Background())
	block := make(chan struct{})
	defer close(block)
	sup.Go("stuck", func(context.Context) error {
		<-block
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sup.Wait(ctx), context.DeadlineExceeded)
}

func TestRestartDelayDoublesUpToCap(t *testing.T) {
	p := policy{minBackoff: 100 * time.Millisecond, maxBackoff: time.Second}
	within := func(n int, base time.Duration) {
		d := p.delay(n)
		assert.GreaterOrEqual(t, d, base, "restart %d", n)
		assert.LessOrEqual(t, d, base+base/5, "restart %d", n)
	}
	within(1, 100*time.Millisecond)
	within(2, 200*time.Millisecond)
	within(4, 800*time.Millisecond)
	within(9, time.Second)
}

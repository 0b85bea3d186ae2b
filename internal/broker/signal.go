package broker

import (
	"context"
	"sync"
	"time"
)

// signal wakes every waiter on notify. The channel is closed and replaced,
// so a waiter never misses a notify that happens after it read the channel.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch
}

func (s *signal) notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// sleepOn waits for ch, ctx or d, whichever comes first. It reports false
// only when ctx ended.
func sleepOn(ctx context.Context, ch <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-ch:
	case <-t.C:
	}
	return true
}

package broker

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memQueue struct {
	waiting  []*Job
	active   map[string]*Job
	finished map[string]*Job
	ready    *signal
}

type memoryStore struct {
	mu     sync.Mutex
	seq    uint64
	queues map[string]*memQueue
	closed bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{queues: map[string]*memQueue{}}
}

// queueLocked must be called with mu held.
func (s *memoryStore) queueLocked(name string) *memQueue {
	q := s.queues[name]
	if q == nil {
		q = &memQueue{
			active:   map[string]*Job{},
			finished: map[string]*Job{},
			ready:    newSignal(),
		}
		s.queues[name] = q
	}
	return q
}

func (s *memoryStore) ensure(_ context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.queueLocked(queue)
	return nil
}

func (s *memoryStore) push(_ context.Context, queue string, j *Job) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.seq++
	j.ID = strconv.FormatUint(s.seq, 10)
	q := s.queueLocked(queue)
	q.waiting = append(q.waiting, j.clone())
	ready := q.ready
	s.mu.Unlock()

	ready.notify()
	return nil
}

func (s *memoryStore) pop(ctx context.Context, queue string, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		q := s.queueLocked(queue)
		if len(q.waiting) > 0 {
			j := q.waiting[0]
			q.waiting[0] = nil
			q.waiting = q.waiting[1:]
			j.State = StateActive
			q.active[j.ID] = j
			s.mu.Unlock()
			return j.clone(), nil
		}
		ch := q.ready.wait()
		s.mu.Unlock()

		left := time.Until(deadline)
		if left <= 0 {
			return nil, nil
		}
		if !sleepOn(ctx, ch, left) {
			return nil, ctx.Err()
		}
	}
}

func (s *memoryStore) complete(_ context.Context, queue string, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queueLocked(queue)
	delete(q.active, j.ID)
	cp := j.clone()
	cp.State = StateCompleted
	q.finished[j.ID] = cp
	return nil
}

func (s *memoryStore) fail(_ context.Context, queue string, j *Job, retry bool) error {
	s.mu.Lock()
	q := s.queueLocked(queue)
	delete(q.active, j.ID)
	cp := j.clone()
	if !retry {
		cp.State = StateFailed
		q.finished[j.ID] = cp
		s.mu.Unlock()
		return nil
	}
	cp.State = StateQueued
	q.waiting = append(q.waiting, cp)
	ready := q.ready
	s.mu.Unlock()

	ready.notify()
	return nil
}

func (s *memoryStore) release(_ context.Context, queue string, j *Job) error {
	s.mu.Lock()
	q := s.queueLocked(queue)
	cur, ok := q.active[j.ID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(q.active, j.ID)
	cur.State = StateQueued
	q.waiting = append([]*Job{cur}, q.waiting...)
	ready := q.ready
	s.mu.Unlock()

	ready.notify()
	return nil
}

func (s *memoryStore) counts(_ context.Context, queue string) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queueLocked(queue)
	c := Counts{
		Waiting: int64(len(q.waiting)),
		Active:  int64(len(q.active)),
	}
	for _, j := range q.finished {
		if j.State == StateCompleted {
			c.Completed++
		} else {
			c.Failed++
		}
	}
	return c, nil
}

func (s *memoryStore) prune(_ context.Context, queue string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queueLocked(queue)
	n := 0
	for id, j := range q.finished {
		if j.FinishedAt.Before(before) {
			delete(q.finished, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sigs := make([]*signal, 0, len(s.queues))
	for _, q := range s.queues {
		sigs = append(sigs, q.ready)
	}
	s.mu.Unlock()

	for _, sig := range sigs {
		sig.notify()
	}
	return nil
}

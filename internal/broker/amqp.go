package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	hdrAttempts    = "x-notivox-attempts"
	hdrMaxAttempts = "x-notivox-max-attempts"
	hdrBackoffMS   = "x-notivox-backoff-ms"
	hdrEnqueuedAt  = "x-notivox-enqueued-at"

	amqpPollStep = 250 * time.Millisecond
)

// amqpStore maps each queue onto a durable RabbitMQ queue on the default
// exchange. Retries are republished with a bumped attempt header and the
// original delivery acked. Finished jobs are not retained by RabbitMQ, so
// completed/failed counts are per process and Prune is a no-op.
type amqpStore struct {
	conn *amqp.Connection

	mu sync.Mutex // amqp.Channel is not safe for concurrent publish+get
	ch *amqp.Channel

	imu      sync.Mutex
	inflight map[string]amqp.Delivery
	stats    map[string]*amqpStats

	closed atomic.Bool
}

type amqpStats struct {
	completed atomic.Int64
	failed    atomic.Int64
}

func openAMQP(cfg AMQPConfig) (*amqpStore, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &amqpStore{
		conn:     conn,
		ch:       ch,
		inflight: map[string]amqp.Delivery{},
		stats:    map[string]*amqpStats{},
	}, nil
}

func (s *amqpStore) statsFor(queue string) *amqpStats {
	s.imu.Lock()
	defer s.imu.Unlock()
	st := s.stats[queue]
	if st == nil {
		st = &amqpStats{}
		s.stats[queue] = st
	}
	return st
}

func (s *amqpStore) ensure(_ context.Context, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.ch.QueueDeclare(queue, true, false, false, false, nil)
	return err
}

func (s *amqpStore) push(ctx context.Context, queue string, j *Job) error {
	if s.closed.Load() {
		return ErrClosed
	}
	j.ID = uuid.NewString()
	return s.publish(ctx, queue, j)
}

func (s *amqpStore) publish(ctx context.Context, queue string, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    j.ID,
		Type:         j.Name,
		Timestamp:    j.EnqueuedAt,
		Body:         j.Data,
		Headers: amqp.Table{
			hdrAttempts:    int64(j.Attempts),
			hdrMaxAttempts: int64(j.MaxAttempts),
			hdrBackoffMS:   j.Backoff.Milliseconds(),
			hdrEnqueuedAt:  j.EnqueuedAt.UnixMilli(),
		},
	})
}

func (s *amqpStore) pop(ctx context.Context, queue string, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	for {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		s.mu.Lock()
		d, ok, err := s.ch.Get(queue, false)
		s.mu.Unlock()
		if err != nil {
			if s.closed.Load() || errors.Is(err, amqp.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, err
		}
		if ok {
			j := jobFromDelivery(queue, d)
			s.imu.Lock()
			s.inflight[j.ID] = d
			s.imu.Unlock()
			return j, nil
		}
		left := time.Until(deadline)
		if left <= 0 {
			return nil, nil
		}
		if !sleepOn(ctx, nil, min(left, amqpPollStep)) {
			return nil, ctx.Err()
		}
	}
}

func jobFromDelivery(queue string, d amqp.Delivery) *Job {
	id := d.MessageId
	if id == "" {
		id = uuid.NewString()
	}
	enq := d.Timestamp
	if ms := headerInt(d.Headers, hdrEnqueuedAt); ms > 0 {
		enq = time.UnixMilli(ms)
	}
	maxAttempts := int(headerInt(d.Headers, hdrMaxAttempts))
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Job{
		ID:          id,
		Name:        d.Type,
		Queue:       queue,
		Data:        d.Body,
		Attempts:    int(headerInt(d.Headers, hdrAttempts)),
		MaxAttempts: maxAttempts,
		Backoff:     time.Duration(headerInt(d.Headers, hdrBackoffMS)) * time.Millisecond,
		State:       StateActive,
		EnqueuedAt:  enq,
	}
}

// headerInt reads an integer header whatever width the server decoded it as.
func headerInt(t amqp.Table, key string) int64 {
	switch v := t[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int16:
		return int64(v)
	case int8:
		return int64(v)
	case int:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func (s *amqpStore) take(id string) (amqp.Delivery, bool) {
	s.imu.Lock()
	defer s.imu.Unlock()
	d, ok := s.inflight[id]
	delete(s.inflight, id)
	return d, ok
}

func (s *amqpStore) complete(_ context.Context, queue string, j *Job) error {
	d, ok := s.take(j.ID)
	if !ok {
		return nil
	}
	s.statsFor(queue).completed.Add(1)
	return d.Ack(false)
}

func (s *amqpStore) fail(ctx context.Context, queue string, j *Job, retry bool) error {
	d, ok := s.take(j.ID)
	if !ok {
		return nil
	}
	if !retry {
		s.statsFor(queue).failed.Add(1)
		return d.Ack(false)
	}
	if err := s.publish(ctx, queue, j); err != nil {
		// Let the server redeliver the original.
		_ = d.Nack(false, true)
		return err
	}
	return d.Ack(false)
}

// release nacks with requeue; RabbitMQ keeps the message's position.
func (s *amqpStore) release(_ context.Context, _ string, j *Job) error {
	d, ok := s.take(j.ID)
	if !ok {
		return nil
	}
	return d.Nack(false, true)
}

func (s *amqpStore) counts(_ context.Context, queue string) (Counts, error) {
	s.mu.Lock()
	q, err := s.ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	s.mu.Unlock()
	if err != nil {
		return Counts{}, err
	}
	st := s.statsFor(queue)
	s.imu.Lock()
	var active int64
	for _, d := range s.inflight {
		if d.RoutingKey == queue {
			active++
		}
	}
	s.imu.Unlock()
	return Counts{
		Waiting:   int64(q.Messages),
		Active:    active,
		Completed: st.completed.Load(),
		Failed:    st.failed.Load(),
	}, nil
}

func (s *amqpStore) prune(context.Context, string, time.Time) (int, error) { return 0, nil }

func (s *amqpStore) close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	chErr := s.ch.Close()
	s.mu.Unlock()
	return errors.Join(chErr, s.conn.Close())
}

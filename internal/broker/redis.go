package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisStore keeps each job in a hash and moves its ID between lists:
//
//	{prefix}:{queue}:id              counter
//	{prefix}:{queue}:job:{id}        hash
//	{prefix}:{queue}:wait            list, LPUSH in / BLMOVE RIGHT out
//	{prefix}:{queue}:active:{owner}  list per process
//	{prefix}:{queue}:owners          zset of owners scored by last heartbeat (ms)
//	{prefix}:{queue}:completed       zset scored by finish time (ms)
//	{prefix}:{queue}:failed          zset scored by finish time (ms)
//
// An owner whose heartbeat is older than leaseTTL is presumed dead and its
// active IDs go back to the head of :wait.
type redisStore struct {
	rdb    *redis.Client
	prefix string
	owner  string

	mu        sync.Mutex
	touched   map[string]time.Time // queue -> last stale-owner sweep
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

const (
	leaseTTL     = time.Minute
	leaseRefresh = 10 * time.Second
	sweepEvery   = 30 * time.Second
)

func openRedis(ctx context.Context, cfg RedisConfig) (*redisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "notivox"
	}
	s := &redisStore{
		rdb:     rdb,
		prefix:  prefix,
		owner:   uuid.NewString(),
		touched: map[string]time.Time{},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.heartbeat()
	return s, nil
}

func (s *redisStore) key(queue, part string) string {
	return s.prefix + ":" + queue + ":" + part
}

func (s *redisStore) jobKey(queue, id string) string {
	return s.key(queue, "job:"+id)
}

func (s *redisStore) activeKey(queue, owner string) string {
	return s.key(queue, "active:"+owner)
}

// ensure registers this process as an owner on queue and sweeps IDs left
// behind by dead owners.
func (s *redisStore) ensure(ctx context.Context, queue string) error {
	if err := s.beat(ctx, queue); err != nil {
		return err
	}
	s.mu.Lock()
	s.touched[queue] = time.Now()
	s.mu.Unlock()
	_, err := s.recoverStale(ctx, queue)
	return err
}

func (s *redisStore) beat(ctx context.Context, queue string) error {
	return s.rdb.ZAdd(ctx, s.key(queue, "owners"), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: s.owner,
	}).Err()
}

func (s *redisStore) heartbeat() {
	defer close(s.done)
	t := time.NewTicker(leaseRefresh)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
		}
		s.mu.Lock()
		queues := make([]string, 0, len(s.touched))
		due := make([]string, 0)
		now := time.Now()
		for q, last := range s.touched {
			queues = append(queues, q)
			if now.Sub(last) >= sweepEvery {
				s.touched[q] = now
				due = append(due, q)
			}
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), leaseRefresh)
		for _, q := range queues {
			_ = s.beat(ctx, q)
		}
		for _, q := range due {
			_, _ = s.recoverStale(ctx, q)
		}
		cancel()
	}
}

// recoverStale moves the active IDs of owners whose lease expired back to
// the pickup end of :wait and forgets those owners.
func (s *redisStore) recoverStale(ctx context.Context, queue string) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-leaseTTL).UnixMilli(), 10)
	owners, err := s.rdb.ZRangeByScore(ctx, s.key(queue, "owners"), &redis.ZRangeBy{Min: "-inf", Max: "(" + cutoff}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, owner := range owners {
		if owner == s.owner {
			continue
		}
		src := s.activeKey(queue, owner)
		for {
			id, err := s.rdb.LMove(ctx, src, s.key(queue, "wait"), "LEFT", "RIGHT").Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return moved, err
			}
			if err := s.rdb.HSet(ctx, s.jobKey(queue, id), "state", string(StateQueued)).Err(); err != nil {
				return moved, err
			}
			moved++
		}
		if err := s.rdb.ZRem(ctx, s.key(queue, "owners"), owner).Err(); err != nil {
			return moved, err
		}
	}
	return moved, nil
}

func (s *redisStore) push(ctx context.Context, queue string, j *Job) error {
	n, err := s.rdb.Incr(ctx, s.key(queue, "id")).Result()
	if err != nil {
		return err
	}
	j.ID = strconv.FormatInt(n, 10)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(queue, j.ID), map[string]any{
			"name":         j.Name,
			"data":         j.Data,
			"state":        string(StateQueued),
			"attempts":     j.Attempts,
			"max_attempts": j.MaxAttempts,
			"backoff_ms":   j.Backoff.Milliseconds(),
			"enqueued_at":  j.EnqueuedAt.UnixMilli(),
		})
		pipe.LPush(ctx, s.key(queue, "wait"), j.ID)
		return nil
	})
	return err
}

func (s *redisStore) pop(ctx context.Context, queue string, wait time.Duration) (*Job, error) {
	if wait < time.Second {
		// BLMOVE timeouts below a second are rounded by older servers.
		wait = time.Second
	}
	active := s.activeKey(queue, s.owner)
	id, err := s.rdb.BLMove(ctx, s.key(queue, "wait"), active, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	key := s.jobKey(queue, id)
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		// Pruned or lost hash: drop the dangling ID.
		_ = s.rdb.LRem(ctx, active, 1, id).Err()
		return nil, nil
	}
	if err := s.rdb.HSet(ctx, key, "state", string(StateActive)).Err(); err != nil {
		return nil, err
	}
	j := decodeRedisJob(queue, id, fields)
	j.State = StateActive
	return j, nil
}

func decodeRedisJob(queue, id string, f map[string]string) *Job {
	atoi := func(k string) int64 {
		n, _ := strconv.ParseInt(f[k], 10, 64)
		return n
	}
	j := &Job{
		ID:          id,
		Name:        f["name"],
		Queue:       queue,
		Data:        []byte(f["data"]),
		Attempts:    int(atoi("attempts")),
		MaxAttempts: int(atoi("max_attempts")),
		Backoff:     time.Duration(atoi("backoff_ms")) * time.Millisecond,
		State:       State(f["state"]),
		EnqueuedAt:  time.UnixMilli(atoi("enqueued_at")),
		Err:         f["err"],
	}
	if ms := atoi("finished_at"); ms > 0 {
		j.FinishedAt = time.UnixMilli(ms)
	}
	return j
}

func (s *redisStore) complete(ctx context.Context, queue string, j *Job) error {
	return s.finish(ctx, queue, j, "completed", StateCompleted)
}

func (s *redisStore) fail(ctx context.Context, queue string, j *Job, retry bool) error {
	if !retry {
		return s.finish(ctx, queue, j, "failed", StateFailed)
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.activeKey(queue, s.owner), 1, j.ID)
		pipe.HSet(ctx, s.jobKey(queue, j.ID), map[string]any{
			"state":    string(StateQueued),
			"attempts": j.Attempts,
			"err":      j.Err,
		})
		pipe.LPush(ctx, s.key(queue, "wait"), j.ID)
		return nil
	})
	return err
}

// release puts j back at the pickup end of :wait as it was.
func (s *redisStore) release(ctx context.Context, queue string, j *Job) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.activeKey(queue, s.owner), 1, j.ID)
		pipe.HSet(ctx, s.jobKey(queue, j.ID), "state", string(StateQueued))
		pipe.RPush(ctx, s.key(queue, "wait"), j.ID)
		return nil
	})
	return err
}

func (s *redisStore) finish(ctx context.Context, queue string, j *Job, set string, st State) error {
	at := j.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.activeKey(queue, s.owner), 1, j.ID)
		pipe.HSet(ctx, s.jobKey(queue, j.ID), map[string]any{
			"state":       string(st),
			"attempts":    j.Attempts,
			"err":         j.Err,
			"finished_at": at.UnixMilli(),
		})
		pipe.ZAdd(ctx, s.key(queue, set), redis.Z{Score: float64(at.UnixMilli()), Member: j.ID})
		return nil
	})
	return err
}

func (s *redisStore) counts(ctx context.Context, queue string) (Counts, error) {
	owners, err := s.rdb.ZRange(ctx, s.key(queue, "owners"), 0, -1).Result()
	if err != nil {
		return Counts{}, err
	}
	pipe := s.rdb.Pipeline()
	wait := pipe.LLen(ctx, s.key(queue, "wait"))
	lens := make([]*redis.IntCmd, 0, len(owners))
	for _, o := range owners {
		lens = append(lens, pipe.LLen(ctx, s.activeKey(queue, o)))
	}
	completed := pipe.ZCard(ctx, s.key(queue, "completed"))
	failed := pipe.ZCard(ctx, s.key(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	var active int64
	for _, n := range lens {
		active += n.Val()
	}
	return Counts{
		Waiting:   wait.Val(),
		Active:    active,
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (s *redisStore) prune(ctx context.Context, queue string, before time.Time) (int, error) {
	upper := strconv.FormatInt(before.UnixMilli()-1, 10)
	total := 0
	for _, set := range []string{"completed", "failed"} {
		zkey := s.key(queue, set)
		ids, err := s.rdb.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			continue
		}
		keys := make([]string, 0, len(ids))
		for _, id := range ids {
			keys = append(keys, s.jobKey(queue, id))
		}
		members := make([]any, 0, len(ids))
		for _, id := range ids {
			members = append(members, id)
		}
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			pipe.ZRem(ctx, zkey, members...)
			return nil
		})
		if err != nil {
			return total, err
		}
		total += len(ids)
	}
	return total, nil
}

// close stops the heartbeat. An owner with nothing active is removed right
// away; otherwise its lease runs out and another process recovers the IDs.
func (s *redisStore) close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.mu.Lock()
		queues := make([]string, 0, len(s.touched))
		for q := range s.touched {
			queues = append(queues, q)
		}
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, q := range queues {
			if n, err := s.rdb.LLen(ctx, s.activeKey(q, s.owner)).Result(); err == nil && n == 0 {
				_ = s.rdb.ZRem(ctx, s.key(q, "owners"), s.owner).Err()
			}
		}
	})
	return s.rdb.Close()
}

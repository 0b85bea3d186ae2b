package broker

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

// sqlitePollStep bounds how long a pickup sleeps between empty selects when
// another process may be writing to the same file.
const sqlitePollStep = 200 * time.Millisecond

type sqliteStore struct {
	db     *sql.DB
	closed atomic.Bool

	mu      sync.Mutex
	signals map[string]*signal
}

func openSQLite(ctx context.Context, cfg SQLiteConfig) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; pickups serialize through this conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	// Jobs left active by a previous run of this process go back to the queue.
	if _, err := db.ExecContext(ctx, `UPDATE jobs SET state = ? WHERE state = ?`, string(StateQueued), string(StateActive)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recover active jobs: %w", err)
	}
	return &sqliteStore{db: db, signals: map[string]*signal{}}, nil
}

func (s *sqliteStore) signal(queue string) *signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig := s.signals[queue]
	if sig == nil {
		sig = newSignal()
		s.signals[queue] = sig
	}
	return sig
}

func (s *sqliteStore) ensure(context.Context, string) error { return nil }

func (s *sqliteStore) push(ctx context.Context, queue string, j *Job) error {
	if s.closed.Load() {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(queue, name, data, state, attempts, max_attempts, backoff_ms, enqueued_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		queue, j.Name, j.Data, string(StateQueued), j.Attempts, j.MaxAttempts, j.Backoff.Milliseconds(), j.EnqueuedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	j.ID = strconv.FormatInt(id, 10)
	s.signal(queue).notify()
	return nil
}

func (s *sqliteStore) pop(ctx context.Context, queue string, wait time.Duration) (*Job, error) {
	deadline := time.Now().Add(wait)
	sig := s.signal(queue)
	for {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		ch := sig.wait()
		j, err := s.claim(ctx, queue)
		if err != nil || j != nil {
			return j, err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return nil, nil
		}
		if !sleepOn(ctx, ch, min(left, sqlitePollStep)) {
			return nil, ctx.Err()
		}
	}
}

func (s *sqliteStore) claim(ctx context.Context, queue string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id, attempts, maxAttempts, backoffMS, enqueuedMS int64
		name                                             string
		data                                             []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, name, data, attempts, max_attempts, backoff_ms, enqueued_at
		 FROM jobs WHERE queue = ? AND state = ? ORDER BY id LIMIT 1`,
		queue, string(StateQueued),
	).Scan(&id, &name, &data, &attempts, &maxAttempts, &backoffMS, &enqueuedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state = ? WHERE id = ?`, string(StateActive), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Job{
		ID:          strconv.FormatInt(id, 10),
		Name:        name,
		Queue:       queue,
		Data:        data,
		Attempts:    int(attempts),
		MaxAttempts: int(maxAttempts),
		Backoff:     time.Duration(backoffMS) * time.Millisecond,
		State:       StateActive,
		EnqueuedAt:  time.UnixMilli(enqueuedMS),
	}, nil
}

func (s *sqliteStore) complete(ctx context.Context, _ string, j *Job) error {
	return s.finish(ctx, j, StateCompleted)
}

func (s *sqliteStore) fail(ctx context.Context, queue string, j *Job, retry bool) error {
	if !retry {
		return s.finish(ctx, j, StateFailed)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = ?, err = ? WHERE id = ?`,
		string(StateQueued), j.Attempts, nullStr(j.Err), j.ID,
	)
	if err == nil {
		s.signal(queue).notify()
	}
	return err
}

// release only resets the state; pickup order is by id.
func (s *sqliteStore) release(ctx context.Context, queue string, j *Job) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = ? WHERE id = ? AND state = ?`,
		string(StateQueued), j.ID, string(StateActive))
	if err == nil {
		s.signal(queue).notify()
	}
	return err
}

func (s *sqliteStore) finish(ctx context.Context, j *Job, st State) error {
	at := j.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = ?, err = ?, finished_at = ? WHERE id = ?`,
		string(st), j.Attempts, nullStr(j.Err), at.UnixMilli(), j.ID,
	)
	return err
}

func (s *sqliteStore) counts(ctx context.Context, queue string) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs WHERE queue = ? GROUP BY state`, queue)
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return Counts{}, err
		}
		switch State(st) {
		case StateQueued:
			c.Waiting = n
		case StateActive:
			c.Active = n
		case StateCompleted:
			c.Completed = n
		case StateFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context, queue string, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE queue = ? AND state IN (?, ?) AND finished_at < ?`,
		queue, string(StateCompleted), string(StateFailed), before.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	sigs := make([]*signal, 0, len(s.signals))
	for _, sig := range s.signals {
		sigs = append(sigs, sig)
	}
	s.mu.Unlock()
	err := s.db.Close()
	for _, sig := range sigs {
		sig.notify()
	}
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

package broker

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed        = errors.New("broker closed")
	ErrQueueClosed   = errors.New("queue closed")
	ErrUnknownDriver = errors.New("unknown broker driver")
	ErrWorkerRunning = errors.New("worker already running")
)

// retryHint is a processor error annotated with how the worker should
// schedule the job next. The zero hint changes nothing.
type retryHint struct {
	err   error
	final bool
	delay time.Duration
	set   bool
}

func (h *retryHint) Error() string {
	switch {
	case h.final:
		return "permanent: " + h.err.Error()
	case h.set:
		return fmt.Sprintf("retry in %s: %v", h.delay, h.err)
	default:
		return h.err.Error()
	}
}

func (h *retryHint) Unwrap() error { return h.err }

// NoRetry marks err as permanent; the job fails without using its
// remaining attempts.
//
//	return broker.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &retryHint{err: err, final: true}
}

// RetryAfter replaces the job's backoff with d for the next attempt.
// Negative delays are treated as zero.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryHint{err: err, delay: max(d, 0), set: true}
}

// IsNoRetry reports whether err, or anything it wraps, came from NoRetry.
func IsNoRetry(err error) bool {
	final, _, _ := hintOf(err)
	return final
}

// hintOf walks the chain; the outermost hint of each kind wins.
func hintOf(err error) (final bool, delay time.Duration, hasDelay bool) {
	for err != nil {
		var h *retryHint
		if !errors.As(err, &h) {
			break
		}
		final = final || h.final
		if h.set && !hasDelay {
			delay, hasDelay = h.delay, true
		}
		err = h.err
	}
	return final, delay, hasDelay
}

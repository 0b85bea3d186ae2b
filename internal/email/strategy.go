package email

import (
	"context"
	"errors"

	"github.com/faiyaz032/notivox/internal/broker"
	"github.com/faiyaz032/notivox/internal/channel"
	"github.com/faiyaz032/notivox/internal/job"
	"github.com/faiyaz032/notivox/internal/metrics"
	"github.com/faiyaz032/notivox/internal/queue"
)

// Receipt reports what Send did. Queued receipts carry the broker job id;
// a queued receipt means accepted, not delivered.
type Receipt struct {
	Queued bool
	JobID  string
}

// Strategy is how an adapter turns Send into delivery. It is fixed when the
// adapter is built.
type Strategy interface {
	Name() string
	Deliver(ctx context.Context, opts SendOptions) (Receipt, error)
}

// DirectStrategy waits for the transport.
type DirectStrategy struct {
	deliver func(ctx context.Context, opts SendOptions) error
}

func (DirectStrategy) Name() string { return metrics.StrategyDirect }

func (s DirectStrategy) Deliver(ctx context.Context, opts SendOptions) (Receipt, error) {
	return Receipt{}, s.deliver(ctx, opts)
}

// QueuedStrategy hands the message to the coordinator's email queue.
type QueuedStrategy struct {
	coord   *queue.Coordinator
	jobOpts *broker.JobOptions
}

func (QueuedStrategy) Name() string { return metrics.StrategyQueued }

func (s QueuedStrategy) Deliver(ctx context.Context, opts SendOptions) (Receipt, error) {
	rec, err := job.New(channel.Email, channel.Nodemailer, opts)
	if err != nil {
		return Receipt{}, err
	}
	id, err := s.coord.Enqueue(ctx, channel.Email, rec, s.jobOpts)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Queued: true, JobID: id}, nil
}

var (
	_ Strategy = DirectStrategy{}
	_ Strategy = QueuedStrategy{}
)

// classify marks failures that retrying cannot fix.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidMessage) || permanent(err) {
		return broker.NoRetry(err)
	}
	return err
}

package email

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/faiyaz032/notivox/internal/broker"
	"github.com/faiyaz032/notivox/internal/channel"
	"github.com/faiyaz032/notivox/internal/eventbus"
	"github.com/faiyaz032/notivox/internal/job"
	"github.com/faiyaz032/notivox/internal/metrics"
	"github.com/faiyaz032/notivox/internal/queue"
	logx "github.com/faiyaz032/notivox/pkg/logx"
)

// Options build an Adapter. Transport is required. A non-nil Coordinator
// selects queued delivery and registers the email worker on it.
type Options struct {
	Transport   Transport
	Coordinator *queue.Coordinator
	// JobOptions are passed to every Enqueue; nil uses the coordinator's.
	JobOptions *broker.JobOptions

	Logger  logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

type Adapter struct {
	transport Transport
	strategy  Strategy
	log       logx.Logger
	bus       eventbus.Bus
	metrics   *metrics.Metrics
}

func New(opts Options) (*Adapter, error) {
	if opts.Transport == nil {
		return nil, errors.New("email: nil transport")
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		transport: opts.Transport,
		log:       log.With(logx.String("comp", "email"), logx.String("adapter", string(channel.Nodemailer))),
		bus:       opts.Bus,
		metrics:   opts.Metrics,
	}

	if opts.Coordinator == nil {
		a.strategy = DirectStrategy{deliver: a.deliver}
		return a, nil
	}
	// The worker must exist before the first queued Send.
	if err := opts.Coordinator.RegisterWorker(channel.Email, a.handle); err != nil {
		return nil, fmt.Errorf("email: register worker: %w", err)
	}
	a.strategy = QueuedStrategy{coord: opts.Coordinator, jobOpts: opts.JobOptions}
	return a, nil
}

// Strategy reports "direct" or "queued".
func (a *Adapter) Strategy() string { return a.strategy.Name() }

// Send validates opts and delivers or enqueues them. In queued mode a nil
// error means the record was accepted; delivery outcomes arrive later on
// the event bus.
func (a *Adapter) Send(ctx context.Context, opts SendOptions) (Receipt, error) {
	if err := opts.Validate(); err != nil {
		return Receipt{}, err
	}
	start := time.Now()
	r, err := a.strategy.Deliver(ctx, opts)
	a.metrics.Send(string(channel.Nodemailer), a.strategy.Name(), time.Since(start), err)
	if err != nil {
		return Receipt{}, err
	}
	if r.Queued {
		a.log.Debug("email queued", logx.String("job_id", r.JobID), logx.Strings("to", opts.To))
	}
	return r, nil
}

// deliver is the direct routine shared by both strategies.
func (a *Adapter) deliver(ctx context.Context, opts SendOptions) error {
	start := time.Now()
	err := a.transport.Send(ctx, opts)
	took := time.Since(start)

	ev := eventbus.DeliveryEvent{
		Adapter: string(channel.Nodemailer),
		To:      append([]string(nil), opts.To...),
		Subject: opts.Subject,
		Took:    took.Round(time.Millisecond).String(),
		At:      time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
		a.publish(eventbus.TypeEmailFailed, ev)
		a.log.Warn("email delivery failed", logx.Strings("to", ev.To), logx.Duration("took", took), logx.Err(err))
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	a.publish(eventbus.TypeEmailSent, ev)
	a.log.Info("email sent", logx.Strings("to", ev.To), logx.Duration("took", took))
	return nil
}

// handle is the email worker callback.
func (a *Adapter) handle(ctx context.Context, rec job.Record) error {
	var opts SendOptions
	if err := rec.DecodePayload(&opts); err != nil {
		return broker.NoRetry(err)
	}
	if err := opts.Validate(); err != nil {
		return broker.NoRetry(err)
	}
	return classify(a.deliver(ctx, opts))
}

func (a *Adapter) publish(typ string, ev eventbus.DeliveryEvent) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

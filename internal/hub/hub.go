// Package hub is the single point of access to channel adapters.
//
// A Hub stores a private copy of the channel configuration and builds no
// adapter until one is requested. Each adapter is built at most once per
// hub, even under concurrent requests, and lives until the hub is closed.
// Building the first queued adapter also opens the broker and starts the
// queue coordinator.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/faiyaz032/notivox/internal/broker"
	"github.com/faiyaz032/notivox/internal/channel"
	"github.com/faiyaz032/notivox/internal/config"
	"github.com/faiyaz032/notivox/internal/email"
	"github.com/faiyaz032/notivox/internal/eventbus"
	"github.com/faiyaz032/notivox/internal/metrics"
	"github.com/faiyaz032/notivox/internal/queue"
	logx "github.com/faiyaz032/notivox/pkg/logx"
)

var (
	ErrAdapterNotConfigured = errors.New("adapter not configured")
	ErrAdapterConstruction  = errors.New("adapter construction failed")
	ErrClosed               = errors.New("hub closed")
)

// Instance is one built adapter. Exactly the field matching Name is set.
type Instance struct {
	Name       channel.AdapterName
	Nodemailer *email.Adapter
}

// Strategy reports how the adapter delivers ("direct" or "queued").
func (i *Instance) Strategy() string {
	switch i.Name {
	case channel.Nodemailer:
		return i.Nodemailer.Strategy()
	}
	return ""
}

// TransportFactory builds the SMTP transport for the nodemailer adapter.
type TransportFactory func(cfg config.NodemailerConfig) (email.Transport, error)

// BrokerOpener connects to the configured queue backend.
type BrokerOpener func(ctx context.Context, cfg config.QueueConfig, log logx.Logger) (*broker.Broker, error)

type Option func(*Hub)

func WithLogger(l logx.Logger) Option       { return func(h *Hub) { h.log = l } }
func WithBus(b eventbus.Bus) Option         { return func(h *Hub) { h.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(h *Hub) { h.metrics = m } }

// WithTransportFactory replaces the SMTP transport, mainly for tests.
func WithTransportFactory(f TransportFactory) Option {
	return func(h *Hub) { h.newTransport = f }
}

func WithBrokerOpener(f BrokerOpener) Option {
	return func(h *Hub) { h.openBroker = f }
}

type Hub struct {
	cfg config.Channels

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	newTransport TransportFactory
	openBroker   BrokerOpener

	sf singleflight.Group

	mu       sync.Mutex
	adapters map[channel.AdapterName]*Instance
	closed   bool

	// coordMu serializes coordinator creation; coord and brk are read
	// under mu.
	coordMu sync.Mutex
	coord   *queue.Coordinator
	brk     *broker.Broker
}

// New stores a deep copy of cfg. It performs no I/O.
func New(cfg config.Channels, opts ...Option) *Hub {
	h := &Hub{
		cfg:          cfg.Clone(),
		newTransport: SMTPTransport,
		openBroker:   OpenBroker,
		adapters:     map[channel.AdapterName]*Instance{},
	}
	for _, o := range opts {
		o(h)
	}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}
	h.log = h.log.With(logx.String("comp", "hub"))
	if h.bus == nil {
		h.bus = eventbus.New()
	}
	return h
}

// SMTPTransport is the default TransportFactory.
func SMTPTransport(cfg config.NodemailerConfig) (email.Transport, error) {
	timeout, err := config.ParseDuration("email.nodemailer.timeout", cfg.Timeout, 0)
	if err != nil {
		return nil, err
	}
	return email.NewSMTPTransport(email.SMTPConfig{
		Host:       cfg.Host,
		Port:       cfg.Port,
		Secure:     cfg.Secure,
		User:       cfg.Auth.User,
		Pass:       cfg.Auth.Pass,
		Timeout:    timeout,
		RatePerSec: cfg.RatePerSec,
	})
}

// OpenBroker is the default BrokerOpener.
func OpenBroker(ctx context.Context, cfg config.QueueConfig, log logx.Logger) (*broker.Broker, error) {
	bc, err := cfg.Broker()
	if err != nil {
		return nil, err
	}
	return broker.Open(ctx, bc, log)
}

// Adapter returns the adapter registered under name, building it on first
// use. Concurrent first calls share one construction. Failed
// constructions are not cached.
func (h *Hub) Adapter(ctx context.Context, name channel.AdapterName) (*Instance, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if inst, ok := h.adapters[name]; ok {
		h.mu.Unlock()
		return inst, nil
	}
	h.mu.Unlock()

	if err := h.configured(name); err != nil {
		return nil, err
	}

	// Construction outlives any single caller's ctx: other callers may be
	// waiting on the same build.
	bctx := context.WithoutCancel(ctx)
	ch := h.sf.DoChan(string(name), func() (any, error) {
		h.mu.Lock()
		if inst, ok := h.adapters[name]; ok {
			h.mu.Unlock()
			return inst, nil
		}
		h.mu.Unlock()

		inst, err := h.build(bctx, name)
		if err != nil {
			return nil, err
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			return nil, ErrClosed
		}
		h.adapters[name] = inst
		return inst, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Instance), nil
	}
}

// Nodemailer returns the email adapter.
func Nodemailer(ctx context.Context, h *Hub) (*email.Adapter, error) {
	inst, err := h.Adapter(ctx, channel.Nodemailer)
	if err != nil {
		return nil, err
	}
	return inst.Nodemailer, nil
}

func (h *Hub) configured(name channel.AdapterName) error {
	switch name {
	case channel.Nodemailer:
		if h.cfg.Email == nil || h.cfg.Email.Nodemailer == nil {
			return fmt.Errorf("%w: %s (no email.nodemailer section)", ErrAdapterNotConfigured, name)
		}
		return nil
	case channel.Twilio, channel.Firebase:
		return fmt.Errorf("%w: %s", ErrAdapterNotConfigured, name)
	default:
		return fmt.Errorf("%w: unknown adapter %q", ErrAdapterNotConfigured, name)
	}
}

func (h *Hub) build(ctx context.Context, name channel.AdapterName) (*Instance, error) {
	start := time.Now()
	var (
		inst *Instance
		err  error
	)
	switch name {
	case channel.Nodemailer:
		inst, err = h.buildNodemailer(ctx)
	default:
		err = fmt.Errorf("%w: %s", ErrAdapterNotConfigured, name)
	}

	ev := eventbus.AdapterEvent{Adapter: string(name), At: time.Now()}
	h.metrics.AdapterBuilt(string(name), err)
	if err != nil {
		ev.Error = err.Error()
		h.bus.Publish(eventbus.Event{Type: eventbus.TypeAdapterFailed, Time: ev.At, Data: ev})
		h.log.Error("adapter construction failed", logx.String("adapter", string(name)), logx.Err(err))
		return nil, err
	}
	ev.Strategy = inst.Strategy()
	h.bus.Publish(eventbus.Event{Type: eventbus.TypeAdapterReady, Time: ev.At, Data: ev})
	h.log.Info("adapter ready",
		logx.String("adapter", string(name)),
		logx.String("strategy", ev.Strategy),
		logx.Duration("took", time.Since(start)),
	)
	return inst, nil
}

func (h *Hub) buildNodemailer(ctx context.Context) (*Instance, error) {
	tr, err := h.newTransport(*h.cfg.Email.Nodemailer)
	if err != nil {
		return nil, fmt.Errorf("%w: nodemailer transport: %w", ErrAdapterConstruction, err)
	}
	opts := email.Options{
		Transport: tr,
		Logger:    h.log,
		Bus:       h.bus,
		Metrics:   h.metrics,
	}
	if h.cfg.Queue.Enabled() {
		coord, err := h.coordinator(ctx)
		if err != nil {
			return nil, err
		}
		opts.Coordinator = coord
	}
	a, err := email.New(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdapterConstruction, err)
	}
	return &Instance{Name: channel.Nodemailer, Nodemailer: a}, nil
}

// Coordinator returns the queue coordinator, opening the broker on first
// use. It fails with ErrAdapterNotConfigured when no queue is configured.
func (h *Hub) Coordinator(ctx context.Context) (*queue.Coordinator, error) {
	if !h.cfg.Queue.Enabled() {
		return nil, fmt.Errorf("%w: no queue section", ErrAdapterNotConfigured)
	}
	return h.coordinator(ctx)
}

func (h *Hub) coordinator(ctx context.Context) (*queue.Coordinator, error) {
	h.coordMu.Lock()
	defer h.coordMu.Unlock()

	h.mu.Lock()
	closed, coord := h.closed, h.coord
	h.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if coord != nil {
		return coord, nil
	}

	qcfg := *h.cfg.Queue
	b, err := h.openBroker(ctx, qcfg, h.log)
	if err != nil {
		return nil, fmt.Errorf("%w: queue broker: %w", ErrAdapterConstruction, err)
	}
	opts, err := qcfg.Coordinator()
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("%w: %w", ErrAdapterConstruction, err)
	}
	opts.Logger = h.log
	opts.Bus = h.bus
	opts.Metrics = h.metrics
	coord, err = queue.New(ctx, b, opts)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("%w: %w", ErrAdapterConstruction, err)
	}

	h.mu.Lock()
	h.coord, h.brk = coord, b
	h.mu.Unlock()
	h.log.Info("queue coordinator started", logx.String("driver", b.Driver()))
	return coord, nil
}

// Subscribe streams lifecycle events: adapter builds, queued job outcomes
// and direct deliveries. types narrows the stream to the given event types.
func (h *Hub) Subscribe(buffer int, types ...string) (<-chan eventbus.Event, func()) {
	return h.bus.Subscribe(buffer, types...)
}

// Close drains and closes the coordinator, then the broker connection.
// Later Adapter calls fail with ErrClosed. Close is idempotent.
func (h *Hub) Close(ctx context.Context) error {
	h.coordMu.Lock()
	defer h.coordMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	coord, b := h.coord, h.brk
	h.mu.Unlock()

	if coord == nil {
		return nil
	}
	var errs []error
	if err := coord.CloseAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := b.Close(); err != nil {
		errs = append(errs, fmt.Errorf("broker: %w", err))
	}
	err := errors.Join(errs...)
	if err != nil {
		h.log.Warn("hub closed with errors", logx.Err(err))
	} else {
		h.log.Info("hub closed")
	}
	return err
}

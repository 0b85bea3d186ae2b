package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faiyaz032/notivox/internal/broker"
	"github.com/faiyaz032/notivox/internal/channel"
	"github.com/faiyaz032/notivox/internal/config"
	"github.com/faiyaz032/notivox/internal/email"
	"github.com/faiyaz032/notivox/internal/eventbus"
	"github.com/faiyaz032/notivox/internal/queue"
	logx "github.com/faiyaz032/notivox/pkg/logx"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []email.SendOptions
	err  error
	hit  chan struct{}
}

func newFakeTransport(err error) *fakeTransport {
	return &fakeTransport{err: err, hit: make(chan struct{}, 16)}
}

func (f *fakeTransport) Send(_ context.Context, opts email.SendOptions) error {
	f.mu.Lock()
	f.sent = append(f.sent, opts)
	f.mu.Unlock()
	f.hit <- struct{}{}
	return f.err
}

func (f *fakeTransport) calls() []email.SendOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]email.SendOptions(nil), f.sent...)
}

func smtpConfig() config.Channels {
	return config.Channels{
		Email: &config.EmailConfig{Nodemailer: &config.NodemailerConfig{
			Host: "smtp.test",
			Port: 587,
			Auth: config.AuthConfig{User: "a", Pass: "b"},
		}},
	}
}

func queuedConfig() config.Channels {
	c := smtpConfig()
	c.Queue = &config.QueueConfig{Redis: &config.RedisQueueConfig{Addr: "redis.test:6379"}, PollInterval: "20ms"}
	return c
}

func memoryOpener(opened *atomic.Int32) BrokerOpener {
	return func(_ context.Context, _ config.QueueConfig, log logx.Logger) (*broker.Broker, error) {
		if opened != nil {
			opened.Add(1)
		}
		return broker.NewMemory(log), nil
	}
}

func newHub(t *testing.T, cfg config.Channels, tr email.Transport, opts ...Option) *Hub {
	t.Helper()
	opts = append([]Option{
		WithTransportFactory(func(config.NodemailerConfig) (email.Transport, error) { return tr, nil }),
		WithBrokerOpener(memoryOpener(nil)),
	}, opts...)
	h := New(cfg, opts...)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

var msg = email.SendOptions{From: "x@a.com", To: email.Addresses{"y@b.com"}, Subject: "hi"}

func TestDirectAdapterSendsThroughTransport(t *testing.T) {
	tr := newFakeTransport(nil)
	h := newHub(t, smtpConfig(), tr)

	a, err := Nodemailer(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "direct", a.Strategy())

	r, err := a.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, r.Queued)
	require.Len(t, tr.calls(), 1)
	assert.Equal(t, msg, tr.calls()[0])

	_, err = h.Coordinator(context.Background())
	assert.ErrorIs(t, err, ErrAdapterNotConfigured)
}

func TestDirectAdapterSurfacesTransportFailure(t *testing.T) {
	boom := errors.New("550 mailbox unavailable")
	h := newHub(t, smtpConfig(), newFakeTransport(boom))

	a, err := Nodemailer(context.Background(), h)
	require.NoError(t, err)
	_, err = a.Send(context.Background(), msg)
	assert.ErrorIs(t, err, boom)
}

func TestQueuedAdapterDeliversThroughWorker(t *testing.T) {
	tr := newFakeTransport(nil)
	var opened atomic.Int32
	h := newHub(t, queuedConfig(), tr, WithBrokerOpener(memoryOpener(&opened)))

	ctx := context.Background()
	a, err := Nodemailer(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "queued", a.Strategy())
	assert.Equal(t, int32(1), opened.Load())

	coord, err := h.Coordinator(ctx)
	require.NoError(t, err)
	assert.True(t, coord.HasWorker(channel.Email))
	q, err := coord.Queue(channel.Email)
	require.NoError(t, err)
	q.Pause()

	r, err := a.Send(ctx, msg)
	require.NoError(t, err)
	assert.True(t, r.Queued)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, tr.calls())

	q.Resume()
	select {
	case <-tr.hit:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never delivered")
	}
	require.Len(t, tr.calls(), 1)
	assert.Equal(t, msg, tr.calls()[0])
}

func TestUnconfiguredAdapterIsRejected(t *testing.T) {
	h := newHub(t, smtpConfig(), newFakeTransport(nil))
	for _, name := range []channel.AdapterName{channel.Firebase, channel.Twilio, "mailgun"} {
		_, err := h.Adapter(context.Background(), name)
		assert.ErrorIs(t, err, ErrAdapterNotConfigured, "adapter %s", name)
	}

	empty := newHub(t, config.Channels{}, newFakeTransport(nil))
	_, err := Nodemailer(context.Background(), empty)
	assert.ErrorIs(t, err, ErrAdapterNotConfigured)
}

func TestAdapterIsBuiltOnceUnderConcurrency(t *testing.T) {
	var builds atomic.Int32
	release := make(chan struct{})
	tr := newFakeTransport(nil)
	h := New(queuedConfig(),
		WithTransportFactory(func(config.NodemailerConfig) (email.Transport, error) {
			builds.Add(1)
			<-release
			return tr, nil
		}),
		WithBrokerOpener(memoryOpener(nil)),
	)
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	const n = 16
	got := make([]*Instance, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := h.Adapter(context.Background(), channel.Nodemailer)
			assert.NoError(t, err)
			got[i] = inst
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i])
	}
	again, err := h.Adapter(context.Background(), channel.Nodemailer)
	require.NoError(t, err)
	assert.Same(t, got[0], again)
}

func TestConfigIsCopiedAtConstruction(t *testing.T) {
	cfg := smtpConfig()
	var seen string
	h := New(cfg, WithTransportFactory(func(c config.NodemailerConfig) (email.Transport, error) {
		seen = c.Host
		return newFakeTransport(nil), nil
	}))
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	cfg.Email.Nodemailer.Host = "mutated.test"
	cfg.Queue = &config.QueueConfig{Memory: &config.MemoryQueueConfig{}}

	a, err := Nodemailer(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "smtp.test", seen)
	assert.Equal(t, "direct", a.Strategy())
}

func TestFailedConstructionIsNotCached(t *testing.T) {
	var calls atomic.Int32
	h := New(smtpConfig(), WithTransportFactory(func(config.NodemailerConfig) (email.Transport, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("dial refused")
		}
		return newFakeTransport(nil), nil
	}))
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	_, err := h.Adapter(context.Background(), channel.Nodemailer)
	assert.ErrorIs(t, err, ErrAdapterConstruction)

	inst, err := h.Adapter(context.Background(), channel.Nodemailer)
	require.NoError(t, err)
	assert.NotNil(t, inst.Nodemailer)
}

func TestBrokerFailureSurfacesAsConstructionError(t *testing.T) {
	h := newHub(t, queuedConfig(), newFakeTransport(nil),
		WithBrokerOpener(func(context.Context, config.QueueConfig, logx.Logger) (*broker.Broker, error) {
			return nil, errors.New("connection refused")
		}),
	)
	_, err := Nodemailer(context.Background(), h)
	assert.ErrorIs(t, err, ErrAdapterConstruction)
}

func TestCloseRejectsLaterCalls(t *testing.T) {
	tr := newFakeTransport(nil)
	h := newHub(t, queuedConfig(), tr)
	events, unsub := h.Subscribe(32)
	defer unsub()

	a, err := Nodemailer(context.Background(), h)
	require.NoError(t, err)
	coord, err := h.Coordinator(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.Close(context.Background()))
	require.NoError(t, h.Close(context.Background()))

	_, err = h.Adapter(context.Background(), channel.Nodemailer)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = a.Send(context.Background(), msg)
	assert.ErrorIs(t, err, queue.ErrQueueNotFound)
	_, err = coord.Queue(channel.Email)
	assert.ErrorIs(t, err, queue.ErrQueueNotFound)

	var sawReady, sawClosed bool
	for len(events) > 0 {
		e := <-events
		switch e.Type {
		case eventbus.TypeAdapterReady:
			sawReady = true
		case eventbus.TypeQueuesClosed:
			sawClosed = true
		}
	}
	assert.True(t, sawReady)
	assert.True(t, sawClosed)
}

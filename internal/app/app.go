// Package app assembles the notivox daemon: logging, metrics, the adapter
// hub with its channel workers, scheduled pruning and config hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/faiyaz032/notivox/internal/alert/telegram"
	"github.com/faiyaz032/notivox/internal/channel"
	"github.com/faiyaz032/notivox/internal/config"
	"github.com/faiyaz032/notivox/internal/eventbus"
	"github.com/faiyaz032/notivox/internal/hub"
	"github.com/faiyaz032/notivox/internal/maintenance"
	"github.com/faiyaz032/notivox/internal/metrics"
	"github.com/faiyaz032/notivox/internal/runtime/supervisor"
	logx "github.com/faiyaz032/notivox/pkg/logx"
)

const defaultMetricsAddr = "127.0.0.1:9464"

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	reg     *prometheus.Registry
	metrics *metrics.Metrics
	msrv    *metrics.Server

	hub    *hub.Hub
	pruner *maintenance.Pruner

	// hubOpts are extra hub options, mainly for tests.
	hubOpts []hub.Option
}

type Option func(*App)

// WithHubOptions appends options used when the hub is built.
func WithHubOptions(opts ...hub.Option) Option {
	return func(a *App) { a.hubOpts = append(a.hubOpts, opts...) }
}

// New loads cfgPath and wires every component without starting any.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var sender logx.AlertSender
	if tg := cfg.Logging.Telegram; tg.Enabled {
		s, err := telegram.New(telegram.Config{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID})
		if err != nil {
			return nil, fmt.Errorf("telegram alerts: %w", err)
		}
		sender = s
	}
	logSvc, log := logx.New(cfg.Logging.Logx(), sender)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	bus := eventbus.New()
	if err := errors.Join(
		metrics.RegisterDrops(reg, "events", "Lifecycle events not delivered because a subscriber was full", bus.Dropped),
		metrics.RegisterDrops(reg, "alerts", "Log alerts not sent because the alert queue was full", logSvc.DroppedAlerts),
	); err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		reg:     reg,
		metrics: m,
	}
	for _, o := range opts {
		o(a)
	}
	a.hub = hub.New(cfg.Channels(), append([]hub.Option{
		hub.WithLogger(log),
		hub.WithMetrics(m),
		hub.WithBus(bus),
	}, a.hubOpts...)...)
	return a, nil
}

func (a *App) Hub() *hub.Hub { return a.hub }

func (a *App) Logger() logx.Logger { return a.log }

// Registry is the Prometheus registry behind /metrics.
func (a *App) Registry() *prometheus.Registry { return a.reg }

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start builds every configured adapter so queued workers begin consuming,
// then starts metrics, pruning and config watching.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	for _, name := range channel.KnownAdapters() {
		_, err := a.hub.Adapter(ctx, name)
		switch {
		case err == nil:
		case errors.Is(err, hub.ErrAdapterNotConfigured):
			a.log.Debug("adapter not configured", logx.String("adapter", string(name)))
		default:
			return err
		}
	}

	if cfg.Queue.Enabled() {
		coord, err := a.hub.Coordinator(ctx)
		if err != nil {
			return err
		}
		a.sup.GoRestart("queue.depth", func(c context.Context) error {
			t := time.NewTicker(15 * time.Second)
			defer t.Stop()
			for {
				if _, err := coord.Counts(c); err != nil && c.Err() == nil {
					a.log.Warn("queue counts failed", logx.Err(err))
				}
				select {
				case <-c.Done():
					return nil
				case <-t.C:
				}
			}
		})

		if mc := cfg.Maintenance; mc != nil {
			retention, err := config.ParseDuration("maintenance.retention", mc.Retention, maintenance.DefaultRetention)
			if err != nil {
				return err
			}
			p, err := maintenance.New(coord, maintenance.Options{
				Schedule:  mc.PruneSchedule,
				Retention: retention,
				Logger:    a.log,
			})
			if err != nil {
				return err
			}
			a.pruner = p
			p.Start(a.sup.Context())
		}
	} else if cfg.Maintenance != nil {
		a.log.Warn("maintenance configured without a queue; pruning disabled")
	}

	if mc := cfg.Metrics; mc != nil && mc.Enabled {
		addr := strings.TrimSpace(mc.Addr)
		if addr == "" {
			addr = defaultMetricsAddr
		}
		a.msrv = metrics.NewServer(addr, a.reg, mc.Pprof)
		errc := a.msrv.Start()
		a.sup.Go("metrics.http", func(c context.Context) error {
			select {
			case <-c.Done():
				return nil
			case err, ok := <-errc:
				if ok && err != nil {
					return err
				}
				return nil
			}
		})
		a.log.Info("metrics listening", logx.String("addr", addr), logx.Bool("pprof", mc.Pprof))
	}

	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// startConfigReload applies logging changes live. Every other section is
// fixed at startup and only reported.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			var newCfg *config.Config
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				newCfg = cfg
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}

			sections, attrs, restart := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			a.logs.Apply(newCfg.Logging.Logx())
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			if len(restart) > 0 {
				a.log.Warn("config changes need a restart", logx.String("sections", strings.Join(restart, ",")))
			}
		}
	})
}

// Stop shuts components down in dependency order. Every step is bounded
// so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	drain := a.cfgm.Get().Queue.DrainTimeoutOrDefault()
	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("pruner", 2*time.Second, func(c context.Context) error {
		if a.pruner != nil {
			a.pruner.Stop(c)
		}
		return nil
	})
	// Drains in-flight jobs, then closes queues, workers and the broker.
	step("hub", drain, a.hub.Close)
	step("metrics", 2*time.Second, func(c context.Context) error {
		if a.msrv != nil {
			return a.msrv.Shutdown(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

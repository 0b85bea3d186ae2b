// Package maintenance runs scheduled housekeeping against the job broker.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/faiyaz032/notivox/internal/channel"
	logx "github.com/faiyaz032/notivox/pkg/logx"
)

const DefaultRetention = 7 * 24 * time.Hour

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a prune schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("empty schedule")
	}
	return parser.Parse(spec)
}

// Target is what gets pruned; *queue.Coordinator satisfies it.
type Target interface {
	Prune(ctx context.Context, before time.Time) (map[channel.Name]int, error)
}

type Options struct {
	Schedule  string
	Retention time.Duration
	// Timeout bounds one prune run. Default 1m.
	Timeout time.Duration
	Logger  logx.Logger
}

// Pruner deletes finished jobs older than the retention window on a cron
// schedule. Overlapping runs are skipped.
type Pruner struct {
	target Target
	opts   Options
	sched  cron.Schedule
	log    logx.Logger
	now    func() time.Time

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(target Target, opts Options) (*Pruner, error) {
	if target == nil {
		return nil, errors.New("maintenance: nil target")
	}
	sched, err := ParseSchedule(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance: schedule %q: %w", opts.Schedule, err)
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pruner{
		target: target,
		opts:   opts,
		sched:  sched,
		log:    log.With(logx.String("comp", "pruner")),
		now:    time.Now,
	}, nil
}

// Start begins scheduling. Runs stop when ctx ends or Stop is called.
func (p *Pruner) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	cl := cronLogger{log: p.log}
	p.c = cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	p.c.Schedule(p.sched, cron.FuncJob(func() {
		_, _ = p.RunOnce(p.ctx)
	}))
	p.c.Start()
	p.log.Info("pruner started",
		logx.String("schedule", p.opts.Schedule),
		logx.Duration("retention", p.opts.Retention),
		logx.Time("next", p.sched.Next(p.now())),
	)
}

// Stop cancels a running prune and waits for it, bounded by ctx.
func (p *Pruner) Stop(ctx context.Context) {
	p.mu.Lock()
	c, cancel := p.c, p.cancel
	p.c, p.cancel = nil, nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	p.log.Info("pruner stopped")
}

// RunOnce prunes every channel queue immediately and returns the number of
// jobs removed.
func (p *Pruner) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	start := p.now()
	before := start.Add(-p.opts.Retention)
	res, err := p.target.Prune(ctx, before)
	total := 0
	for _, n := range res {
		total += n
	}
	if err != nil {
		p.log.Warn("prune failed", logx.Int("removed", total), logx.Err(err))
		return total, err
	}
	p.log.Info("prune finished", logx.Int("removed", total), logx.Time("before", before), logx.Duration("took", time.Since(start)))
	return total, nil
}

// cronLogger routes cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}

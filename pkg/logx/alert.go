package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	alertQueueSize  = 256
	alertMaxLen     = 3500
	alertFieldMax   = 600
	alertSendBudget = 10 * time.Second
)

// AlertSender delivers one preformatted line to an operator channel.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

// AlertConfig controls the alert sink. Where alerts go belongs to the
// AlertSender.
type AlertConfig struct {
	Enabled bool
	// MinLevel defaults to "error".
	MinLevel   string
	RatePerSec int
	// Dedup drops repeats of the same level, message and queue inside this
	// window. Default 1m; negative disables.
	Dedup time.Duration
}

// leadKeys are printed first, in this order, when present.
var leadKeys = []string{"queue", "worker", "job_id", "adapter", "attempts", "err"}

type alertSink struct {
	sender  AlertSender
	q       chan string
	dropped atomic.Uint64

	mu       sync.Mutex
	min      zerolog.Level
	limiter  *rate.Limiter
	dedup    time.Duration
	lastSeen map[string]time.Time

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newAlertSink(sender AlertSender) *alertSink {
	return &alertSink{
		sender:   sender,
		q:        make(chan string, alertQueueSize),
		min:      zerolog.ErrorLevel,
		lastSeen: map[string]time.Time{},
	}
}

func (a *alertSink) configure(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)
	dedup := cfg.Dedup
	if dedup == 0 {
		dedup = time.Minute
	}
	a.mu.Lock()
	a.min = ParseLevel(cfg.MinLevel, zerolog.ErrorLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.dedup = dedup
	a.mu.Unlock()

	if cfg.Enabled {
		a.startOnce.Do(a.start)
	}
}

func (a *alertSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-a.q:
				sctx, scancel := context.WithTimeout(ctx, alertSendBudget)
				_ = a.sender.SendAlert(sctx, msg)
				scancel()
			}
		}
	}()
}

func (a *alertSink) stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

// WriteLevel never blocks the logger: lines below the minimum, over the
// rate, repeated, or hitting a full queue are skipped.
func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	minLevel, lim := a.min, a.limiter
	a.mu.Unlock()
	if level < minLevel || level == zerolog.NoLevel {
		return len(p), nil
	}

	fields := map[string]any{}
	if err := json.Unmarshal(p, &fields); err != nil {
		fields = map[string]any{"message": strings.TrimSpace(string(p))}
	}
	if a.repeated(fields) || lim == nil || !lim.Allow() {
		return len(p), nil
	}

	select {
	case a.q <- formatAlert(fields):
	default:
		a.dropped.Add(1)
	}
	return len(p), nil
}

func (a *alertSink) repeated(fields map[string]any) bool {
	key := fmt.Sprint(fields["level"], "|", fields["message"], "|", fields["queue"])
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dedup < 0 {
		return false
	}
	if last, ok := a.lastSeen[key]; ok && now.Sub(last) < a.dedup {
		return true
	}
	a.lastSeen[key] = now
	if len(a.lastSeen) > 1024 {
		for k, t := range a.lastSeen {
			if now.Sub(t) >= a.dedup {
				delete(a.lastSeen, k)
			}
		}
	}
	return false
}

// formatAlert renders a decoded zerolog line as
//
//	[ERROR] job failed
//	- queue=email-queue
//	- job_id=42
func formatAlert(fields map[string]any) string {
	var b strings.Builder
	if lvl, _ := fields["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := fields["message"].(string)
	b.WriteString(msg)

	skip := map[string]bool{"time": true, "level": true, "message": true, zerolog.CallerFieldName: true}
	for _, k := range leadKeys {
		if v, ok := fields[k]; ok {
			writeAlertField(&b, k, v)
			skip[k] = true
		}
	}
	rest := make([]string, 0, len(fields))
	for k := range fields {
		if !skip[k] && k != "stack" {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		writeAlertField(&b, k, fields[k])
	}
	if st, ok := fields["stack"]; ok {
		b.WriteString("\n- stack=\n" + truncate(fmt.Sprint(st), 900))
	}
	return truncate(b.String(), alertMaxLen)
}

func writeAlertField(b *strings.Builder, k string, v any) {
	b.WriteString("\n- " + k + "=" + truncate(fmt.Sprint(v), alertFieldMax))
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

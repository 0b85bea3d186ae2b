package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestAlertSinkHonorsMinLevel(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: t.TempDir() + "/test.log"},
		Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100},
	}, sender)
	defer func() { _ = svc.Close() }()

	log.Info("routine")
	log.Error("delivery failed", String("queue", "email-queue"))

	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := sender.snapshot()[0]
	assert.True(t, strings.HasPrefix(msg, "[ERROR] delivery failed"), msg)
	assert.Contains(t, msg, "queue=email-queue")
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestAlertSinkCollapsesRepeats(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: t.TempDir() + "/test.log"},
		Alert: AlertConfig{Enabled: true, RatePerSec: 100},
	}, sender)
	defer func() { _ = svc.Close() }()

	for i := 0; i < 5; i++ {
		log.Error("job failed", String("queue", "email-queue"), Int("attempts", i))
	}
	log.Error("job failed", String("queue", "sms-queue"))

	require.Eventually(t, func() bool { return len(sender.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sender.snapshot(), 2)
}

func TestFormatAlertOrdersKnownKeysFirst(t *testing.T) {
	out := formatAlert(map[string]any{
		"level":   "error",
		"message": "job failed",
		"zeta":    "z",
		"job_id":  "42",
		"queue":   "email-queue",
		"caller":  "x.go:1",
	})
	assert.Equal(t, "[ERROR] job failed\n- queue=email-queue\n- job_id=42\n- zeta=z", out)
}

func TestFormatAlertTruncates(t *testing.T) {
	out := formatAlert(map[string]any{"message": strings.Repeat("x", 5000)})
	assert.Len(t, out, alertMaxLen)
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING", zerolog.InfoLevel))
	assert.Equal(t, zerolog.Disabled, ParseLevel("off", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud", zerolog.InfoLevel))
}

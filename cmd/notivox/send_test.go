package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/faiyaz032/notivox/internal/email"
	"github.com/faiyaz032/notivox/internal/eventbus"
)

// parseSend runs the send command's flag parsing with args and returns the
// message it would send.
func parseSend(t *testing.T, args ...string) (email.SendOptions, error) {
	t.Helper()
	cmd := sendCommand()
	var (
		got    email.SendOptions
		optErr error
	)
	cmd.Action = func(c *cli.Context) error {
		got, optErr = sendOptions(c)
		return nil
	}
	app := &cli.App{Name: "notivox", Commands: []*cli.Command{cmd}, Writer: &bytes.Buffer{}, ErrWriter: &bytes.Buffer{}}
	require.NoError(t, app.Run(append([]string{"notivox", "send"}, args...)))
	return got, optErr
}

func TestSendFlagsBuildOptions(t *testing.T) {
	dir := t.TempDir()
	pdf := filepath.Join(dir, "invoice.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte{0x25, 0x50, 0x44, 0x46, 0x00, 0xff}, 0o600))

	opts, err := parseSend(t,
		"--from", "ops@a.com",
		"--to", "x@b.com, y@c.com",
		"--to", "z@d.com",
		"--subject", "invoice",
		"--text", "see attached",
		"--html", "<p>see attached</p>",
		"--attach", pdf,
	)
	require.NoError(t, err)
	assert.Equal(t, "ops@a.com", opts.From)
	assert.Equal(t, email.Addresses{"x@b.com", "y@c.com", "z@d.com"}, opts.To)
	assert.Equal(t, "invoice", opts.Subject)
	assert.Equal(t, "see attached", opts.Text)
	assert.Equal(t, "<p>see attached</p>", opts.HTML)
	require.Len(t, opts.Attachments, 1)
	assert.Equal(t, "invoice.pdf", opts.Attachments[0].Filename)
	assert.Equal(t, []byte{0x25, 0x50, 0x44, 0x46, 0x00, 0xff}, opts.Attachments[0].Content)
	assert.Equal(t, "application/pdf", opts.Attachments[0].ContentType)
	require.NoError(t, opts.Validate())
}

func TestSendFlagsMissingAttachment(t *testing.T) {
	_, err := parseSend(t,
		"--from", "ops@a.com", "--to", "x@b.com", "--subject", "s",
		"--attach", filepath.Join(t.TempDir(), "nope.txt"),
	)
	assert.ErrorContains(t, err, "attach")
}

func jobEvent(typ, id string, attempts int, msg string) eventbus.Event {
	return eventbus.Event{Type: typ, Time: time.Now(), Data: eventbus.JobEvent{JobID: id, Attempts: attempts, Error: msg}}
}

func TestAwaitJob(t *testing.T) {
	tests := []struct {
		name    string
		events  []eventbus.Event
		close   bool
		wantErr string
		wantOut string
	}{
		{
			name:    "completed",
			events:  []eventbus.Event{jobEvent(eventbus.TypeJobCompleted, "7", 1, "")},
			wantOut: "job 7 completed\n",
		},
		{
			name: "other jobs skipped",
			events: []eventbus.Event{
				jobEvent(eventbus.TypeJobFailed, "6", 1, "bounced"),
				{Type: eventbus.TypeJobCompleted, Data: "not a job event"},
				jobEvent(eventbus.TypeJobCompleted, "7", 1, ""),
			},
			wantOut: "job 7 completed\n",
		},
		{
			name:    "failed",
			events:  []eventbus.Event{jobEvent(eventbus.TypeJobFailed, "7", 3, "mailbox full")},
			wantErr: "job 7 failed after 3 attempt(s): mailbox full",
		},
		{
			name:    "stream closed",
			events:  []eventbus.Event{jobEvent(eventbus.TypeJobCompleted, "8", 1, "")},
			close:   true,
			wantErr: "event stream closed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := make(chan eventbus.Event, len(tt.events))
			for _, e := range tt.events {
				ch <- e
			}
			if tt.close {
				close(ch)
			}
			var out bytes.Buffer
			err := awaitJob(context.Background(), ch, "7", &out)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOut, out.String())
		})
	}
}

func TestAwaitJobHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := awaitJob(ctx, make(chan eventbus.Event), "7", &bytes.Buffer{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

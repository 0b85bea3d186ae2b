package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/faiyaz032/notivox/internal/config"
	"github.com/faiyaz032/notivox/internal/email"
	"github.com/faiyaz032/notivox/internal/eventbus"
	"github.com/faiyaz032/notivox/internal/hub"
	logx "github.com/faiyaz032/notivox/pkg/logx"
)

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Send one email through the configured adapter",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "sender address", Required: true},
			&cli.StringSliceFlag{Name: "to", Usage: "recipient address (repeatable)", Required: true},
			&cli.StringFlag{Name: "subject", Usage: "subject line", Required: true},
			&cli.StringFlag{Name: "text", Usage: "plain text body"},
			&cli.StringFlag{Name: "html", Usage: "HTML body"},
			&cli.StringSliceFlag{Name: "attach", Usage: "file to attach (repeatable)"},
			&cli.BoolFlag{Name: "wait", Usage: "when queued, wait for this process's worker to finish the job"},
		},
		Action: send,
	}
}

func send(c *cli.Context) error {
	cfg, err := config.NewManager(c.String("config")).Load()
	if err != nil {
		return err
	}
	log := logx.NewConsole(cfg.Logging.Level)

	opts, err := sendOptions(c)
	if err != nil {
		return err
	}

	h := hub.New(cfg.Channels(), hub.WithLogger(log))
	defer func() {
		// Queued sends made by this process drain before exit.
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Queue.DrainTimeoutOrDefault())
		defer cancel()
		_ = h.Close(ctx)
	}()

	events, unsub := h.Subscribe(16, eventbus.TypeJobCompleted, eventbus.TypeJobFailed)
	defer unsub()

	a, err := hub.Nodemailer(c.Context, h)
	if err != nil {
		return err
	}
	r, err := a.Send(c.Context, opts)
	if err != nil {
		return err
	}
	if !r.Queued {
		fmt.Fprintln(c.App.Writer, "sent")
		return nil
	}
	fmt.Fprintf(c.App.Writer, "queued job %s\n", r.JobID)
	if !c.Bool("wait") {
		return nil
	}
	return awaitJob(c.Context, events, r.JobID, c.App.Writer)
}

// sendOptions maps the send flags onto one message. Every --to value may
// hold several comma-separated addresses.
func sendOptions(c *cli.Context) (email.SendOptions, error) {
	opts := email.SendOptions{
		From:    c.String("from"),
		Subject: c.String("subject"),
		Text:    c.String("text"),
		HTML:    c.String("html"),
	}
	for _, to := range c.StringSlice("to") {
		opts.To = append(opts.To, email.SplitAddresses(to)...)
	}
	for _, path := range c.StringSlice("attach") {
		b, err := os.ReadFile(path)
		if err != nil {
			return email.SendOptions{}, fmt.Errorf("attach: %w", err)
		}
		opts.Attachments = append(opts.Attachments, email.Attachment{
			Filename:    filepath.Base(path),
			Content:     b,
			ContentType: mime.TypeByExtension(filepath.Ext(path)),
		})
	}
	return opts, nil
}

// awaitJob blocks until events reports the outcome of job id.
func awaitJob(ctx context.Context, events <-chan eventbus.Event, id string, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return fmt.Errorf("job %s: event stream closed", id)
			}
			je, _ := e.Data.(eventbus.JobEvent)
			if je.JobID != id {
				continue
			}
			if e.Type == eventbus.TypeJobFailed {
				return fmt.Errorf("job %s failed after %d attempt(s): %s", id, je.Attempts, je.Error)
			}
			fmt.Fprintf(w, "job %s completed\n", id)
			return nil
		}
	}
}

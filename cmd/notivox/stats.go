package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/faiyaz032/notivox/internal/channel"
	"github.com/faiyaz032/notivox/internal/config"
	"github.com/faiyaz032/notivox/internal/hub"
	logx "github.com/faiyaz032/notivox/pkg/logx"
)

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:   "stats",
		Usage:  "Print job counts for every channel queue",
		Action: stats,
	}
}

func stats(c *cli.Context) error {
	cfg, err := config.NewManager(c.String("config")).Load()
	if err != nil {
		return err
	}
	h := hub.New(cfg.Channels(), hub.WithLogger(logx.NewConsole("warn")))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	}()

	coord, err := h.Coordinator(c.Context)
	if err != nil {
		return err
	}
	counts, err := coord.Counts(c.Context)
	if err != nil && len(counts) == 0 {
		return err
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tWAITING\tACTIVE\tCOMPLETED\tFAILED")
	for _, ch := range channel.Known() {
		n, ok := counts[ch]
		if !ok {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\n", ch.QueueName())
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", ch.QueueName(), n.Waiting, n.Active, n.Completed, n.Failed)
	}
	if ferr := tw.Flush(); ferr != nil {
		return ferr
	}
	return err
}


package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "notivox",
		Usage: "Send notifications directly or through durable per-channel queues",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file (.json, .yaml, .yml)",
				EnvVars: []string{"NOTIVOX_CONFIG"},
				Value:   "./notivox.json",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			sendCommand(),
			statsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

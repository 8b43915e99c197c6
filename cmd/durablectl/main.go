package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "durablectl: %v\n", err)
		os.Exit(1)
	}
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "durable.toml",
		Usage:   "node config path",
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "durablectl",
		Usage: "run and configure durable object hosts",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve the demo bindings over HTTP and peer RPC",
				Flags:  []cli.Flag{configFlag()},
				Action: serveAction,
			},
			{
				Name:  "config",
				Usage: "manage node config files",
				Commands: []*cli.Command{
					{
						Name:  "init",
						Usage: "write the default config template",
						Flags: []cli.Flag{
							configFlag(),
							&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
						},
						Action: configInitAction,
					},
					{
						Name:   "validate",
						Usage:  "load and validate a config file",
						Flags:  []cli.Flag{configFlag()},
						Action: configValidateAction,
					},
				},
			},
		},
	}
}

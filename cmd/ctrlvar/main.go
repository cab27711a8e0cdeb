package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ctrlvar/internal/logger"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "ctrlvar",
		Usage: "Control-conditioned scale-progressive image token sampler",
		Flags: append(loggingFlags(), &cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default $XDG_CONFIG_HOME/ctrlvar/config.yaml)",
			Destination: &configFile,
		}),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			sampleCmd(),
			refineCmd(),
			trainCmd(),
			sweepCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}

// setup loads the config file and installs the run logger on the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	loaded = cfg
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if debug {
		logLevel = "debug"
	}
	log, err := logger.ForFormat(os.Stderr, logFormat, logger.ParseLevel(logLevel), stderrIsTerminal())
	if err != nil {
		return ctx, err
	}
	runID = uuid.NewString()
	return logger.WithContext(ctx, log.With("run", runID)), nil
}

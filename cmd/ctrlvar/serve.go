package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ctrlvar/internal/api"
	"github.com/samcharles93/ctrlvar/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		storeLimit  int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the sampling REST API",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "store-limit",
				Usage:       "samples kept for refinement",
				Value:       64,
				Destination: &storeLimit,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if loaded.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = loaded.ServerAddress
			}

			l, err := loaderFromFlags(cmd)
			if err != nil {
				return err
			}
			lr, err := l.Load(log)
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}
			defaults, err := genDefaults(loaded.Sampling)
			if err != nil {
				return err
			}

			server := api.NewServer(lr.Sampler, lr.Quantizer, defaults, api.NewSampleStore(int(storeLimit)), log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "policy", lr.Policy.String(), "scales", lr.Schedule.Len())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

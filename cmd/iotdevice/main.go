// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/iotdevice/config"
	"github.com/absmach/iotdevice/internal/telemetry"
	"github.com/urfave/cli/v2"
)

const version = "1.0.0"

func main() {
	app := cli.NewApp()
	app.Name = "iotdevice"
	app.Version = version
	app.Usage = "provision a device and exchange messages with its IoT hub"

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "read configuration from `FILE`",
			EnvVars: []string{"IOTDEVICE_CONFIG"},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:  "provision",
			Usage: "Register with the device provisioning service and print the assignment",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "payload",
					Usage: "send `JSON` with the registration request",
				},
				&cli.BoolFlag{
					Name:  "force",
					Usage: "re-run the allocation policy for an assigned device",
				},
			},
			Action: withRuntime(provision),
		},
		{
			Name:      "send",
			Usage:     "Send one telemetry message",
			ArgsUsage: "PAYLOAD",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:    "property",
					Aliases: []string{"p"},
					Usage:   "attach application property `KEY=VALUE`",
				},
				&cli.StringFlag{
					Name:  "content-type",
					Usage: "set the message content type",
				},
				&cli.DurationFlag{
					Name:  "timeout",
					Value: 30 * time.Second,
					Usage: "wait up to `DURATION` for the hub to confirm",
				},
			},
			Action: withRuntime(send),
		},
		{
			Name:  "listen",
			Usage: "Print cloud-to-device messages, twin updates and method calls until interrupted",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "methods",
					Value: true,
					Usage: "answer direct methods with status 200",
				},
				&cli.BoolFlag{
					Name:  "twin",
					Value: true,
					Usage: "subscribe to desired property updates",
				},
			},
			Action: withRuntime(listen),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// runtime is the state shared by every command.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
}

type command func(ctx context.Context, c *cli.Context, rt runtime) error

// withRuntime loads configuration, installs logging and telemetry and runs
// cmd until it returns or the process is interrupted.
func withRuntime(cmd command) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return cli.Exit(err, 1)
		}
		logger := newLogger(cfg.Log)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdown, err := telemetry.InitProvider(ctx, cfg.Telemetry, version, cfg.Hub.DeviceID)
		if err != nil {
			return cli.Exit(fmt.Errorf("failed to initialize telemetry: %w", err), 1)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("telemetry shutdown failed", slog.Any("error", err))
			}
		}()

		return cmd(ctx, c, runtime{cfg: cfg, logger: logger})
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

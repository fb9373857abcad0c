// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mattermost-telegram-bridge relays messages between a Telegram
// group chat and a Mattermost channel, keeping durable maps of the users it
// has seen on each side.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aiku/mattermost-telegram-bridge/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	ConfigPath      string `short:"c" long:"config" default:"config.yaml" description:"Path to the config file"`
	GenerateExample bool   `short:"e" long:"generate-example-config" description:"Write the example config to the config path and exit"`
	NoUpdate        bool   `long:"no-update" description:"Do not write the upgraded config back to disk"`
	Version         bool   `short:"v" long:"version" description:"Print the version and exit"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if opts.Version {
		fmt.Printf("mattermost-telegram-bridge %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if opts.GenerateExample {
		if err := os.WriteFile(opts.ConfigPath, []byte(connector.ExampleConfig), 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write example config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote example config to %s\n", opts.ConfigPath)
		return
	}
	if err := run(opts); err != nil {
		log.Fatal().Err(err).Msg("Bridge exited with error")
	}
}

func run(opts options) error {
	cfg, upgraded, err := connector.LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if !opts.NoUpdate {
		if err := os.WriteFile(opts.ConfigPath, upgraded, 0o600); err != nil {
			return fmt.Errorf("failed to save upgraded config: %w", err)
		}
	}

	logger, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log.Logger = *logger
	zerolog.DefaultContextLogger = logger
	logger.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting mattermost-telegram-bridge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge := connector.NewBridge(cfg, *logger)
	if err := bridge.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return bridge.Stop(stopCtx)
}

// Command relay runs the reference docsync relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/ericfitz/docsync/internal/config"
	"github.com/ericfitz/docsync/internal/relay"
	"github.com/ericfitz/docsync/internal/slogging"
	"github.com/ericfitz/docsync/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags("relay", args, os.Stderr)
	if err != nil {
		return err
	}
	if flags.GenerateConfig {
		return config.GenerateExampleConfig(os.Stdout)
	}

	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		return err
	}
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}
	if err := slogging.Initialize(cfg.LoggerConfig()); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := slogging.Get()
	defer func() { _ = logger.Close() }()

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Error closing store: %v", err)
		}
	}()
	logger.Info("Using %s store", cfg.Store.Driver)

	return relay.NewServer(cfg, st).Run(ctx)
}

// skyguard is the air-traffic coordinator. Aircraft connect over TCP, stream
// their positions and receive collision avoidance instructions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/curbz/skyguard/internal/coordinator"
	"github.com/curbz/skyguard/internal/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "skyguard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("skyguard", pflag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	listen := flags.String("listen", "", "address aircraft connect to (overrides coordinator.listen_address)")
	feed := flags.String("radar-feed", "", "address of the operator radar feed (overrides radar_feed.listen_address)")
	level := flags.String("log-level", "", "debug, info, warn or error (overrides log.level)")
	stderr := flags.Bool("stderr", false, "mirror log records to stderr")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := coordinator.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if *listen != "" {
		cfg.Coordinator.ListenAddress = *listen
	}
	if *feed != "" {
		cfg.RadarFeed.ListenAddress = *feed
	}
	if *level != "" {
		cfg.Log.Level = *level
	}
	if *stderr {
		cfg.Log.Stderr = true
	}

	lg := log.New("skyguard", cfg.Log)
	lg.Info("configuration loaded", slog.String("path", *cfgPath),
		slog.String("listen", cfg.Coordinator.ListenAddress),
		slog.Duration("read_timeout", cfg.Coordinator.ReadTimeout),
		slog.Duration("predict_interval", cfg.Predictor.Interval))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := coordinator.New(cfg, nil, lg)
	if err := c.ListenAndServe(ctx); err != nil {
		lg.Error("coordinator failed", slog.Any("error", err))
		return err
	}
	return nil
}

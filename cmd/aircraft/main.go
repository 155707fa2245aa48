// aircraft flies one simulated aircraft against a running coordinator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"github.com/curbz/skyguard/internal/aircraft"
	"github.com/curbz/skyguard/internal/log"
	"github.com/curbz/skyguard/internal/model"
	"github.com/curbz/skyguard/pkg/util"
)

type config struct {
	Aircraft aircraft.Config `yaml:"aircraft"`
	Log      log.Config      `yaml:"log"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "aircraft: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("aircraft", pflag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", "", "path to the YAML configuration file")
	id := flags.Uint8("id", 0, "aircraft id")
	start := flags.String("start", "0,0,0", "starting position x,y,z")
	end := flags.String("end", "", "destination x,y,z")
	speed := flags.Float32("speed", 0, "distance flown per interval (overrides aircraft.speed)")
	server := flags.String("server", "", "coordinator address (overrides aircraft.server_address)")
	payload := flags.String("payload", "", "file uploaded on arrival")
	level := flags.String("log-level", "", "debug, info, warn or error")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := &config{}
	if *cfgPath != "" {
		loaded, err := util.LoadConfig[config](*cfgPath)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		cfg = loaded
	}
	if *speed != 0 {
		cfg.Aircraft.Speed = *speed
	}
	if *server != "" {
		cfg.Aircraft.ServerAddress = *server
	}
	if *level != "" {
		cfg.Log.Level = *level
	}

	from, err := aircraft.ParsePosition(*start)
	if err != nil {
		return err
	}
	if *end == "" {
		return errors.New("--end is required")
	}
	to, err := aircraft.ParsePosition(*end)
	if err != nil {
		return err
	}
	var data []byte
	if *payload != "" {
		if data, err = os.ReadFile(*payload); err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
	}

	flight := aircraft.Flight{ID: model.AircraftID(*id), Start: from, End: to, Payload: data}
	lg := log.New(fmt.Sprintf("aircraft-%03d", *id), cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rep, err := aircraft.New(cfg.Aircraft, flight, lg).Dial(ctx)
	if err != nil {
		lg.Error("flight failed", slog.Any("error", err))
		return err
	}
	lg.Info("flight complete", slog.Int("positions", rep.Positions),
		slog.Int("collision_alerts", len(rep.Collisions)), slog.Int("chunks", rep.Chunks),
		slog.String("final", rep.Final.String()))
	return nil
}

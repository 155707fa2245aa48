// radar prints the coordinator's traffic picture and then follows its alert
// feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"

	"github.com/curbz/skyguard/internal/radarfeed"
	"github.com/curbz/skyguard/pkg/apimodel"
)

func main() {
	flags := pflag.NewFlagSet("radar", pflag.ContinueOnError)
	feed := flags.String("feed", "http://127.0.0.1:8086", "radar feed base URL")
	follow := flags.BoolP("follow", "f", true, "stream alerts after printing the traffic picture")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	t, err := radarfeed.FetchTraffic(ctx, *feed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "radar: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d aircraft tracked\n", len(t.Aircraft))
	for _, a := range t.Aircraft {
		last := "-"
		if a.Last != nil {
			last = a.Last.String()
		}
		fmt.Printf("  %-6s samples=%-5d last=%s\n", a.Callsign, a.Samples, last)
	}
	for _, d := range t.Departed {
		fmt.Printf("  %-6s departed %s (%s)\n", d.Callsign, d.At.Format(time.TimeOnly), d.Reason)
	}
	if !*follow {
		return
	}

	err = radarfeed.Watch(ctx, *feed, nil, func(ev apimodel.Event) {
		switch ev.Type {
		case apimodel.EventCollision:
			fmt.Printf("%s COLLISION %s -> %.0f\n", time.Now().Format(time.TimeOnly), ev.Callsign, ev.Altitude)
		default:
			fmt.Printf("%s SILENT    %s\n", time.Now().Format(time.TimeOnly), ev.Callsign)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "radar: %v\n", err)
		os.Exit(1)
	}
}

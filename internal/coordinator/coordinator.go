// Package coordinator accepts aircraft connections, runs a session for each,
// drives the conflict predictor and reaps the trajectories of aircraft that
// have left.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/curbz/skyguard/internal/alertbus"
	"github.com/curbz/skyguard/internal/log"
	"github.com/curbz/skyguard/internal/model"
	"github.com/curbz/skyguard/internal/predictor"
	"github.com/curbz/skyguard/internal/radarfeed"
	"github.com/curbz/skyguard/internal/session"
	"github.com/curbz/skyguard/internal/sink"
	"github.com/curbz/skyguard/internal/trajectory"
)

const acceptBackoff = 50 * time.Millisecond

// State is the coordinator's operational gate.
type State int32

const (
	Open State = iota
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Coordinator struct {
	cfg       Config
	store     *trajectory.Store
	bus       *alertbus.Bus
	predictor *predictor.Predictor
	feed      *radarfeed.Server
	sinks     sink.Opener
	lg        *log.Logger

	state    atomic.Int32
	active   atomic.Int64
	sessions sync.WaitGroup
	departed *cache.Cache
}

// New builds a coordinator. A nil sinks stores exit uploads as files under
// cfg.Sink.Dir.
func New(cfg Config, sinks sink.Opener, lg *log.Logger) *Coordinator {
	cfg = cfg.WithDefaults()
	if sinks == nil {
		sinks = sink.NewFiles(cfg.Sink)
	}
	c := &Coordinator{
		cfg:      cfg,
		store:    trajectory.NewStore(),
		bus:      alertbus.New(cfg.Coordinator.AlertBuffer, cfg.Coordinator.ExitQueueSize),
		sinks:    sinks,
		lg:       lg,
		departed: cache.New(cfg.Coordinator.TombstoneTTL, cfg.Coordinator.TombstoneTTL),
	}
	c.predictor = predictor.New(cfg.Predictor, c.store, c.bus.Collisions, lg.With(slog.String("task", "predictor")))
	if cfg.RadarFeed.ListenAddress != "" {
		c.feed = radarfeed.New(cfg.RadarFeed, c.store, c, c.bus, lg.With(slog.String("task", "radar_feed")))
	}
	return c
}

func (c *Coordinator) Store() *trajectory.Store { return c.store }

func (c *Coordinator) Bus() *alertbus.Bus { return c.bus }

func (c *Coordinator) State() State { return State(c.state.Load()) }

// Open resumes spawning sessions for new connections.
func (c *Coordinator) Open() {
	if c.state.Swap(int32(Open)) != int32(Open) {
		c.lg.Info("coordinator open")
	}
}

// Close stops spawning sessions. Existing sessions keep running and new
// connections are closed as soon as they are accepted.
func (c *Coordinator) Close() {
	if c.state.Swap(int32(Closed)) != int32(Closed) {
		c.lg.Info("coordinator closed to new aircraft")
	}
}

// Sessions reports how many sessions are running.
func (c *Coordinator) Sessions() int { return int(c.active.Load()) }

func (c *Coordinator) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.cfg.Coordinator.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.cfg.Coordinator.ListenAddress, err)
	}
	return c.Serve(ctx, ln)
}

// Serve accepts aircraft on ln until ctx is done or a background task fails.
// Before returning it closes the alert broadcasts, waits for every session
// to finish and lets the reaper process the remaining exit notices.
func (c *Coordinator) Serve(ctx context.Context, ln net.Listener) error {
	reaped := make(chan struct{})
	go func() {
		defer close(reaped)
		c.reap()
	}()

	c.lg.Info("coordinator listening", slog.String("address", ln.Addr().String()))

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})
	eg.Go(func() error { return c.accept(gctx, ln) })
	eg.Go(func() error { return c.predictor.Run(gctx) })
	if c.feed != nil {
		eg.Go(func() error { return c.feed.ListenAndServe(gctx) })
	}
	err := eg.Wait()

	c.bus.CloseAlerts()
	c.sessions.Wait()
	c.bus.Exits.Close()
	<-reaped

	c.lg.Info("coordinator stopped", slog.Int("tracked", c.store.Len()))
	return err
}

func (c *Coordinator) accept(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			c.lg.Warn("accept failed", slog.Any("error", err))
			select {
			case <-time.After(acceptBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if c.State() == Closed {
			c.lg.Info("refusing aircraft while closed", slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		c.spawn(ctx, conn)
	}
}

func (c *Coordinator) spawn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	collisions, err := c.bus.Collisions.Subscribe()
	if err != nil {
		c.lg.Warn("unable to subscribe session", slog.String("remote", remote), slog.Any("error", err))
		conn.Close()
		return
	}
	warnings, err := c.bus.Warnings.Subscribe()
	if err != nil {
		collisions.Unsubscribe()
		c.lg.Warn("unable to subscribe session", slog.String("remote", remote), slog.Any("error", err))
		conn.Close()
		return
	}

	s := session.New(c.cfg.session(), session.Params{
		Conn:       conn,
		Store:      c.store,
		Collisions: collisions,
		Warnings:   warnings,
		WarningBus: c.bus.Warnings,
		Exits:      c.bus.Exits,
		Sinks:      c.sinks,
		Logger:     c.lg.With(slog.String("remote", remote)),
	})

	c.sessions.Add(1)
	c.active.Add(1)
	go func() {
		defer c.sessions.Done()
		defer c.active.Add(-1)
		if err := s.Run(ctx); err != nil {
			c.lg.Debug("session ended", slog.String("session", s.ID()), slog.Any("error", err))
		}
	}()
}

// reap is the only task that removes trajectories from the store.
func (c *Coordinator) reap() {
	q := c.bus.Exits
	for {
		select {
		case n := <-q.C():
			c.depart(n)
		case <-q.Done():
			for {
				select {
				case n := <-q.C():
					c.depart(n)
				default:
					return
				}
			}
		}
	}
}

func (c *Coordinator) depart(n model.ExitNotice) {
	lg := c.lg.With(slog.String("session", n.Session), slog.String("aircraft", n.Aircraft.String()))
	if _, seen := c.departed.Get(n.Session); seen {
		lg.Warn("duplicate exit notice ignored")
		return
	}
	// A reconnect under the same id owns the trajectory now and keeps it.
	d := model.Departure{Notice: n, At: time.Now(), Removed: c.store.RemoveIf(n.Aircraft, n.Session)}
	c.departed.SetDefault(n.Session, d)
	lg.Info("aircraft departed", slog.String("reason", n.Reason.String()), slog.Bool("removed", d.Removed))
}

// RecentDepartures lists the exit notices processed within the tombstone
// TTL, oldest first.
func (c *Coordinator) RecentDepartures() []model.Departure {
	items := c.departed.Items()
	out := make([]model.Departure, 0, len(items))
	for _, it := range items {
		if d, ok := it.Object.(model.Departure); ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

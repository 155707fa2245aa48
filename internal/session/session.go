// Package session runs the coordinator side of one aircraft connection.
//
// A session moves through AwaitHello, Streaming, DrainingExit and Closed.
// Inbound frames, alert bus messages and the read timeout are all waited on
// in a single select so alerts reach an idle aircraft without delay.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/curbz/skyguard/internal/alertbus"
	"github.com/curbz/skyguard/internal/log"
	"github.com/curbz/skyguard/internal/model"
	"github.com/curbz/skyguard/internal/sink"
	"github.com/curbz/skyguard/internal/trajectory"
	"github.com/curbz/skyguard/internal/wire"
	"github.com/curbz/skyguard/pkg/geometry"
	"github.com/curbz/skyguard/pkg/util"
)

var (
	ErrReadTimeout    = errors.New("read timeout")
	ErrPositionDecode = errors.New("frame body is not a position")
	ErrEvicted        = errors.New("aircraft reported as timed out")
	ErrDisconnected   = errors.New("aircraft disconnected")
)

type State int32

const (
	AwaitHello State = iota
	Streaming
	DrainingExit
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitHello:
		return "AWAIT_HELLO"
	case Streaming:
		return "STREAMING"
	case DrainingExit:
		return "DRAINING_EXIT"
	case Closed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Config struct {
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (c Config) WithDefaults() Config {
	c.ReadTimeout = util.DefaultIfZero(c.ReadTimeout, 5*time.Second)
	c.WriteTimeout = util.DefaultIfZero(c.WriteTimeout, 5*time.Second)
	return c
}

type WarningPublisher interface {
	Publish(model.TimeoutWarning) (int, error)
}

type ExitNotifier interface {
	Notify(context.Context, model.ExitNotice) error
}

// Params wires a session to the coordinator's shared resources. The
// subscriptions belong to the session, which unsubscribes them on close.
type Params struct {
	Conn       net.Conn
	Store      *trajectory.Store
	Collisions *alertbus.Subscription[model.CollisionAlert]
	Warnings   *alertbus.Subscription[model.TimeoutWarning]
	WarningBus WarningPublisher
	Exits      ExitNotifier
	Sinks      sink.Opener
	Logger     *log.Logger
}

type Session struct {
	cfg Config
	Params
	id     string
	reader *wire.Reader
	lg     *log.Logger

	state    atomic.Int32
	aircraft model.AircraftID
	known    atomic.Bool
	notified bool
	reason   model.ExitReason

	upload      sink.Upload
	uploadBytes int
}

func New(cfg Config, p Params) *Session {
	id := uuid.NewString()
	lg := p.Logger.With(slog.String("session", id))
	return &Session{
		cfg:    cfg.WithDefaults(),
		Params: p,
		id:     id,
		reader: wire.NewReader(p.Conn, lg),
		lg:     lg,
		reason: model.ExitDisconnected,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Aircraft returns the id announced in the hello frame, if one has arrived.
func (s *Session) Aircraft() (model.AircraftID, bool) {
	if !s.known.Load() {
		return 0, false
	}
	return s.aircraft, true
}

type readResult struct {
	frame wire.Frame
	err   error
}

// Run serves the connection until the aircraft completes its exit upload,
// times out, fails, or ctx is cancelled. It always leaves the session
// Closed with its connection and subscriptions released. A nil return means
// the exit upload completed.
func (s *Session) Run(ctx context.Context) (err error) {
	done := make(chan struct{})
	defer func() {
		close(done)
		s.close(ctx, err)
	}()

	frames := make(chan readResult)
	go s.readLoop(frames, done)

	var collisions <-chan model.CollisionAlert
	if s.Collisions != nil {
		collisions = s.Collisions.C()
	}
	var warnings <-chan model.TimeoutWarning
	if s.Warnings != nil {
		warnings = s.Warnings.C()
	}

	timer := time.NewTimer(s.cfg.ReadTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: coordinator shutting down", alertbus.ErrClosed)

		case <-timer.C:
			return s.timedOut()

		case r := <-frames:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return ErrDisconnected
				}
				s.reason = model.ExitDecodeFailed
				return r.err
			}
			timer.Reset(s.cfg.ReadTimeout)
			finished, err := s.handleFrame(r.frame)
			if err != nil || finished {
				return err
			}

		case a, ok := <-collisions:
			if !ok {
				return fmt.Errorf("collision alerts: %w", alertbus.ErrClosed)
			}
			if err := s.forwardCollision(a); err != nil {
				return err
			}

		case w, ok := <-warnings:
			if !ok {
				return fmt.Errorf("timeout warnings: %w", alertbus.ErrClosed)
			}
			if err := s.forwardWarning(w); err != nil {
				return err
			}
		}
	}
}

func (s *Session) readLoop(out chan<- readResult, done <-chan struct{}) {
	for {
		f, err := s.reader.ReadFrame()
		select {
		case out <- readResult{frame: f, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleFrame(f wire.Frame) (finished bool, err error) {
	switch s.State() {
	case AwaitHello:
		return s.handleHello(f)
	case Streaming:
		return s.handleStreaming(f)
	case DrainingExit:
		return s.drain(f)
	}
	return true, nil
}

func (s *Session) handleHello(f wire.Frame) (bool, error) {
	s.aircraft = f.Header.Aircraft
	s.known.Store(true)
	s.lg = s.lg.With(slog.String("aircraft", s.aircraft.String()))
	s.reader.SetLogger(s.lg)
	s.Store.Track(s.aircraft, s.id)
	s.state.Store(int32(Streaming))
	s.lg.Info("aircraft connected")

	switch {
	case f.Header.Kind == wire.KindCoordinate && len(f.Body) > 0:
		return false, s.appendPosition(f.Body)
	case f.Header.Kind == wire.KindExit:
		return s.startExit(f)
	}
	return false, nil
}

func (s *Session) handleStreaming(f wire.Frame) (bool, error) {
	switch f.Header.Kind {
	case wire.KindCoordinate:
		return false, s.appendPosition(f.Body)
	case wire.KindExit:
		return s.startExit(f)
	default:
		s.lg.Warn("ignoring unexpected frame from aircraft", slog.String("kind", f.Header.Kind.String()))
		return false, nil
	}
}

func (s *Session) appendPosition(body []byte) error {
	p, ok := geometry.PositionFromBytes(body)
	if !ok || len(body) != geometry.PositionSize {
		s.reason = model.ExitDecodeFailed
		return fmt.Errorf("%w: %d byte body", ErrPositionDecode, len(body))
	}
	s.Store.Append(s.aircraft, p)
	s.lg.Debug("position", slog.String("position", p.String()))
	return nil
}

func (s *Session) startExit(f wire.Frame) (bool, error) {
	s.state.Store(int32(DrainingExit))
	s.lg.Info("aircraft exiting, receiving upload", slog.Int("remaining", int(f.Header.SequenceRemaining)))
	if s.Sinks != nil {
		w, err := s.Sinks.Open(s.aircraft)
		if err != nil {
			s.lg.Error("unable to open upload sink", slog.Any("error", err))
		} else {
			s.upload = w
		}
	}
	return s.drain(f)
}

// drain stores one chunk of the exit upload. Sink failures are logged and
// the rest of the upload is discarded, but the exit sequence still runs to
// completion.
func (s *Session) drain(f wire.Frame) (bool, error) {
	if s.upload != nil {
		if _, err := s.upload.Write(f.Body); err != nil {
			s.lg.Error("upload write failed, discarding remainder", slog.Any("error", err))
			s.upload.Abort()
			s.upload = nil
		}
	}
	s.uploadBytes += len(f.Body)
	if f.Header.SequenceRemaining != 0 {
		return false, nil
	}

	if s.upload != nil {
		if err := s.upload.Close(); err != nil {
			s.lg.Error("upload close failed", slog.Any("error", err))
		}
		s.upload = nil
	}
	s.lg.Info("upload complete", slog.Int("bytes", s.uploadBytes))
	s.reason = model.ExitCompleted
	return true, nil
}

func (s *Session) timedOut() error {
	if _, ok := s.Aircraft(); !ok {
		return fmt.Errorf("%w: no hello frame", ErrReadTimeout)
	}
	s.reason = model.ExitTimedOut
	if s.WarningBus != nil {
		if _, err := s.WarningBus.Publish(model.TimeoutWarning{Aircraft: s.aircraft}); err != nil {
			s.lg.Warn("unable to broadcast timeout warning", slog.Any("error", err))
		}
	}
	return fmt.Errorf("%w after %v", ErrReadTimeout, s.cfg.ReadTimeout)
}

func (s *Session) forwardCollision(a model.CollisionAlert) error {
	if s.State() != Streaming || a.Aircraft != s.aircraft {
		return nil
	}
	s.lg.Info("sending collision avoidance", slog.Float64("altitude", float64(a.Altitude)))
	return s.write(wire.NewCollisionFrame(s.aircraft, a.Altitude))
}

func (s *Session) forwardWarning(w model.TimeoutWarning) error {
	if _, ok := s.Aircraft(); !ok {
		return nil
	}
	if w.Aircraft == s.aircraft {
		return ErrEvicted
	}
	if s.State() != Streaming {
		return nil
	}
	s.lg.Info("warning aircraft of silent neighbour", slog.String("silent", w.Aircraft.String()))
	return s.write(wire.NewWarningFrame(w.Aircraft))
}

func (s *Session) write(f wire.Frame) error {
	if err := s.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := wire.WriteFrame(s.Conn, f); err != nil {
		return fmt.Errorf("send %s: %w", f.Header.Kind, err)
	}
	return nil
}

func (s *Session) close(ctx context.Context, cause error) {
	s.state.Store(int32(Closed))
	if s.Collisions != nil {
		s.Collisions.Unsubscribe()
	}
	if s.Warnings != nil {
		s.Warnings.Unsubscribe()
	}
	if s.upload != nil {
		s.lg.Warn("exit upload incomplete, discarding", slog.Int("bytes", s.uploadBytes))
		if err := s.upload.Abort(); err != nil {
			s.lg.Error("upload discard failed", slog.Any("error", err))
		}
		s.upload = nil
	}
	s.Conn.Close()

	if cause != nil {
		s.lg.Warn("session closed", slog.Any("error", cause))
	} else {
		s.lg.Info("session closed")
	}

	if _, ok := s.Aircraft(); !ok || s.notified || s.Exits == nil {
		return
	}
	s.notified = true
	n := model.ExitNotice{Aircraft: s.aircraft, Session: s.id, Reason: s.reason}
	if err := s.Exits.Notify(context.WithoutCancel(ctx), n); err != nil {
		s.lg.Error("unable to send exit notice", slog.Any("error", err))
	}
}

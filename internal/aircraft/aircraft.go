// Package aircraft is a simple kinematic aircraft that flies a straight line
// to its destination while reporting to the coordinator, then uploads its
// flight data in EXIT chunks.
package aircraft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/curbz/skyguard/internal/log"
	"github.com/curbz/skyguard/internal/model"
	"github.com/curbz/skyguard/internal/wire"
	"github.com/curbz/skyguard/pkg/geometry"
	"github.com/curbz/skyguard/pkg/util"
)

// ErrTooManyChunks is returned when a payload needs more EXIT frames than
// the 8-bit sequence counter can number.
var ErrTooManyChunks = errors.New("payload needs more than 256 chunks")

const maxChunks = 256

type Config struct {
	ServerAddress  string        `yaml:"server_address"`
	Speed          float32       `yaml:"speed"`
	Interval       time.Duration `yaml:"interval"`
	ArrivalEpsilon float64       `yaml:"arrival_epsilon"`
	ChunkSize      int           `yaml:"chunk_size"`
	// HangupTimeout bounds the wait for the coordinator to close the
	// connection after the upload.
	HangupTimeout time.Duration `yaml:"hangup_timeout"`
}

func (c Config) WithDefaults() Config {
	c.ServerAddress = util.DefaultIfZero(c.ServerAddress, "127.0.0.1:8001")
	c.Speed = util.DefaultIfZero(c.Speed, 5)
	c.Interval = util.DefaultIfZero(c.Interval, time.Second)
	c.ArrivalEpsilon = util.DefaultIfZero(c.ArrivalEpsilon, 1.0)
	c.ChunkSize = util.DefaultIfZero(c.ChunkSize, 65500)
	c.HangupTimeout = util.DefaultIfZero(c.HangupTimeout, 5*time.Second)
	if c.ChunkSize > wire.MaxBodySize {
		c.ChunkSize = wire.MaxBodySize
	}
	return c
}

// Flight describes one trip and the data uploaded at the end of it.
type Flight struct {
	ID      model.AircraftID
	Start   geometry.Position
	End     geometry.Position
	Payload []byte
}

// Report summarises a completed flight.
type Report struct {
	Positions  int
	Collisions []float32
	Warnings   []model.AircraftID
	Chunks     int
	Final      geometry.Position
}

type Pilot struct {
	cfg    Config
	flight Flight
	lg     *log.Logger
	phase  atomic.Int32
}

func New(cfg Config, f Flight, lg *log.Logger) *Pilot {
	p := &Pilot{
		cfg:    cfg.WithDefaults(),
		flight: f,
		lg:     lg.With(slog.String("aircraft", f.ID.String())),
	}
	p.phase.Store(int32(Startup))
	return p
}

func (p *Pilot) Phase() FlightPhase { return FlightPhase(p.phase.Load()) }

func (p *Pilot) setPhase(fp FlightPhase) {
	p.phase.Store(int32(fp))
	p.lg.Info("flight phase", slog.String("phase", fp.String()))
}

// Dial connects to the configured coordinator and flies.
func (p *Pilot) Dial(ctx context.Context) (Report, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.cfg.ServerAddress)
	if err != nil {
		return Report{}, fmt.Errorf("connect to %s: %w", p.cfg.ServerAddress, err)
	}
	return p.Fly(ctx, conn)
}

// Fly runs the flight over conn and closes it when done.
func (p *Pilot) Fly(ctx context.Context, conn net.Conn) (Report, error) {
	defer conn.Close()
	defer p.setPhase(Parked)

	chunks, err := Chunks(p.flight.Payload, p.cfg.ChunkSize)
	if err != nil {
		return Report{}, err
	}

	inbound := make(chan wire.Frame)
	hungUp := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		r := wire.NewReader(conn, p.lg)
		for {
			f, err := r.ReadFrame()
			if err != nil {
				hungUp <- err
				return
			}
			select {
			case inbound <- f:
			case <-done:
				return
			}
		}
	}()

	var rep Report
	pos := p.flight.Start
	if err := p.send(conn, wire.NewHelloFrame(p.flight.ID)); err != nil {
		return rep, err
	}
	p.setPhase(Cruise)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

cruise:
	for {
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		case err := <-hungUp:
			return rep, fmt.Errorf("coordinator hung up in cruise: %w", err)
		case f := <-inbound:
			p.receive(f, &pos, &rep)
		case <-ticker.C:
			pos = p.step(pos)
			if geometry.Distance(pos, p.flight.End) <= p.cfg.ArrivalEpsilon {
				break cruise
			}
			if err := p.send(conn, wire.NewCoordinateFrame(p.flight.ID, pos)); err != nil {
				return rep, err
			}
			rep.Positions++
			p.lg.Debug("position sent", slog.String("position", pos.String()))
		}
	}
	rep.Final = pos
	p.setPhase(Final)

	p.setPhase(Uploading)
	for i, c := range chunks {
		remaining := uint8(len(chunks) - 1 - i)
		if err := p.send(conn, wire.NewExitFrame(p.flight.ID, c, remaining)); err != nil {
			return rep, err
		}
		rep.Chunks++
	}
	p.lg.Info("upload sent", slog.Int("chunks", rep.Chunks), slog.Int("bytes", len(p.flight.Payload)))

	p.setPhase(Shutdown)
	timeout := time.NewTimer(p.cfg.HangupTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		case <-timeout.C:
			return rep, nil
		case f := <-inbound:
			p.receive(f, &pos, &rep)
		case err := <-hungUp:
			if errors.Is(err, io.EOF) {
				return rep, nil
			}
			return rep, err
		}
	}
}

// step moves pos one interval toward the destination, stopping on it rather
// than overshooting.
func (p *Pilot) step(pos geometry.Position) geometry.Position {
	if geometry.Distance(pos, p.flight.End) <= float64(p.cfg.Speed) {
		return p.flight.End
	}
	v, ok := pos.Displacement(p.flight.End, p.cfg.Speed)
	if !ok {
		return p.flight.End
	}
	return pos.Add(v)
}

func (p *Pilot) receive(f wire.Frame, pos *geometry.Position, rep *Report) {
	switch f.Header.Kind {
	case wire.KindCollision:
		alt, ok := geometry.PositionFromBytes(f.Body)
		if !ok {
			p.lg.Warn("collision frame without altitude", slog.Int("bytes", len(f.Body)))
			return
		}
		pos.Z = alt.Z
		rep.Collisions = append(rep.Collisions, alt.Z)
		p.lg.Info("climbing to avoid traffic", slog.Float64("altitude", float64(alt.Z)))
	case wire.KindWarning:
		rep.Warnings = append(rep.Warnings, f.Header.Aircraft)
		p.lg.Info("neighbour went silent", slog.String("silent", f.Header.Aircraft.String()))
	default:
		p.lg.Warn("ignoring frame from coordinator", slog.String("kind", f.Header.Kind.String()))
	}
}

func (p *Pilot) send(conn net.Conn, f wire.Frame) error {
	conn.SetWriteDeadline(time.Now().Add(p.cfg.HangupTimeout))
	return wire.WriteFrame(conn, f)
}

// Chunks splits payload into EXIT bodies of at most size bytes. An empty
// payload still yields one empty chunk so the sequence can terminate.
func Chunks(payload []byte, size int) ([][]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", size)
	}
	n := (len(payload) + size - 1) / size
	if n == 0 {
		n = 1
	}
	if n > maxChunks {
		return nil, fmt.Errorf("%w: %d bytes at %d per chunk", ErrTooManyChunks, len(payload), size)
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * size
		end := min(start+size, len(payload))
		out = append(out, payload[start:end])
	}
	return out, nil
}

// ParsePosition parses "x,y,z".
func ParsePosition(s string) (geometry.Position, error) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(s), "[]"), ",")
	if len(parts) != 3 {
		return geometry.Position{}, fmt.Errorf("position %q: want x,y,z", s)
	}
	var v [3]float32
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return geometry.Position{}, fmt.Errorf("position %q: %w", s, err)
		}
		v[i] = float32(f)
	}
	return geometry.Position{X: v[0], Y: v[1], Z: v[2]}, nil
}

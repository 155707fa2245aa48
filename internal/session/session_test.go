package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/curbz/skyguard/internal/alertbus"
	"github.com/curbz/skyguard/internal/log"
	"github.com/curbz/skyguard/internal/model"
	"github.com/curbz/skyguard/internal/sink"
	"github.com/curbz/skyguard/internal/trajectory"
	"github.com/curbz/skyguard/internal/wire"
	"github.com/curbz/skyguard/pkg/geometry"
)

type harness struct {
	t      *testing.T
	client net.Conn
	store  *trajectory.Store
	bus    *alertbus.Bus
	sinks  *sink.Memory
	peer   *alertbus.Subscription[model.TimeoutWarning]
	sess   *Session
	errc   chan error
}

func newHarness(t *testing.T, cfg Config, opener sink.Opener) *harness {
	t.Helper()
	return newLoggedHarness(t, cfg, opener, nil)
}

func newLoggedHarness(t *testing.T, cfg Config, opener sink.Opener, lg *log.Logger) *harness {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	h := &harness{
		t:      t,
		client: client,
		store:  trajectory.NewStore(),
		bus:    alertbus.New(8, 8),
		sinks:  sink.NewMemory(),
		errc:   make(chan error, 1),
	}
	if opener == nil {
		opener = h.sinks
	}
	collisions, _ := h.bus.Collisions.Subscribe()
	warnings, _ := h.bus.Warnings.Subscribe()
	h.peer, _ = h.bus.Warnings.Subscribe()

	h.sess = New(cfg, Params{
		Conn:       server,
		Store:      h.store,
		Collisions: collisions,
		Warnings:   warnings,
		WarningBus: h.bus.Warnings,
		Exits:      h.bus.Exits,
		Sinks:      opener,
		Logger:     lg,
	})
	go func() { h.errc <- h.sess.Run(context.Background()) }()
	return h
}

func (h *harness) send(f wire.Frame) {
	h.t.Helper()
	h.client.SetWriteDeadline(time.Now().Add(time.Second))
	if err := wire.WriteFrame(h.client, f); err != nil {
		h.t.Fatalf("send %v: %v", f, err)
	}
}

func (h *harness) receive() wire.Frame {
	h.t.Helper()
	h.client.SetReadDeadline(time.Now().Add(time.Second))
	f, err := wire.NewReader(h.client, nil).ReadFrame()
	if err != nil {
		h.t.Fatalf("receive: %v", err)
	}
	return f
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("session did not finish")
		return nil
	}
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.sess.State() != want {
		if time.Now().After(deadline) {
			h.t.Fatalf("state: got %v, want %v", h.sess.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) exitNotice() model.ExitNotice {
	h.t.Helper()
	select {
	case n := <-h.bus.Exits.C():
		return n
	case <-time.After(time.Second):
		h.t.Fatal("no exit notice")
		return model.ExitNotice{}
	}
}

func (h *harness) noMoreExitNotices() {
	h.t.Helper()
	select {
	case n := <-h.bus.Exits.C():
		h.t.Fatalf("unexpected extra exit notice %+v", n)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCoordinatesAppendedInOrder(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	p1 := geometry.Position{X: 1, Y: 1, Z: 1}
	p2 := geometry.Position{X: 2, Y: 2, Z: 1}

	h.send(wire.NewHelloFrame(5))
	h.send(wire.NewCoordinateFrame(5, p1))
	h.send(wire.NewCoordinateFrame(5, p2))
	h.send(wire.NewExitFrame(5, nil, 0))

	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, ok := h.store.Trajectory(5)
	if !ok {
		t.Fatal("trajectory missing; only the reaper may remove it")
	}
	if want := []geometry.Position{p1, p2}; !reflect.DeepEqual(got, want) {
		t.Fatalf("trajectory: got %v, want %v", got, want)
	}
}

func TestHelloWithPosition(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	p := geometry.Position{X: 4, Y: 5, Z: 6}
	h.send(wire.NewCoordinateFrame(3, p))
	h.waitState(Streaming)

	if id, ok := h.sess.Aircraft(); !ok || id != 3 {
		t.Fatalf("Aircraft: got (%v, %v)", id, ok)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if tr, _ := h.store.Trajectory(3); len(tr) == 1 && tr[0] == p {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("hello position never appended")
		}
		time.Sleep(time.Millisecond)
	}
	h.client.Close()
	if err := h.wait(); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Run: got %v, want ErrDisconnected", err)
	}
	if n := h.exitNotice(); n.Reason != model.ExitDisconnected {
		t.Fatalf("exit reason: got %v", n.Reason)
	}
}

func TestExitUploadPersisted(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.send(wire.NewHelloFrame(8))
	h.send(wire.NewCoordinateFrame(8, geometry.Position{X: 1}))
	h.send(wire.NewExitFrame(8, []byte("ab"), 2))
	h.waitState(DrainingExit)
	// Chunks after the first keep their body whatever the kind tag says.
	h.send(wire.Frame{Header: wire.Header{Kind: wire.KindCoordinate, Aircraft: 8, BodySize: 2, SequenceRemaining: 1}, Body: []byte("cd")})
	h.send(wire.NewExitFrame(8, []byte("ef"), 0))

	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, ok := h.sinks.Payload(8)
	if !ok || string(got) != "abcdef" {
		t.Fatalf("payload: got (%q, %v), want abcdef", got, ok)
	}
	n := h.exitNotice()
	if n.Aircraft != 8 || n.Reason != model.ExitCompleted || n.Session != h.sess.ID() {
		t.Fatalf("exit notice: %+v", n)
	}
	h.noMoreExitNotices()
	if h.sess.State() != Closed {
		t.Fatalf("state after exit: %v", h.sess.State())
	}
}

type failingOpener struct{}

func (failingOpener) Open(model.AircraftID) (sink.Upload, error) {
	return nil, sink.ErrSinkWrite
}

func TestExitCompletesDespiteSinkFailure(t *testing.T) {
	h := newHarness(t, Config{}, failingOpener{})
	h.send(wire.NewHelloFrame(2))
	h.send(wire.NewExitFrame(2, []byte("ab"), 1))
	h.send(wire.NewExitFrame(2, []byte("cd"), 0))

	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.exitNotice(); n.Reason != model.ExitCompleted {
		t.Fatalf("exit reason: got %v", n.Reason)
	}
}

func TestReadTimeoutBroadcastsWarning(t *testing.T) {
	h := newHarness(t, Config{ReadTimeout: 50 * time.Millisecond}, nil)
	h.send(wire.NewHelloFrame(5))

	if err := h.wait(); !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("Run: got %v, want ErrReadTimeout", err)
	}

	select {
	case w := <-h.peer.C():
		if w.Aircraft != 5 {
			t.Fatalf("warning names %v, want 5", w.Aircraft)
		}
	case <-time.After(time.Second):
		t.Fatal("peer never saw a timeout warning")
	}
	select {
	case w := <-h.peer.C():
		t.Fatalf("second warning %+v", w)
	case <-time.After(20 * time.Millisecond):
	}

	if n := h.exitNotice(); n.Aircraft != 5 || n.Reason != model.ExitTimedOut {
		t.Fatalf("exit notice: %+v", n)
	}
	if got := h.bus.Collisions.Subscribers(); got != 0 {
		t.Errorf("collision subscribers after close: %d", got)
	}
	if got := h.bus.Warnings.Subscribers(); got != 1 {
		t.Errorf("warning subscribers after close: %d, want only the peer", got)
	}
}

func TestHelloTimeout(t *testing.T) {
	h := newHarness(t, Config{ReadTimeout: 30 * time.Millisecond}, nil)
	if err := h.wait(); !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("Run: got %v, want ErrReadTimeout", err)
	}
	select {
	case w := <-h.peer.C():
		t.Fatalf("warning for unidentified aircraft: %+v", w)
	default:
	}
	h.noMoreExitNotices()
}

func TestCollisionAlertForwarded(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.send(wire.NewHelloFrame(5))
	h.waitState(Streaming)

	h.bus.Collisions.Publish(model.CollisionAlert{Aircraft: 6, Altitude: 30000})
	h.bus.Collisions.Publish(model.CollisionAlert{Aircraft: 5, Altitude: 32000})

	f := h.receive()
	if f.Header.Kind != wire.KindCollision || f.Header.Aircraft != 5 {
		t.Fatalf("frame: %v", f)
	}
	p, ok := geometry.PositionFromBytes(f.Body)
	if !ok || p.Z != 32000 {
		t.Fatalf("altitude: got (%v, %v), want 32000", p, ok)
	}
}

func TestNeighbourWarningForwarded(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.send(wire.NewHelloFrame(5))
	h.waitState(Streaming)

	h.bus.Warnings.Publish(model.TimeoutWarning{Aircraft: 9})
	f := h.receive()
	if f.Header.Kind != wire.KindWarning || f.Header.Aircraft != 9 || len(f.Body) != 0 {
		t.Fatalf("frame: %v body=%v", f, f.Body)
	}
}

func TestOwnWarningEvicts(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.send(wire.NewHelloFrame(5))
	h.waitState(Streaming)

	h.bus.Warnings.Publish(model.TimeoutWarning{Aircraft: 5})
	if err := h.wait(); !errors.Is(err, ErrEvicted) {
		t.Fatalf("Run: got %v, want ErrEvicted", err)
	}
}

func TestBadPositionFailsSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.send(wire.NewHelloFrame(5))
	h.send(wire.NewFrame(wire.KindCoordinate, 5, []byte{1, 2, 3, 4}))

	if err := h.wait(); !errors.Is(err, ErrPositionDecode) {
		t.Fatalf("Run: got %v, want ErrPositionDecode", err)
	}
	if n := h.exitNotice(); n.Reason != model.ExitDecodeFailed {
		t.Fatalf("exit reason: got %v", n.Reason)
	}
}

func TestTruncatedFrameFailsSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.send(wire.NewHelloFrame(5))
	h.client.Write([]byte{byte(wire.KindCoordinate), 5, 0})
	h.client.Close()

	if err := h.wait(); !errors.Is(err, wire.ErrFraming) {
		t.Fatalf("Run: got %v, want ErrFraming", err)
	}
}

func TestInboundAlertFramesIgnored(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.send(wire.NewHelloFrame(5))
	h.send(wire.NewCollisionFrame(5, 1000))
	h.send(wire.NewWarningFrame(2))
	h.send(wire.NewCoordinateFrame(5, geometry.Position{X: 1}))
	if h.sess.State() != Streaming {
		t.Fatalf("state: got %v, want STREAMING", h.sess.State())
	}
	h.send(wire.NewExitFrame(5, nil, 0))
	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestBusClosedEndsSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.send(wire.NewHelloFrame(5))
	h.waitState(Streaming)
	h.bus.Collisions.Close()
	if err := h.wait(); !errors.Is(err, alertbus.ErrClosed) {
		t.Fatalf("Run: got %v, want ErrClosed", err)
	}
}

func TestDisconnectMidUploadDiscardsPayload(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.send(wire.NewHelloFrame(8))
	h.send(wire.NewExitFrame(8, []byte("ab"), 2))
	h.waitState(DrainingExit)
	h.client.Close()

	if err := h.wait(); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Run: got %v, want ErrDisconnected", err)
	}
	if got, ok := h.sinks.Payload(8); ok {
		t.Fatalf("partial upload committed: %q", got)
	}
	if h.sinks.Closes(8) != 0 || h.sinks.Aborts(8) != 1 {
		t.Fatalf("closes=%d aborts=%d, want 0 and 1", h.sinks.Closes(8), h.sinks.Aborts(8))
	}
	if n := h.exitNotice(); n.Reason != model.ExitDisconnected {
		t.Fatalf("exit reason: got %v", n.Reason)
	}
	h.noMoreExitNotices()
}

func TestMalformedFrameMidUploadDiscardsPayload(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.send(wire.NewHelloFrame(8))
	h.send(wire.NewExitFrame(8, []byte("ab"), 1))
	h.waitState(DrainingExit)
	// Header promises a 10 byte body; only 3 bytes follow.
	h.client.Write([]byte{byte(wire.KindExit), 8, 0, 10, 0, 'c', 'd', 'e'})
	h.client.Close()

	if err := h.wait(); !errors.Is(err, wire.ErrFraming) {
		t.Fatalf("Run: got %v, want ErrFraming", err)
	}
	if got, ok := h.sinks.Payload(8); ok {
		t.Fatalf("partial upload committed: %q", got)
	}
	if h.sinks.Aborts(8) != 1 {
		t.Fatalf("aborts: got %d, want 1", h.sinks.Aborts(8))
	}
	if n := h.exitNotice(); n.Reason != model.ExitDecodeFailed {
		t.Fatalf("exit reason: got %v", n.Reason)
	}
	h.noMoreExitNotices()
}

func TestOversizePositionFailsSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.send(wire.NewHelloFrame(5))
	body := append(geometry.Position{X: 1, Y: 2, Z: 3}.Bytes(), 0xff)
	h.send(wire.NewFrame(wire.KindCoordinate, 5, body))

	if err := h.wait(); !errors.Is(err, ErrPositionDecode) {
		t.Fatalf("Run: got %v, want ErrPositionDecode", err)
	}
	if tr, _ := h.store.Trajectory(5); len(tr) != 0 {
		t.Fatalf("oversize body appended: %v", tr)
	}
}

// lockedBuffer lets the session's reader goroutine log while the test reads.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestUnknownKindLoggedWithAircraft(t *testing.T) {
	var out lockedBuffer
	h := newLoggedHarness(t, Config{}, nil, log.NewWriter(&out, "warn"))
	h.send(wire.NewHelloFrame(5))
	h.waitState(Streaming)
	h.client.Write([]byte{7, 5, 0, 0, 0})
	h.send(wire.NewExitFrame(5, nil, 0))

	if err := h.wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.Contains(line, "unknown frame kind") {
			if !strings.Contains(line, `"aircraft":"AC005"`) {
				t.Fatalf("unknown kind record lacks aircraft: %s", line)
			}
			return
		}
	}
	t.Fatalf("no unknown kind record in %q", out.String())
}

// Package wire implements the coordinator's binary frame format.
//
// A frame is a fixed 5-byte header followed by a body:
//
//	[kind u8] [aircraft u8] [body size u16 big-endian] [sequence remaining u8] [body]
//
// Both the header's size field and Position bodies are big-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/curbz/skyguard/internal/log"
	"github.com/curbz/skyguard/internal/model"
	"github.com/curbz/skyguard/pkg/geometry"
)

// HeaderSize is the fixed length of an encoded Header.
const HeaderSize = 5

// MaxBodySize is the largest body a frame can describe.
const MaxBodySize = 1<<16 - 1

// ErrFraming reports a short or malformed header or body.
var ErrFraming = errors.New("framing error")

type Kind uint8

const (
	KindWarning    Kind = 0
	KindCollision  Kind = 1
	KindCoordinate Kind = 2
	KindExit       Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindWarning:
		return "WARNING"
	case KindCollision:
		return "COLLISION"
	case KindCoordinate:
		return "COORDINATE"
	case KindExit:
		return "EXIT"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind maps a tag byte to a Kind. Unknown tags map to KindWarning and
// ok is false so the caller can record the anomaly.
func ParseKind(tag byte) (kind Kind, ok bool) {
	switch k := Kind(tag); k {
	case KindWarning, KindCollision, KindCoordinate, KindExit:
		return k, true
	}
	return KindWarning, false
}

type Header struct {
	Kind     Kind
	Aircraft model.AircraftID
	BodySize uint16
	// SequenceRemaining counts the EXIT chunks still to come after this
	// one; 0 marks the final chunk.
	SequenceRemaining uint8
}

type Frame struct {
	Header Header
	Body   []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("[%s, %s, %d, %d]", f.Header.Kind, f.Header.Aircraft,
		f.Header.BodySize, f.Header.SequenceRemaining)
}

// NewFrame builds a frame with BodySize set from body.
func NewFrame(kind Kind, aircraft model.AircraftID, body []byte) Frame {
	return Frame{
		Header: Header{Kind: kind, Aircraft: aircraft, BodySize: uint16(len(body))},
		Body:   body,
	}
}

// NewCoordinateFrame carries an aircraft's current position.
func NewCoordinateFrame(aircraft model.AircraftID, p geometry.Position) Frame {
	return NewFrame(KindCoordinate, aircraft, p.Bytes())
}

// NewHelloFrame is the empty COORDINATE frame an aircraft sends to introduce
// itself.
func NewHelloFrame(aircraft model.AircraftID) Frame {
	return NewFrame(KindCoordinate, aircraft, nil)
}

// NewCollisionFrame tells an aircraft to fly at altitude. The altitude rides
// in the z field of a Position body.
func NewCollisionFrame(aircraft model.AircraftID, altitude float32) Frame {
	return NewFrame(KindCollision, aircraft, geometry.Position{Z: altitude}.Bytes())
}

// NewWarningFrame names an aircraft that has gone silent.
func NewWarningFrame(silent model.AircraftID) Frame {
	return NewFrame(KindWarning, silent, nil)
}

// NewExitFrame carries one chunk of an aircraft's final upload.
func NewExitFrame(aircraft model.AircraftID, chunk []byte, remaining uint8) Frame {
	f := NewFrame(KindExit, aircraft, chunk)
	f.Header.SequenceRemaining = remaining
	return f
}

func (h Header) put(b []byte) {
	b[0] = byte(h.Kind)
	b[1] = byte(h.Aircraft)
	binary.BigEndian.PutUint16(b[2:4], h.BodySize)
	b[4] = h.SequenceRemaining
}

// Encode serializes f. The header's BodySize is taken from len(f.Body).
func Encode(f Frame) ([]byte, error) {
	if len(f.Body) > MaxBodySize {
		return nil, fmt.Errorf("%w: body length %d exceeds maximum %d", ErrFraming, len(f.Body), MaxBodySize)
	}
	b := make([]byte, HeaderSize+len(f.Body))
	h := f.Header
	h.BodySize = uint16(len(f.Body))
	h.put(b[:HeaderSize])
	copy(b[HeaderSize:], f.Body)
	return b, nil
}

// WriteFrame encodes f and writes it to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Reader decodes frames from a byte stream.
type Reader struct {
	r  io.Reader
	lg atomic.Pointer[log.Logger]
}

func NewReader(r io.Reader, lg *log.Logger) *Reader {
	fr := &Reader{r: r}
	fr.lg.Store(lg)
	return fr
}

// SetLogger replaces the logger used for decode anomalies. It may be called
// while another goroutine is reading.
func (fr *Reader) SetLogger(lg *log.Logger) {
	fr.lg.Store(lg)
}

// ReadFrame reads exactly one header and exactly BodySize body bytes. A
// short read of either is an ErrFraming; io.EOF is returned unwrapped when
// the stream ends cleanly before a header starts.
func (fr *Reader) ReadFrame() (Frame, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(fr.r, hb[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("%w: read header: %v", ErrFraming, err)
	}
	h := fr.parseHeader(hb[:])

	body := make([]byte, h.BodySize)
	if h.BodySize > 0 {
		if _, err := io.ReadFull(fr.r, body); err != nil {
			return Frame{}, fmt.Errorf("%w: read %d byte body: %v", ErrFraming, h.BodySize, err)
		}
	}
	return Frame{Header: h, Body: body}, nil
}

func (fr *Reader) parseHeader(b []byte) Header {
	kind, ok := ParseKind(b[0])
	if !ok {
		fr.lg.Load().Warn("unknown frame kind, treating as WARNING", slog.Int("tag", int(b[0])))
	}
	return Header{
		Kind:              kind,
		Aircraft:          model.AircraftID(b[1]),
		BodySize:          binary.BigEndian.Uint16(b[2:4]),
		SequenceRemaining: b[4],
	}
}

// Decode parses a single complete frame from b. Trailing bytes beyond the
// frame are ignored.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes is shorter than a header", ErrFraming, len(b))
	}
	fr := Reader{}
	h := fr.parseHeader(b[:HeaderSize])
	end := HeaderSize + int(h.BodySize)
	if len(b) < end {
		return Frame{}, fmt.Errorf("%w: body wants %d bytes, have %d", ErrFraming, h.BodySize, len(b)-HeaderSize)
	}
	body := make([]byte, h.BodySize)
	copy(body, b[HeaderSize:end])
	return Frame{Header: h, Body: body}, nil
}

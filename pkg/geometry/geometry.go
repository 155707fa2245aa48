package geometry

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PositionSize is the number of bytes a Position occupies on the wire.
const PositionSize = 12

// Position is a point in the simulated airspace.
type Position struct {
	X float32
	Y float32
	Z float32
}

func (p Position) String() string {
	return fmt.Sprintf("[%g,%g,%g]", p.X, p.Y, p.Z)
}

// --- Geometry Helpers ---

// Distance returns the straight-line distance between a and b.
func Distance(a, b Position) float64 {
	dx := float64(b.X) - float64(a.X)
	dy := float64(b.Y) - float64(a.Y)
	dz := float64(b.Z) - float64(a.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Add returns p translated by v.
func (p Position) Add(v Position) Position {
	return Position{X: p.X + v.X, Y: p.Y + v.Y, Z: p.Z + v.Z}
}

// Displacement returns the velocity vector that moves p toward target at the
// given speed. The second return is false when p and target coincide, since
// no direction can be derived.
func (p Position) Displacement(target Position, speed float32) (Position, bool) {
	dx := float64(target.X) - float64(p.X)
	dy := float64(target.Y) - float64(p.Y)
	dz := float64(target.Z) - float64(p.Z)

	magnitude := math.Sqrt(dx*dx + dy*dy + dz*dz)
	if magnitude == 0 || math.IsNaN(magnitude) || math.IsInf(magnitude, 0) {
		return Position{}, false
	}

	s := float64(speed)
	return Position{
		X: float32(dx / magnitude * s),
		Y: float32(dy / magnitude * s),
		Z: float32(dz / magnitude * s),
	}, true
}

// IsFinite reports whether every component of p is a finite number.
func (p Position) IsFinite() bool {
	for _, c := range [...]float32{p.X, p.Y, p.Z} {
		f := float64(c)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Bytes encodes p as three big-endian IEEE-754 floats in x, y, z order.
func (p Position) Bytes() []byte {
	b := make([]byte, PositionSize)
	binary.BigEndian.PutUint32(b[0:4], math.Float32bits(p.X))
	binary.BigEndian.PutUint32(b[4:8], math.Float32bits(p.Y))
	binary.BigEndian.PutUint32(b[8:12], math.Float32bits(p.Z))
	return b
}

// PositionFromBytes decodes the first 12 bytes of b. It returns false if b is
// too short to hold a Position.
func PositionFromBytes(b []byte) (Position, bool) {
	if len(b) < PositionSize {
		return Position{}, false
	}
	return Position{
		X: math.Float32frombits(binary.BigEndian.Uint32(b[0:4])),
		Y: math.Float32frombits(binary.BigEndian.Uint32(b[4:8])),
		Z: math.Float32frombits(binary.BigEndian.Uint32(b[8:12])),
	}, true
}

package model

import (
	"fmt"
	"time"
)

// AircraftID identifies one connected aircraft. The aircraft picks it in its
// first frame.
type AircraftID uint8

func (id AircraftID) String() string {
	return fmt.Sprintf("AC%03d", uint8(id))
}

// CollisionAlert instructs one aircraft to climb or descend to Altitude.
type CollisionAlert struct {
	Aircraft AircraftID
	Altitude float32
}

// TimeoutWarning reports that an aircraft stopped sending frames.
type TimeoutWarning struct {
	Aircraft AircraftID
}

// ExitReason records why a session stopped tracking its aircraft.
type ExitReason int

const (
	ExitCompleted ExitReason = iota
	ExitTimedOut
	ExitDecodeFailed
	ExitDisconnected
)

func (r ExitReason) String() string {
	switch r {
	case ExitCompleted:
		return "completed"
	case ExitTimedOut:
		return "timed out"
	case ExitDecodeFailed:
		return "decode failed"
	case ExitDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("ExitReason(%d)", int(r))
}

// ExitNotice asks the reaper to drop an aircraft's trajectory. Session is the
// unique id of the connection that sent it.
type ExitNotice struct {
	Aircraft AircraftID
	Session  string
	Reason   ExitReason
}

// Departure is an exit notice the reaper has processed.
type Departure struct {
	Notice ExitNotice
	At     time.Time
	// Removed is false when the trajectory was already gone.
	Removed bool
}

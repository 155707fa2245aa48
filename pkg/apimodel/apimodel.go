// Package apimodel holds the JSON shapes served by the radar feed.
package apimodel

import (
	"time"

	"github.com/curbz/skyguard/pkg/geometry"
)

// Event types sent over the feed websocket.
const (
	EventCollision = "collision"
	EventTimeout   = "timeout"
)

// Event is one alert as sent over the websocket.
type Event struct {
	Type     string  `json:"type"`
	Aircraft uint8   `json:"aircraft"`
	Callsign string  `json:"callsign"`
	Altitude float32 `json:"altitude,omitempty"`
}

type AircraftStatus struct {
	Aircraft uint8              `json:"aircraft"`
	Callsign string             `json:"callsign"`
	Samples  int                `json:"samples"`
	Last     *geometry.Position `json:"last,omitempty"`
}

type DepartureStatus struct {
	Aircraft uint8     `json:"aircraft"`
	Callsign string    `json:"callsign"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Traffic is the response of GET /api/v1/traffic.
type Traffic struct {
	Aircraft []AircraftStatus  `json:"aircraft"`
	Departed []DepartureStatus `json:"departed"`
}

// ErrorPayload is the body of a failed request.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

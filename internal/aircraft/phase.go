package aircraft

type FlightPhase int

const (
	Unknown   FlightPhase = iota - 1
	Startup               // Connected, hello frame not yet sent.
	Cruise                // Streaming positions toward the destination.
	Final                 // Within the arrival epsilon; no more positions.
	Uploading             // Sending the EXIT chunks.
	Shutdown              // Upload sent, waiting for the coordinator to hang up.
	Parked                // Connection closed.
)

func (fp FlightPhase) String() string {
	if fp < Unknown || fp > Parked {
		return "Unknown"
	}
	return [...]string{
		"Unknown",
		"Startup",
		"Cruise",
		"Final",
		"Uploading",
		"Shutdown",
		"Parked",
	}[fp+1]
}

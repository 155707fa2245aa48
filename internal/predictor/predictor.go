package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/curbz/skyguard/internal/alertbus"
	"github.com/curbz/skyguard/internal/log"
	"github.com/curbz/skyguard/internal/model"
	"github.com/curbz/skyguard/internal/trajectory"
	"github.com/curbz/skyguard/pkg/geometry"
	"github.com/curbz/skyguard/pkg/util"
)

type Config struct {
	Interval  time.Duration `yaml:"interval"`
	MaxCycles int           `yaml:"max_cycles"`
	Tolerance float64       `yaml:"tolerance"`
	// HighAltitude goes to the lower-numbered aircraft of a conflicting
	// pair, LowAltitude to the other.
	HighAltitude float32 `yaml:"high_altitude"`
	LowAltitude  float32 `yaml:"low_altitude"`
}

func (c Config) WithDefaults() Config {
	c.Interval = util.DefaultIfZero(c.Interval, time.Second)
	c.MaxCycles = util.DefaultIfZero(c.MaxCycles, 3)
	c.Tolerance = util.DefaultIfZero(c.Tolerance, 2.0)
	c.HighAltitude = util.DefaultIfZero(c.HighAltitude, 32000)
	c.LowAltitude = util.DefaultIfZero(c.LowAltitude, 30000)
	return c
}

var errNonFinite = errors.New("non-finite trajectory sample")

type EndpointSource interface {
	Endpoints() map[model.AircraftID]trajectory.Endpoints
}

type Publisher interface {
	Publish(model.CollisionAlert) (int, error)
}

type Predictor struct {
	cfg    Config
	source EndpointSource
	alerts Publisher
	lg     *log.Logger
}

func New(cfg Config, source EndpointSource, alerts Publisher, lg *log.Logger) *Predictor {
	return &Predictor{cfg: cfg.WithDefaults(), source: source, alerts: alerts, lg: lg}
}

// Conflict is a predicted loss of separation between two aircraft.
type Conflict struct {
	First, Second model.AircraftID
	// Cycle is the extrapolation step, starting at 1, where the aircraft
	// came within tolerance.
	Cycle    int
	Distance float64
}

// Predict checks every pair of aircraft in endpoints and returns the
// predicted conflicts ordered by aircraft id. Pairs whose samples cannot be
// evaluated are logged and skipped.
func (p *Predictor) Predict(endpoints map[model.AircraftID]trajectory.Endpoints) []Conflict {
	ids := make([]model.AircraftID, 0, len(endpoints))
	for id := range endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var conflicts []Conflict
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			c, ok, err := p.evaluatePair(ids[i], endpoints[ids[i]], ids[j], endpoints[ids[j]])
			if err != nil {
				p.lg.Warn("skipping pair", slog.String("first", ids[i].String()),
					slog.String("second", ids[j].String()), slog.Any("error", err))
				continue
			}
			if ok {
				conflicts = append(conflicts, c)
			}
		}
	}
	return conflicts
}

func (p *Predictor) evaluatePair(a model.AircraftID, ea trajectory.Endpoints,
	b model.AircraftID, eb trajectory.Endpoints) (Conflict, bool, error) {
	for _, e := range []trajectory.Endpoints{ea, eb} {
		if !e.Previous.IsFinite() || !e.Last.IsFinite() {
			return Conflict{}, false, fmt.Errorf("%w: %v -> %v", errNonFinite, e.Previous, e.Last)
		}
	}

	va, ok := velocity(ea)
	if !ok {
		return Conflict{}, false, nil
	}
	vb, ok := velocity(eb)
	if !ok {
		return Conflict{}, false, nil
	}

	pa, pb := ea.Last, eb.Last
	for cycle := 1; cycle <= p.cfg.MaxCycles; cycle++ {
		pa, pb = pa.Add(va), pb.Add(vb)
		if d := geometry.Distance(pa, pb); d <= p.cfg.Tolerance {
			return Conflict{First: a, Second: b, Cycle: cycle, Distance: d}, true, nil
		}
	}
	return Conflict{}, false, nil
}

// velocity is the per-cycle displacement implied by the last two samples.
// Stationary aircraft have no direction and report false.
func velocity(e trajectory.Endpoints) (geometry.Position, bool) {
	speed := geometry.Distance(e.Previous, e.Last)
	return e.Previous.Displacement(e.Last, float32(speed))
}

// Alerts resolves each conflict by sending the two aircraft to different
// altitudes.
func (p *Predictor) Alerts(conflicts []Conflict) []model.CollisionAlert {
	alerts := make([]model.CollisionAlert, 0, 2*len(conflicts))
	for _, c := range conflicts {
		alerts = append(alerts,
			model.CollisionAlert{Aircraft: c.First, Altitude: p.cfg.HighAltitude},
			model.CollisionAlert{Aircraft: c.Second, Altitude: p.cfg.LowAltitude})
	}
	return alerts
}

// Tick runs one prediction pass against the current store contents and
// publishes the resulting alerts.
func (p *Predictor) Tick() error {
	conflicts := p.Predict(p.source.Endpoints())
	for _, c := range conflicts {
		p.lg.Info("predicted conflict",
			slog.String("first", c.First.String()), slog.String("second", c.Second.String()),
			slog.Int("cycle", c.Cycle), slog.Float64("distance", c.Distance))
	}
	for _, a := range p.Alerts(conflicts) {
		dropped, err := p.alerts.Publish(a)
		if err != nil {
			return err
		}
		if dropped > 0 {
			p.lg.Warn("collision alert not delivered to every session",
				slog.String("aircraft", a.Aircraft.String()), slog.Int("dropped", dropped))
		}
	}
	return nil
}

// Run ticks every Interval until ctx is done or the alert bus closes.
func (p *Predictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Tick(); err != nil {
				if errors.Is(err, alertbus.ErrClosed) {
					return nil
				}
				return err
			}
		}
	}
}

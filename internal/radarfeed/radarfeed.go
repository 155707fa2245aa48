// Package radarfeed gives operators a view of the coordinator: an HTTP
// endpoint for the current traffic picture and a websocket stream of the
// alerts the coordinator issues.
package radarfeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"github.com/curbz/skyguard/internal/alertbus"
	"github.com/curbz/skyguard/internal/log"
	"github.com/curbz/skyguard/internal/model"
	"github.com/curbz/skyguard/pkg/apimodel"
	"github.com/curbz/skyguard/pkg/geometry"
	"github.com/curbz/skyguard/pkg/util"
)

type Config struct {
	// ListenAddress disables the feed when empty.
	ListenAddress string        `yaml:"listen_address"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

type TrafficSource interface {
	Snapshot() map[model.AircraftID][]geometry.Position
}

type DepartureSource interface {
	RecentDepartures() []model.Departure
}

type Server struct {
	cfg        Config
	traffic    TrafficSource
	departures DepartureSource
	bus        *alertbus.Bus
	lg         *log.Logger
	upgrader   websocket.Upgrader
}

func New(cfg Config, traffic TrafficSource, departures DepartureSource, bus *alertbus.Bus, lg *log.Logger) *Server {
	cfg.WriteTimeout = util.DefaultIfZero(cfg.WriteTimeout, 5*time.Second)
	return &Server{
		cfg:        cfg,
		traffic:    traffic,
		departures: departures,
		bus:        bus,
		lg:         lg,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/traffic", s.trafficHandler)
	mux.HandleFunc("/api/v1/feed", s.feedHandler)
	return mux
}

// Serve handles feed requests on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	s.lg.Info("radar feed listening", slog.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) TrafficPicture() apimodel.Traffic {
	snap := s.traffic.Snapshot()
	t := apimodel.Traffic{Aircraft: make([]apimodel.AircraftStatus, 0, len(snap)), Departed: []apimodel.DepartureStatus{}}
	for id, tr := range snap {
		st := apimodel.AircraftStatus{Aircraft: uint8(id), Callsign: id.String(), Samples: len(tr)}
		if len(tr) > 0 {
			last := tr[len(tr)-1]
			st.Last = &last
		}
		t.Aircraft = append(t.Aircraft, st)
	}
	sort.Slice(t.Aircraft, func(i, j int) bool { return t.Aircraft[i].Aircraft < t.Aircraft[j].Aircraft })

	if s.departures != nil {
		for _, d := range s.departures.RecentDepartures() {
			t.Departed = append(t.Departed, apimodel.DepartureStatus{
				Aircraft: uint8(d.Notice.Aircraft),
				Callsign: d.Notice.Aircraft.String(),
				Reason:   d.Notice.Reason.String(),
				At:       d.At,
			})
		}
	}
	return t
}

func (s *Server) trafficHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.TrafficPicture()); err != nil {
		s.lg.Warn("radar feed: encode traffic", slog.Any("error", err))
	}
}

func (s *Server) feedHandler(w http.ResponseWriter, r *http.Request) {
	collisions, err := s.bus.Collisions.Subscribe()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator shutting down")
		return
	}
	defer collisions.Unsubscribe()
	warnings, err := s.bus.Warnings.Subscribe()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator shutting down")
		return
	}
	defer warnings.Unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.lg.Warn("radar feed: websocket upgrade", slog.Any("error", err))
		return
	}
	defer conn.Close()
	s.lg.Info("radar feed: observer connected", slog.String("remote", r.RemoteAddr))

	// The observer sends nothing; reading only notices when it goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		var ev apimodel.Event
		select {
		case <-gone:
			s.lg.Info("radar feed: observer disconnected", slog.String("remote", r.RemoteAddr))
			return
		case a, ok := <-collisions.C():
			if !ok {
				s.closeFeed(conn)
				return
			}
			ev = apimodel.Event{Type: apimodel.EventCollision, Aircraft: uint8(a.Aircraft), Callsign: a.Aircraft.String(), Altitude: a.Altitude}
		case tw, ok := <-warnings.C():
			if !ok {
				s.closeFeed(conn)
				return
			}
			ev = apimodel.Event{Type: apimodel.EventTimeout, Aircraft: uint8(tw.Aircraft), Callsign: tw.Aircraft.String()}
		}
		if err := util.SendJSON(conn, ev, s.cfg.WriteTimeout); err != nil {
			s.lg.Warn("radar feed: send event", slog.Any("error", err))
			return
		}
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(apimodel.ErrorPayload{Code: code, Message: msg})
}

func (s *Server) closeFeed(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "coordinator shutting down")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

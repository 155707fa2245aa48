package coordinator

import (
	"time"

	"github.com/curbz/skyguard/internal/log"
	"github.com/curbz/skyguard/internal/predictor"
	"github.com/curbz/skyguard/internal/radarfeed"
	"github.com/curbz/skyguard/internal/session"
	"github.com/curbz/skyguard/internal/sink"
	"github.com/curbz/skyguard/pkg/util"
)

const DefaultListenAddress = "127.0.0.1:8001"

// --- configuration structures ---
type Config struct {
	Coordinator Settings         `yaml:"coordinator"`
	Predictor   predictor.Config `yaml:"predictor"`
	Sink        sink.Config      `yaml:"sink"`
	RadarFeed   radarfeed.Config `yaml:"radar_feed"`
	Log         log.Config       `yaml:"log"`
}

type Settings struct {
	ListenAddress string        `yaml:"listen_address"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	AlertBuffer   int           `yaml:"alert_buffer"`
	ExitQueueSize int           `yaml:"exit_queue_size"`
	// TombstoneTTL is how long a processed exit notice is remembered.
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`
}

func (c Config) WithDefaults() Config {
	s := &c.Coordinator
	s.ListenAddress = util.DefaultIfZero(s.ListenAddress, DefaultListenAddress)
	s.ReadTimeout = util.DefaultIfZero(s.ReadTimeout, 5*time.Second)
	s.WriteTimeout = util.DefaultIfZero(s.WriteTimeout, 5*time.Second)
	s.AlertBuffer = util.DefaultIfZero(s.AlertBuffer, 16)
	s.ExitQueueSize = util.DefaultIfZero(s.ExitQueueSize, 64)
	s.TombstoneTTL = util.DefaultIfZero(s.TombstoneTTL, 10*time.Minute)
	c.Predictor = c.Predictor.WithDefaults()
	return c
}

func (c Config) session() session.Config {
	return session.Config{ReadTimeout: c.Coordinator.ReadTimeout, WriteTimeout: c.Coordinator.WriteTimeout}
}

// LoadConfig reads a YAML configuration file and fills in defaults for
// every field it leaves unset.
func LoadConfig(path string) (Config, error) {
	cfg, err := util.LoadConfig[Config](path)
	if err != nil {
		return Config{}, err
	}
	return cfg.WithDefaults(), nil
}

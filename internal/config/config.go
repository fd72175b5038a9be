package config

import (
	"fmt"
	"log"
	"time"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Target resolution
	InventoryPath   string `envconfig:"INVENTORY_PATH" default:""`
	FernetKey       string `envconfig:"FERNET_KEY" default:""`
	UpstreamURL     string `envconfig:"UPSTREAM_URL" default:""`
	UpstreamProject string `envconfig:"UPSTREAM_PROJECT" default:""`
	UpstreamToken   string `envconfig:"UPSTREAM_TOKEN" default:""`
	KnownHostsPath  string `envconfig:"KNOWN_HOSTS_PATH" default:""`

	// Session lifecycle
	SessionTTL     string `envconfig:"SESSION_TTL" default:"30m"`
	SweepSchedule  string `envconfig:"SWEEP_SCHEDULE" default:"@every 1m"`
	StaleGrace     string `envconfig:"STALE_GRACE" default:"10m"`
	ConnectTimeout string `envconfig:"CONNECT_TIMEOUT" default:"10s"`

	// Output buffering
	BufferMaxSize    string `envconfig:"BUFFER_MAX_SIZE" default:"10MB"`
	BufferTrimSize   string `envconfig:"BUFFER_TRIM_SIZE" default:"5MB"`
	DrainInterval    string `envconfig:"DRAIN_INTERVAL" default:"50ms"`
	WaitPollInterval string `envconfig:"WAIT_POLL_INTERVAL" default:"500ms"`

	// Command targets
	PromptPattern    string `envconfig:"PROMPT_PATTERN" default:""`
	HistoryRetention string `envconfig:"HISTORY_RETENTION" default:"24h"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("CONSOLEGW", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Duration parses a duration setting, falling back to def when the value is
// empty or malformed.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Printf("WARNING: invalid duration %q, using %s", value, def)
		return def
	}
	return d
}

// Size parses a human-readable byte size such as "10MB" or "512k".
func Size(value string, def int64) int64 {
	if value == "" {
		return def
	}
	n, err := units.RAMInBytes(value)
	if err != nil || n <= 0 {
		log.Printf("WARNING: invalid size %q, using %s", value, units.BytesSize(float64(def)))
		return def
	}
	return n
}

// BufferLimits returns the buffer cap and trim target. The trim target is
// clamped below the cap.
func (s Settings) BufferLimits() (maxSize, trimSize int64, err error) {
	maxSize = Size(s.BufferMaxSize, 10*1024*1024)
	trimSize = Size(s.BufferTrimSize, 5*1024*1024)
	if trimSize >= maxSize {
		return 0, 0, fmt.Errorf("buffer trim size %d must be smaller than max size %d", trimSize, maxSize)
	}
	return maxSize, trimSize, nil
}

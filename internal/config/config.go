package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/vitalsd/internal/signal"
)

// Delivery modes.
const (
	ModeDirect = "direct"
	ModeOutbox = "outbox"
)

type Config struct {
	Server    ServerConfig
	Recording RecordingConfig
	Remote    RemoteConfig
	Delivery  DeliveryConfig
	Storage   StorageConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
	Token    string
}

type RecordingConfig struct {
	Interval  time.Duration
	Autostart bool
	// Cadence holds optional per-signal flush periods; absent means every tick.
	Cadence map[signal.Type]time.Duration
}

type RemoteConfig struct {
	BaseURL string
	Path    string
	Timeout time.Duration
}

type DeliveryConfig struct {
	Mode        string
	Workers     int
	Buffer      int
	MaxAttempts int
}

type StorageConfig struct {
	DataDir string
	LogFile string
}

type LogConfig struct {
	Level    string
	Timezone string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		Recording: RecordingConfig{
			Interval:  time.Second,
			Autostart: true,
			Cadence:   map[signal.Type]time.Duration{},
		},
		Remote: RemoteConfig{
			BaseURL: "http://127.0.0.1:3001",
			Path:    "/api/data",
			Timeout: 15 * time.Second,
		},
		Delivery: DeliveryConfig{
			Mode:        ModeDirect,
			Workers:     4,
			Buffer:      64,
			MaxAttempts: 5,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			LogFile: "health_data.csv",
		},
		Log: LogConfig{
			Level:    "info",
			Timezone: "Local",
		},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/vitalsd/config.yaml, then applies environment overrides
// (VITALSD_*), then validates the result.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("server.max_conns must be positive"))
	}
	if c.Recording.Interval <= 0 {
		errs = append(errs, fmt.Errorf("recording.interval must be positive"))
	}
	for t, d := range c.Recording.Cadence {
		if d < 0 {
			errs = append(errs, fmt.Errorf("recording.cadence.%s must not be negative", t.Key()))
		}
	}
	if u, err := url.Parse(c.Remote.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("remote.base_url %q must be an http(s) URL", c.Remote.BaseURL))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("remote.timeout must be positive"))
	}
	if c.Delivery.Mode != ModeDirect && c.Delivery.Mode != ModeOutbox {
		errs = append(errs, fmt.Errorf("delivery.mode %q must be %q or %q", c.Delivery.Mode, ModeDirect, ModeOutbox))
	}
	if c.Delivery.Workers <= 0 || c.Delivery.Buffer <= 0 || c.Delivery.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("delivery.workers, delivery.buffer and delivery.max_attempts must be positive"))
	}
	if strings.TrimSpace(c.Storage.LogFile) == "" {
		errs = append(errs, fmt.Errorf("storage.log_file must not be empty"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LogPath returns the durable log location. A relative storage.log_file is
// resolved against storage.data_dir.
func (c Config) LogPath() string {
	if filepath.IsAbs(c.Storage.LogFile) {
		return c.Storage.LogFile
	}
	return filepath.Join(c.Storage.DataDir, c.Storage.LogFile)
}

// Location resolves log.timezone. "Local" and "" mean the host zone.
func (c Config) Location() (*time.Location, error) {
	switch c.Log.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Log.Timezone)
	if err != nil {
		return nil, fmt.Errorf("log.timezone %q: %w", c.Log.Timezone, err)
	}
	return loc, nil
}

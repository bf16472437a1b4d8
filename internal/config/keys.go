package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/vitalsd/internal/signal"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = append([]keySpec{
	{
		key: "server.port", typ: kInt, env: "VITALSD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "VITALSD_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.token", typ: kString, env: "VITALSD_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "recording.interval", typ: kDuration, env: "VITALSD_RECORDING_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Recording.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Recording.Interval },
	},
	{
		key: "recording.autostart", typ: kBool, env: "VITALSD_RECORDING_AUTOSTART",
		apply:   func(cfg *Config, v any) { cfg.Recording.Autostart = v.(bool) },
		extract: func(cfg Config) any { return cfg.Recording.Autostart },
	},
	{
		key: "remote.base_url", typ: kString, env: "VITALSD_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.path", typ: kString, env: "VITALSD_REMOTE_PATH",
		apply:   func(cfg *Config, v any) { cfg.Remote.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Path },
	},
	{
		key: "remote.timeout", typ: kDuration, env: "VITALSD_REMOTE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.Timeout },
	},
	{
		key: "delivery.mode", typ: kString, env: "VITALSD_DELIVERY_MODE",
		apply:   func(cfg *Config, v any) { cfg.Delivery.Mode = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Delivery.Mode },
	},
	{
		key: "delivery.workers", typ: kInt, env: "VITALSD_DELIVERY_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Delivery.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Delivery.Workers },
	},
	{
		key: "delivery.buffer", typ: kInt, env: "VITALSD_DELIVERY_BUFFER",
		apply:   func(cfg *Config, v any) { cfg.Delivery.Buffer = v.(int) },
		extract: func(cfg Config) any { return cfg.Delivery.Buffer },
	},
	{
		key: "delivery.max_attempts", typ: kInt, env: "VITALSD_DELIVERY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Delivery.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Delivery.MaxAttempts },
	},
	{
		key: "storage.data_dir", typ: kString, env: "VITALSD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.log_file", typ: kString, env: "VITALSD_STORAGE_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Storage.LogFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.LogFile },
	},
	{
		key: "log.level", typ: kString, env: "VITALSD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.timezone", typ: kString, env: "VITALSD_LOG_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Log.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Timezone },
	},
}, cadenceSpecs()...)

// cadenceSpecs adds recording.cadence.<signal key> for every signal type.
// A zero duration clears the cadence.
func cadenceSpecs() []keySpec {
	var out []keySpec
	for _, t := range signal.Types() {
		t := t
		out = append(out, keySpec{
			key: "recording.cadence." + t.Key(),
			typ: kDuration,
			env: "VITALSD_RECORDING_CADENCE_" + strings.ToUpper(t.Key()),
			apply: func(cfg *Config, v any) {
				if cfg.Recording.Cadence == nil {
					cfg.Recording.Cadence = map[signal.Type]time.Duration{}
				}
				if d := v.(time.Duration); d != 0 {
					cfg.Recording.Cadence[t] = d
				} else {
					delete(cfg.Recording.Cadence, t)
				}
			},
			extract: func(cfg Config) any { return cfg.Recording.Cadence[t] },
		})
	}
	return out
}

// ParseLevel maps log.level to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
}

func parseTyped(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(strings.TrimSpace(raw))
	case kBool:
		return strconv.ParseBool(strings.TrimSpace(raw))
	case kDuration:
		raw = strings.TrimSpace(raw)
		if raw == "" || raw == "0" {
			return time.Duration(0), nil
		}
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := parseTyped(s.typ, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		parsed, err := parseTyped(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, parsed)
	}
}

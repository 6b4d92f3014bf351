// Package config loads daemon settings from defaults, an optional YAML file
// and FLOWGATE_* environment variables, in increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rsclarke/flowgate/internal/logging"
)

// Config holds the daemon settings. Durations are written in YAML as Go
// duration strings such as "90s".
type Config struct {
	DBPath           string         `yaml:"db_path"`
	Listen           string         `yaml:"listen"`
	SystemUIDCutoff  uint32         `yaml:"system_uid_cutoff"`
	CompanionTimeout time.Duration  `yaml:"companion_timeout"`
	SweepInterval    time.Duration  `yaml:"sweep_interval"`
	StreamTTL        time.Duration  `yaml:"stream_ttl"`
	FlowTimeout      time.Duration  `yaml:"flow_timeout"`
	Log              logging.Config `yaml:"log"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		DBPath:           "/var/lib/flowgate/flowgate.db",
		Listen:           "unix:///var/run/flowgate.sock",
		SystemUIDCutoff:  500,
		CompanionTimeout: 90 * time.Second,
		SweepInterval:    time.Minute,
		StreamTTL:        5 * time.Minute,
		FlowTimeout:      2 * time.Minute,
		Log:              logging.Config{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, the file at path (skipped
// when empty) and the process environment.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("FLOWGATE_DB"); ok && v != "" {
		cfg.DBPath = v
	}
	if v, ok := lookup("FLOWGATE_LISTEN"); ok && v != "" {
		cfg.Listen = v
	}
	if v, ok := lookup("FLOWGATE_SYSTEM_UID_CUTOFF"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("FLOWGATE_SYSTEM_UID_CUTOFF: %w", err)
		}
		cfg.SystemUIDCutoff = uint32(n)
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"FLOWGATE_COMPANION_TIMEOUT", &cfg.CompanionTimeout},
		{"FLOWGATE_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"FLOWGATE_STREAM_TTL", &cfg.StreamTTL},
		{"FLOWGATE_FLOW_TIMEOUT", &cfg.FlowTimeout},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if v, ok := lookup("FLOWGATE_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := lookup("FLOWGATE_LOG_FORMAT"); ok && v != "" {
		cfg.Log.Format = v
	}
	return nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db path is required")
	}
	if _, _, err := ParseListenAddr(c.Listen); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"companion_timeout": c.CompanionTimeout,
		"sweep_interval":    c.SweepInterval,
		"stream_ttl":        c.StreamTTL,
		"flow_timeout":      c.FlowTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// ParseListenAddr splits addr into a network and address. It accepts
// "unix:///path", "tcp://host:port" and a bare path, which names a unix
// socket.
func ParseListenAddr(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		network, address = "unix", strings.TrimPrefix(addr, "unix://")
	case strings.HasPrefix(addr, "tcp://"):
		network, address = "tcp", strings.TrimPrefix(addr, "tcp://")
	case strings.Contains(addr, "://"):
		return "", "", fmt.Errorf("unsupported listen address %q", addr)
	default:
		network, address = "unix", addr
	}
	if address == "" {
		return "", "", fmt.Errorf("empty listen address %q", addr)
	}
	return network, address, nil
}

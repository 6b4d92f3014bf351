package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rsclarke/flowgate/internal/logging"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %s, want 1m", cfg.SweepInterval)
	}
	if cfg.CompanionTimeout <= cfg.SweepInterval {
		t.Errorf("CompanionTimeout %s should outlast one sweep interval %s", cfg.CompanionTimeout, cfg.SweepInterval)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, `
db_path: /srv/flowgate.db
listen: tcp://127.0.0.1:8765
companion_timeout: 2m
stream_ttl: 10m
log:
  level: debug
`)
	got, err := load(path, env(map[string]string{
		"FLOWGATE_LISTEN":            "unix:///tmp/fg.sock",
		"FLOWGATE_SYSTEM_UID_CUTOFF": "1000",
		"FLOWGATE_SWEEP_INTERVAL":    "5s",
		"FLOWGATE_LOG_FORMAT":        "console",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := &Config{
		DBPath:           "/srv/flowgate.db",
		Listen:           "unix:///tmp/fg.sock",
		SystemUIDCutoff:  1000,
		CompanionTimeout: 2 * time.Minute,
		SweepInterval:    5 * time.Second,
		StreamTTL:        10 * time.Minute,
		FlowTimeout:      2 * time.Minute,
		Log:              logging.Config{Level: "debug", Format: "console"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	got, err := load("", env(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	if _, err := load(writeFile(t, ""), env(nil)); err != nil {
		t.Errorf("empty file: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{"unknown field", "listn: tcp://127.0.0.1:1\n", nil},
		{"bad yaml duration", "stream_ttl: soon\n", nil},
		{"bad env cutoff", "", map[string]string{"FLOWGATE_SYSTEM_UID_CUTOFF": "-1"}},
		{"bad env duration", "", map[string]string{"FLOWGATE_COMPANION_TIMEOUT": "90"}},
		{"zero duration", "sweep_interval: 0s\n", nil},
		{"bad listen scheme", "", map[string]string{"FLOWGATE_LISTEN": "udp://127.0.0.1:1"}},
		{"bad log format", "log:\n  format: xml\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			if _, err := load(path, env(tt.env)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestParseListenAddr(t *testing.T) {
	tests := []struct {
		in          string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{"unix:///var/run/flowgate.sock", "unix", "/var/run/flowgate.sock", false},
		{"/tmp/flowgate.sock", "unix", "/tmp/flowgate.sock", false},
		{"tcp://127.0.0.1:8765", "tcp", "127.0.0.1:8765", false},
		{"udp://127.0.0.1:53", "", "", true},
		{"tcp://", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		network, address, err := ParseListenAddr(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseListenAddr(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if network != tt.wantNetwork || address != tt.wantAddress {
			t.Errorf("ParseListenAddr(%q) = %q, %q; want %q, %q", tt.in, network, address, tt.wantNetwork, tt.wantAddress)
		}
	}
}

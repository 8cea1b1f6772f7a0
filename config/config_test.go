package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg != def {
		t.Errorf("missing file config = %+v, want defaults %+v", cfg, def)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "previewd.yaml")
	data := `
listen_addr: ":9000"
min_port: 4001
max_port: 4050
probe_attempts: 5
heartbeat_interval: 5s
instance_ttl: 10m
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.MinPort != 4001 || cfg.MaxPort != 4050 {
		t.Errorf("port range = [%d-%d]", cfg.MinPort, cfg.MaxPort)
	}
	if cfg.ProbeAttempts != 5 {
		t.Errorf("ProbeAttempts = %d", cfg.ProbeAttempts)
	}
	if cfg.HeartbeatInterval.Std() != 5*time.Second {
		t.Errorf("HeartbeatInterval = %s", cfg.HeartbeatInterval.Std())
	}
	if cfg.InstanceTTL.Std() != 10*time.Minute {
		t.Errorf("InstanceTTL = %s", cfg.InstanceTTL.Std())
	}
	// Unspecified fields keep their defaults.
	if cfg.GracePeriod != Default().GracePeriod {
		t.Errorf("GracePeriod = %s, want default", cfg.GracePeriod.Std())
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"inverted port range", "min_port: 5000\nmax_port: 4000\n"},
		{"zero probe attempts", "probe_attempts: -1\n"},
		{"zero history", "log_history_capacity: -5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

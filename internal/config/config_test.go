package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	raw := `
listen:
  general: "0.0.0.0:9050"
tunnel:
  executable: "/usr/bin/xray"
  args: ["run", "-c", "{config}"]
  port_start: 40000
  port_end: 41000
pool:
  max_backends: 5
  strategy: fastest
checker:
  batch_size_tunnel: 4
  primary_host: connectivity.example.net
sources:
  - subs.txt
reverify_interval: 5m
debug: true
`
	path := filepath.Join(t.TempDir(), "hunter.yml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen.General != "0.0.0.0:9050" {
		t.Errorf("listen.general = %q", cfg.Listen.General)
	}
	// unset keys keep their defaults
	if cfg.Listen.Restricted != "127.0.0.1:1081" {
		t.Errorf("listen.restricted = %q", cfg.Listen.Restricted)
	}
	if cfg.Tunnel.Executable != "/usr/bin/xray" || cfg.Tunnel.PortStart != 40000 {
		t.Errorf("tunnel = %+v", cfg.Tunnel)
	}
	if cfg.Pool.MaxBackends != 5 || cfg.Pool.Strategy != "fastest" {
		t.Errorf("pool = %+v", cfg.Pool)
	}
	if cfg.Checker.BatchSizeTunnel != 4 {
		t.Errorf("checker.batch_size_tunnel = %d", cfg.Checker.BatchSizeTunnel)
	}
	if cfg.ReverifyInterval.Std() != 5*time.Minute {
		t.Errorf("reverify_interval = %v", cfg.ReverifyInterval.Std())
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0] != "subs.txt" {
		t.Errorf("sources = %v", cfg.Sources)
	}
	if !cfg.Debug {
		t.Error("debug not set")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(path, []byte("listen: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

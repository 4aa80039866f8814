// Package config loads the YAML runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Listen struct {
		General    string `yaml:"general"`
		Restricted string `yaml:"restricted"`
	} `yaml:"listen"`

	Tunnel struct {
		Executable string   `yaml:"executable"`
		Args       []string `yaml:"args"`
		ConfigDir  string   `yaml:"config_dir"`
		PortStart  int      `yaml:"port_start"`
		PortEnd    int      `yaml:"port_end"`
	} `yaml:"tunnel"`

	Pool struct {
		MaxBackends int    `yaml:"max_backends"`
		Strategy    string `yaml:"strategy"`
	} `yaml:"pool"`

	Checker struct {
		MaxWorkers      int    `yaml:"max_workers"`
		BatchSizeTunnel int    `yaml:"batch_size_tunnel"`
		BatchSizeTCP    int    `yaml:"batch_size_tcp"`
		PrimaryHost     string `yaml:"primary_host"`
		PrimaryPort     uint16 `yaml:"primary_port"`
		PrimaryPath     string `yaml:"primary_path"`
		RestrictedHost  string `yaml:"restricted_host"`
		RestrictedPort  uint16 `yaml:"restricted_port"`
		RestrictedPath  string `yaml:"restricted_path"`
		EgressURL       string `yaml:"egress_url"`
	} `yaml:"checker"`

	Sources          []string `yaml:"sources"`
	ReverifyInterval Duration `yaml:"reverify_interval"`
	ResultTTL        Duration `yaml:"result_ttl"`
	Debug            bool     `yaml:"debug"`
}

// Duration unmarshals from strings like "10m" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Listen.General = "127.0.0.1:1080"
	cfg.Listen.Restricted = "127.0.0.1:1081"
	cfg.Tunnel.ConfigDir = os.TempDir()
	cfg.Tunnel.PortStart = 20000
	cfg.Tunnel.PortEnd = 30000
	cfg.Pool.MaxBackends = 3
	cfg.Pool.Strategy = "round-robin"
	cfg.ReverifyInterval = Duration(10 * time.Minute)
	return cfg
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err = yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Package config loads server configuration from an optional YAML file.
// Missing file means defaults; flags override both.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`

	TLS struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"tls"`

	Session struct {
		DefaultMode     string `yaml:"default_mode"`     // direct or isolated
		GracePeriod     string `yaml:"grace_period"`     // Go duration string, e.g. "30s"
		CaptureInterval string `yaml:"capture_interval"` // Go duration string, e.g. "100ms"
		BufferCapacity  int    `yaml:"buffer_capacity"`

		// Parsed durations, set after loading
		GracePeriodDuration     time.Duration `yaml:"-"`
		CaptureIntervalDuration time.Duration `yaml:"-"`
	} `yaml:"session"`

	Topology struct {
		SyncInterval string `yaml:"sync_interval"` // Go duration string, e.g. "2s"

		SyncIntervalDuration time.Duration `yaml:"-"`
	} `yaml:"topology"`

	Tunnel struct {
		RelayURL string `yaml:"relay_url"`
		Secret   string `yaml:"secret"`
	} `yaml:"tunnel"`
}

func Default() Config {
	var c Config
	c.ListenAddr = "0.0.0.0:8900"
	c.Session.DefaultMode = "isolated"
	c.Session.GracePeriod = "30s"
	c.Session.CaptureInterval = "100ms"
	c.Topology.SyncInterval = "2s"
	return c
}

// Load reads path over the defaults. A missing file is not an error; a
// malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	var err error
	cfg.Session.GracePeriodDuration, err = time.ParseDuration(cfg.Session.GracePeriod)
	if err != nil {
		return cfg, fmt.Errorf("invalid grace_period %q: %w", cfg.Session.GracePeriod, err)
	}
	cfg.Session.CaptureIntervalDuration, err = time.ParseDuration(cfg.Session.CaptureInterval)
	if err != nil {
		return cfg, fmt.Errorf("invalid capture_interval %q: %w", cfg.Session.CaptureInterval, err)
	}
	cfg.Topology.SyncIntervalDuration, err = time.ParseDuration(cfg.Topology.SyncInterval)
	if err != nil {
		return cfg, fmt.Errorf("invalid sync_interval %q: %w", cfg.Topology.SyncInterval, err)
	}
	return cfg, nil
}

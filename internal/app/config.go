package app

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"xraydeck/internal/paths"
)

// Config is the daemon configuration kept in config.yaml. Durations are
// Go duration strings; an unparsable value falls back to its default.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Xray struct {
		Binary        string `yaml:"binary,omitempty"`
		LogLevel      string `yaml:"log_level"`
		SOCKSPort     int    `yaml:"socks_port"`
		HTTPPort      int    `yaml:"http_port"`
		StatsPort     int    `yaml:"stats_port"`
		HealthTimeout string `yaml:"health_timeout"`
		StopGrace     string `yaml:"stop_grace"`
	} `yaml:"xray"`

	API struct {
		Addr    string   `yaml:"addr"`
		Origins []string `yaml:"origins"`
	} `yaml:"api"`

	Import struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"import"`

	Tun struct {
		Device        string `yaml:"device"`
		MTU           int    `yaml:"mtu"`
		AttachTimeout string `yaml:"attach_timeout"`
	} `yaml:"tun"`

	KillSwitch struct {
		AllowLAN   bool     `yaml:"allow_lan"`
		AllowCIDRs []string `yaml:"allow_cidrs,omitempty"`
	} `yaml:"killswitch"`

	Privileges struct {
		RecheckInterval string `yaml:"recheck_interval"`
	} `yaml:"privileges"`

	Subscription struct {
		RefreshInterval string `yaml:"refresh_interval"`
		Timeout         string `yaml:"timeout"`
		UserAgent       string `yaml:"user_agent"`
	} `yaml:"subscription"`

	Latency struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"latency"`
}

// DefaultConfig returns the configuration written on first start.
func DefaultConfig() Config {
	var c Config
	c.LogLevel = "info"
	c.Xray.LogLevel = "warning"
	c.Xray.SOCKSPort = 10808
	c.Xray.HTTPPort = 10809
	c.Xray.StatsPort = 10085
	c.Xray.HealthTimeout = "5s"
	c.Xray.StopGrace = "5s"
	c.API.Addr = "127.0.0.1:10880"
	c.API.Origins = []string{"https://steamloopback.host"}
	c.Import.Enabled = true
	c.Import.Addr = "0.0.0.0:8765"
	c.Tun.Device = "xray0"
	c.Tun.MTU = 1500
	c.Tun.AttachTimeout = "10s"
	c.Privileges.RecheckInterval = "1h"
	c.Subscription.RefreshInterval = "6h"
	c.Subscription.Timeout = "30s"
	c.Subscription.UserAgent = "xraydeck/1.0"
	c.Latency.Timeout = "5s"
	return c
}

// DefaultConfigPath is config.yaml in the config dir.
func DefaultConfigPath() (string, error) {
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config directory: %w", err)
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LoadConfig reads path, writing the defaults there first when it does not
// exist. Keys missing from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, SaveConfig(path, cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path.
func SaveConfig(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	paths.ChownToRealUser(path)
	return nil
}

func duration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// allowCIDRs parses the kill switch allow list. Bare addresses are taken
// as single-host prefixes.
func (c Config) allowCIDRs() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.KillSwitch.AllowCIDRs))
	for _, s := range c.KillSwitch.AllowCIDRs {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid killswitch.allow_cidrs entry %q", s)
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

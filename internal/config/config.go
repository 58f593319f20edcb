// Package config loads the controller's runtime configuration through
// viper: a JSON file on disk overridden by VMSCALED_-prefixed
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ScalingThresholds mirrors scaling.Thresholds so the config package
// has no import on internal/scaling; the Supervisor copies these into
// scaling.Thresholds values when it builds the Engine.
type ScalingThresholds struct {
	ScaleUp   float64 `mapstructure:"scale_up"`
	ScaleDown float64 `mapstructure:"scale_down"`
}

type Config struct {
	NodeID     string `mapstructure:"node_id"`
	Hostname   string `mapstructure:"-"`
	LibvirtURI string `mapstructure:"libvirt_uri"`

	CgroupRoot string `mapstructure:"cgroup_root"`

	MonitorRootDevice  string        `mapstructure:"monitor_root_device"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	ReconnectInterval  time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectJitter time.Duration `mapstructure:"reconnect_max_jitter"`

	MigrationDestURI string `mapstructure:"migration_dest_uri"`

	TelemetryProbeAddr string `mapstructure:"telemetry_probe_addr"`

	LogJSON  bool   `mapstructure:"log_json"`
	LogLevel string `mapstructure:"log_level"`

	ScalingThresholds map[string]ScalingThresholds `mapstructure:"scaling_thresholds"`
}

const (
	defaultConfigName = "vm_manager_config"
	envPrefix         = "VMSCALED"

	// DefaultPath is where Save rewrites the resolved configuration on
	// shutdown.
	DefaultPath = "vm_manager_config.json"
)

// Load reads ./vm_manager_config.json (if present) and layers
// VMSCALED_-prefixed environment variables over the file values and
// field defaults.
func Load() (Config, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	v := viper.New()
	v.SetConfigName(defaultConfigName)
	v.SetConfigType("json")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/vmscaled")

	v.SetDefault("node_id", hostname)
	v.SetDefault("libvirt_uri", "qemu:///system")
	v.SetDefault("cgroup_root", "/sys/fs/cgroup/vmscaled")
	v.SetDefault("monitor_root_device", "/")
	v.SetDefault("health_interval", 5*time.Second)
	v.SetDefault("shutdown_timeout", 20*time.Second)
	v.SetDefault("reconnect_interval", 4*time.Second)
	v.SetDefault("reconnect_max_jitter", 900*time.Millisecond)
	v.SetDefault("migration_dest_uri", "")
	v.SetDefault("telemetry_probe_addr", "0.0.0.0:7443")
	v.SetDefault("log_json", true)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Hostname = hostname

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save re-serializes the resolved configuration to path as JSON. It is
// the write half of the read-on-startup/rewrite-on-shutdown contract
// for the optional config file; callers treat failures as best-effort.
func Save(cfg Config, path string) error {
	v := viper.New()
	v.SetConfigType("json")
	v.Set("node_id", cfg.NodeID)
	v.Set("libvirt_uri", cfg.LibvirtURI)
	v.Set("cgroup_root", cfg.CgroupRoot)
	v.Set("monitor_root_device", cfg.MonitorRootDevice)
	v.Set("health_interval", cfg.HealthInterval.String())
	v.Set("shutdown_timeout", cfg.ShutdownTimeout.String())
	v.Set("reconnect_interval", cfg.ReconnectInterval.String())
	v.Set("reconnect_max_jitter", cfg.MaxReconnectJitter.String())
	v.Set("migration_dest_uri", cfg.MigrationDestURI)
	v.Set("telemetry_probe_addr", cfg.TelemetryProbeAddr)
	v.Set("log_json", cfg.LogJSON)
	v.Set("log_level", cfg.LogLevel)

	thresholds := make(map[string]map[string]float64, len(cfg.ScalingThresholds))
	for kind, t := range cfg.ScalingThresholds {
		thresholds[kind] = map[string]float64{"scale_up": t.ScaleUp, "scale_down": t.ScaleDown}
	}
	if len(thresholds) > 0 {
		v.Set("scaling_thresholds", thresholds)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return errors.New("node_id is required")
	}
	if strings.TrimSpace(c.LibvirtURI) == "" {
		return errors.New("libvirt_uri is required")
	}
	if strings.TrimSpace(c.CgroupRoot) == "" {
		return errors.New("cgroup_root is required")
	}
	if strings.TrimSpace(c.TelemetryProbeAddr) == "" {
		return errors.New("telemetry_probe_addr is required")
	}
	if c.HealthInterval <= 0 {
		return errors.New("health_interval must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be > 0")
	}
	return nil
}

// Package config loads the aperture-demo process configuration via viper
// from environment variables, a YAML file, and compiled-in defaults, in
// that order of override precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/khryptorgraphics/aperturebalancer/pkg/loadbalancer"
)

// Config is the complete configuration for the aperture-demo process.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Balancer BalancerConfig `yaml:"balancer"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Load     LoadConfig     `yaml:"load"`
}

// ServiceConfig names the demo's logical service label, used as a metrics
// const label and a log field.
type ServiceConfig struct {
	Name string `yaml:"name"`
}

// BalancerConfig mirrors loadbalancer.Config's fields with yaml tags; ToLB
// converts it to the package's own Config type.
type BalancerConfig struct {
	SmoothingWindow time.Duration `yaml:"smoothing_window" mapstructure:"smoothing_window"`
	MinSize         int           `yaml:"min_size" mapstructure:"min_size"`
	MinLoad         float64       `yaml:"min_load" mapstructure:"min_load"`
	MaxLoad         float64       `yaml:"max_load" mapstructure:"max_load"`
	JitterMin       time.Duration `yaml:"jitter_min" mapstructure:"jitter_min"`
	JitterMax       time.Duration `yaml:"jitter_max" mapstructure:"jitter_max"`
}

// ToLB converts the loaded config into a loadbalancer.Config.
func (b BalancerConfig) ToLB(serviceLabel string) loadbalancer.Config {
	return loadbalancer.Config{
		ServiceLabel:    serviceLabel,
		SmoothingWindow: b.SmoothingWindow,
		MinSize:         b.MinSize,
		MinLoad:         b.MinLoad,
		MaxLoad:         b.MaxLoad,
		JitterMin:       b.JitterMin,
		JitterMax:       b.JitterMax,
	}
}

// MetricsConfig controls the promhttp exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// LoggingConfig controls the logrus logger's level and formatter.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// LoadConfig drives the synthetic request generator in cmd/aperture-demo.
type LoadConfig struct {
	Endpoints      int           `yaml:"endpoints"`
	RequestsPerSec float64       `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	RequestLatency time.Duration `yaml:"request_latency" mapstructure:"request_latency"`
	FailureRate    float64       `yaml:"failure_rate" mapstructure:"failure_rate"`
}

// DefaultConfig returns the baseline configuration, matching
// loadbalancer.DefaultConfig for the balancer section.
func DefaultConfig() *Config {
	lbDefaults := loadbalancer.DefaultConfig()
	return &Config{
		Service: ServiceConfig{
			Name: "aperture-demo",
		},
		Balancer: BalancerConfig{
			SmoothingWindow: lbDefaults.SmoothingWindow,
			MinSize:         lbDefaults.MinSize,
			MinLoad:         lbDefaults.MinLoad,
			MaxLoad:         lbDefaults.MaxLoad,
			JitterMin:       lbDefaults.JitterMin,
			JitterMax:       lbDefaults.JitterMax,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "0.0.0.0:9090",
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Load: LoadConfig{
			Endpoints:      6,
			RequestsPerSec: 20,
			RequestLatency: 50 * time.Millisecond,
			FailureRate:    0,
		},
	}
}

// Load reads configuration from configFile (if non-empty), then from
// environment variables prefixed APERTURE_, layered over DefaultConfig.
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("aperture")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/aperture-demo")
	}

	v.SetEnvPrefix("APERTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

// bindDefaults registers every leaf of the default config with viper under
// its yaml key path. AutomaticEnv only resolves a key it already knows
// about, so without this an env var override of a key absent from the
// config file would be silently ignored.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)

	v.SetDefault("balancer.smoothing_window", cfg.Balancer.SmoothingWindow)
	v.SetDefault("balancer.min_size", cfg.Balancer.MinSize)
	v.SetDefault("balancer.min_load", cfg.Balancer.MinLoad)
	v.SetDefault("balancer.max_load", cfg.Balancer.MaxLoad)
	v.SetDefault("balancer.jitter_min", cfg.Balancer.JitterMin)
	v.SetDefault("balancer.jitter_max", cfg.Balancer.JitterMax)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("load.endpoints", cfg.Load.Endpoints)
	v.SetDefault("load.requests_per_sec", cfg.Load.RequestsPerSec)
	v.SetDefault("load.request_latency", cfg.Load.RequestLatency)
	v.SetDefault("load.failure_rate", cfg.Load.FailureRate)
}

// Validate checks the loaded configuration, delegating the balancer section
// to loadbalancer.Config.Validate.
func (c *Config) Validate() error {
	if err := c.Balancer.ToLB(c.Service.Name).Validate(); err != nil {
		return err
	}
	if c.Load.Endpoints < 1 {
		return fmt.Errorf("config: load.endpoints must be >= 1, got %d", c.Load.Endpoints)
	}
	if c.Load.RequestsPerSec <= 0 {
		return fmt.Errorf("config: load.requests_per_sec must be > 0, got %v", c.Load.RequestsPerSec)
	}
	if c.Load.FailureRate < 0 || c.Load.FailureRate > 1 {
		return fmt.Errorf("config: load.failure_rate must be within [0,1], got %v", c.Load.FailureRate)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}
	return nil
}

// Save writes the configuration to filename as YAML.
func (c *Config) Save(filename string) error {
	v := viper.New()
	v.Set("service", c.Service)
	v.Set("balancer", c.Balancer)
	v.Set("metrics", c.Metrics)
	v.Set("logging", c.Logging)
	v.Set("load", c.Load)
	return v.WriteConfigAs(filename)
}

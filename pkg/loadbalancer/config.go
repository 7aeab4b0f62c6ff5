package loadbalancer

import (
	"fmt"
	"time"
)

// Config is the immutable-after-construction aperture configuration (spec
// §6). Zero-value fields are replaced by DefaultConfig's defaults only if
// the caller starts from DefaultConfig(); Config itself does not inject
// defaults.
type Config struct {
	// ServiceLabel names the service for metrics and log fields.
	ServiceLabel string

	// SmoothingWindow is the EMA window W.
	SmoothingWindow time.Duration
	// MinSize is the minimum aperture size.
	MinSize int
	// MinLoad and MaxLoad are the per-node load band edges.
	MinLoad float64
	MaxLoad float64
	// JitterMin and JitterMax bound the random jitter period. Jitter is
	// disabled entirely when JitterMin <= 0.
	JitterMin time.Duration
	JitterMax time.Duration
}

// DefaultConfig returns the defaults from spec §6.
func DefaultConfig() Config {
	return Config{
		ServiceLabel:    "default",
		SmoothingWindow: 5 * time.Second,
		MinSize:         1,
		MinLoad:         0.5,
		MaxLoad:         2.0,
		JitterMin:       120 * time.Second,
		JitterMax:       240 * time.Second,
	}
}

// Validate checks the invariants spec §3 requires of the configuration.
func (c Config) Validate() error {
	if c.MinSize < 1 {
		return fmt.Errorf("loadbalancer: min_size must be >= 1, got %d", c.MinSize)
	}
	if c.MinLoad <= 0 || c.MinLoad > c.MaxLoad {
		return fmt.Errorf("loadbalancer: require 0 < min_load <= max_load, got min_load=%v max_load=%v", c.MinLoad, c.MaxLoad)
	}
	if c.JitterMin > 0 && c.JitterMin > c.JitterMax {
		return fmt.Errorf("loadbalancer: jitter_min must be <= jitter_max, got jitter_min=%v jitter_max=%v", c.JitterMin, c.JitterMax)
	}
	if c.SmoothingWindow < 0 {
		return fmt.Errorf("loadbalancer: smoothing_window must be >= 0, got %v", c.SmoothingWindow)
	}
	return nil
}

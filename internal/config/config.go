// Package config loads the commutator's tuning parameters from a JSON file.
// Fields are pointers so a partial config only overrides what it names; the
// Get* accessors supply the canonical defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/commutator/internal/motor"
)

// Config is the root configuration for the commutator daemon.
type Config struct {
	// Control loop
	TickInterval *string  `json:"tick_interval,omitempty"` // duration string like "20ms"
	ThresholdRad *float64 `json:"threshold_rad,omitempty"` // hysteresis threshold
	MaxRPS       *float64 `json:"max_rps,omitempty"`       // speed cap in revolutions/second

	// Motor
	Sense        *int    `json:"sense,omitempty"`          // +1 or -1
	Microstep    *bool   `json:"microstep,omitempty"`      // 3200 steps/rev when true
	StepPeriodUS *int    `json:"step_period_us,omitempty"` // initial inter-step delay
	QueryTimeout *string `json:"query_timeout,omitempty"`  // duration string like "2s"

	// Serial port
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"`

	// Telemetry
	DBPath            *string `json:"db_path,omitempty"`
	SnapshotRetention *string `json:"snapshot_retention,omitempty"` // duration string like "24h"
}

// Empty returns a Config with all fields unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. Omitted fields keep their defaults,
// so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration values that have been set.
func (c *Config) Validate() error {
	if c.TickInterval != nil && *c.TickInterval != "" {
		if _, err := time.ParseDuration(*c.TickInterval); err != nil {
			return fmt.Errorf("invalid tick_interval %q: %w", *c.TickInterval, err)
		}
	}
	if c.QueryTimeout != nil && *c.QueryTimeout != "" {
		if _, err := time.ParseDuration(*c.QueryTimeout); err != nil {
			return fmt.Errorf("invalid query_timeout %q: %w", *c.QueryTimeout, err)
		}
	}
	if c.SnapshotRetention != nil && *c.SnapshotRetention != "" {
		if _, err := time.ParseDuration(*c.SnapshotRetention); err != nil {
			return fmt.Errorf("invalid snapshot_retention %q: %w", *c.SnapshotRetention, err)
		}
	}
	if c.ThresholdRad != nil && *c.ThresholdRad <= 0 {
		return fmt.Errorf("threshold_rad must be positive, got %f", *c.ThresholdRad)
	}
	if c.MaxRPS != nil && *c.MaxRPS <= 0 {
		return fmt.Errorf("max_rps must be positive, got %f", *c.MaxRPS)
	}
	if c.Sense != nil && *c.Sense != 1 && *c.Sense != -1 {
		return fmt.Errorf("sense must be +1 or -1, got %d", *c.Sense)
	}
	if c.StepPeriodUS != nil && (*c.StepPeriodUS <= 0 || *c.StepPeriodUS > math.MaxUint32) {
		return fmt.Errorf("step_period_us must be in [1, %d], got %d", uint32(math.MaxUint32), *c.StepPeriodUS)
	}
	if _, err := c.PortOptions().Normalize(); err != nil {
		return err
	}
	return nil
}

// GetTickInterval returns the control loop cadence.
func (c *Config) GetTickInterval() time.Duration {
	if c.TickInterval == nil || *c.TickInterval == "" {
		return 20 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.TickInterval)
	if err != nil {
		return 20 * time.Millisecond
	}
	return d
}

// GetThresholdRad returns the hysteresis threshold.
func (c *Config) GetThresholdRad() float64 {
	if c.ThresholdRad == nil {
		return math.Pi / 16
	}
	return *c.ThresholdRad
}

// GetMaxRPS returns the speed cap in revolutions per second.
func (c *Config) GetMaxRPS() float64 {
	if c.MaxRPS == nil {
		return 1.0
	}
	return *c.MaxRPS
}

// GetSense returns the direction sense multiplier.
func (c *Config) GetSense() int {
	if c.Sense == nil {
		return 1
	}
	return *c.Sense
}

// GetMicrostep reports whether microstepping is enabled. Defaults to true:
// the finer scale keeps sub-threshold tracking smooth.
func (c *Config) GetMicrostep() bool {
	if c.Microstep == nil {
		return true
	}
	return *c.Microstep
}

// GetStepPeriodUS returns the initial inter-step delay in microseconds.
// Values outside the representable range fall back to the default, matching
// the other accessors' handling of unparseable settings.
func (c *Config) GetStepPeriodUS() uint32 {
	if c.StepPeriodUS == nil || *c.StepPeriodUS <= 0 || *c.StepPeriodUS > math.MaxUint32 {
		return motor.DefaultStepPeriodUS
	}
	return uint32(*c.StepPeriodUS)
}

// GetQueryTimeout returns the position-query timeout.
func (c *Config) GetQueryTimeout() time.Duration {
	if c.QueryTimeout == nil || *c.QueryTimeout == "" {
		return motor.DefaultQueryTimeout
	}
	d, err := time.ParseDuration(*c.QueryTimeout)
	if err != nil {
		return motor.DefaultQueryTimeout
	}
	return d
}

// GetDBPath returns the telemetry database path.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "commutator.db"
	}
	return *c.DBPath
}

// GetSnapshotRetention returns how long snapshot rows are kept.
func (c *Config) GetSnapshotRetention() time.Duration {
	if c.SnapshotRetention == nil || *c.SnapshotRetention == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(*c.SnapshotRetention)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// PortOptions assembles the serial options from the configured fields.
func (c *Config) PortOptions() motor.PortOptions {
	opts := motor.PortOptions{}
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// MotorConfig assembles the controller construction parameters.
func (c *Config) MotorConfig() motor.Config {
	return motor.Config{
		Sense:        c.GetSense(),
		Microstep:    c.GetMicrostep(),
		StepPeriodUS: c.GetStepPeriodUS(),
		QueryTimeout: c.GetQueryTimeout(),
	}
}

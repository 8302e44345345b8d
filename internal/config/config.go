package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the speedwatch daemon
type Config struct {
	// Scheduling
	IntervalMinutes    int  `yaml:"interval_minutes"`
	MinIntervalMinutes int  `yaml:"min_interval_minutes"`
	MaxIntervalMinutes int  `yaml:"max_interval_minutes"`
	SmartEnabled       bool `yaml:"smart_enabled"`

	// Stability analysis
	StabilityThreshold  float64 `yaml:"stability_threshold"`
	StabilityWindowSize int     `yaml:"stability_window_size"`

	// Burst phase
	BurstIntervalMinutes int `yaml:"burst_interval_minutes"`
	BurstMaxTests        int `yaml:"burst_max_tests"`
	BurstCooldownMinutes int `yaml:"burst_cooldown_minutes"`

	// Recovery phase
	RecoveryIntervalsMinutes []int `yaml:"recovery_intervals_minutes"`
	RecoveryStableTests      int   `yaml:"recovery_stable_tests"`

	// Daily data budget
	DailyDataBudgetMB float64 `yaml:"daily_data_budget_mb"`
	DataPerTestMB     float64 `yaml:"data_per_test_mb"`

	// Peak hours (local time, [start, end) with midnight wrap allowed)
	PeakStartHour     int     `yaml:"peak_start_hour"`
	PeakEndHour       int     `yaml:"peak_end_hour"`
	OffpeakMultiplier float64 `yaml:"offpeak_multiplier"`

	// Circuit breaker
	CircuitBreakerTests         int `yaml:"circuit_breaker_tests"`
	CircuitBreakerWindowMinutes int `yaml:"circuit_breaker_window_minutes"`

	// Threshold marking on samples
	DownloadThresholdMbps float64 `yaml:"download_threshold_mbps"`
	UploadThresholdMbps   float64 `yaml:"upload_threshold_mbps"`

	// Executor
	SpeedtestPath string `yaml:"speedtest_path"`
	ServerID      string `yaml:"server_id"`

	// Storage and web
	DatabasePath  string `yaml:"database_path"`
	RetentionDays int    `yaml:"retention_days"`
	Port          int    `yaml:"port"`
	Debug         bool   `yaml:"debug"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		IntervalMinutes:             30,
		MinIntervalMinutes:          5,
		MaxIntervalMinutes:          120,
		SmartEnabled:                true,
		StabilityThreshold:          0.7,
		StabilityWindowSize:         10,
		BurstIntervalMinutes:        5,
		BurstMaxTests:               5,
		BurstCooldownMinutes:        60,
		RecoveryIntervalsMinutes:    []int{15, 30, 45},
		RecoveryStableTests:         2,
		DailyDataBudgetMB:           2000,
		DataPerTestMB:               100,
		PeakStartHour:               17,
		PeakEndHour:                 23,
		OffpeakMultiplier:           2.0,
		CircuitBreakerTests:         12,
		CircuitBreakerWindowMinutes: 60,
		DownloadThresholdMbps:       0,
		UploadThresholdMbps:         0,
		SpeedtestPath:               "speedtest",
		DatabasePath:                "speedwatch.db",
		RetentionDays:               90,
		Port:                        8080,
	}
}

// Load reads the optional YAML file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config read failed: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config parse failed: %w", err)
	}
	return cfg, nil
}

// Validate checks every invariant the control plane assumes. The core
// components never re-validate; out-of-range values must be rejected here.
func (c *Config) Validate() error {
	if c.IntervalMinutes <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.MinIntervalMinutes <= 0 || c.MaxIntervalMinutes <= 0 {
		return fmt.Errorf("min and max interval must be positive")
	}
	if c.MinIntervalMinutes > c.MaxIntervalMinutes {
		return fmt.Errorf("min interval %d exceeds max interval %d", c.MinIntervalMinutes, c.MaxIntervalMinutes)
	}
	if c.IntervalMinutes < c.MinIntervalMinutes || c.IntervalMinutes > c.MaxIntervalMinutes {
		return fmt.Errorf("base interval %d outside [%d, %d]", c.IntervalMinutes, c.MinIntervalMinutes, c.MaxIntervalMinutes)
	}
	if c.StabilityThreshold < 0 || c.StabilityThreshold > 1 {
		return fmt.Errorf("stability threshold must be in [0, 1]")
	}
	if c.StabilityWindowSize < 3 {
		return fmt.Errorf("stability window size must be at least 3")
	}
	if c.BurstIntervalMinutes <= 0 || c.BurstMaxTests <= 0 || c.BurstCooldownMinutes < 0 {
		return fmt.Errorf("burst settings must be positive")
	}
	if len(c.RecoveryIntervalsMinutes) == 0 {
		return fmt.Errorf("recovery interval sequence cannot be empty")
	}
	for i, m := range c.RecoveryIntervalsMinutes {
		if m <= 0 {
			return fmt.Errorf("recovery interval %d must be positive", m)
		}
		if i > 0 && m < c.RecoveryIntervalsMinutes[i-1] {
			return fmt.Errorf("recovery intervals must be ascending")
		}
	}
	if c.RecoveryStableTests <= 0 {
		return fmt.Errorf("recovery stable tests must be positive")
	}
	if c.DailyDataBudgetMB <= 0 || c.DataPerTestMB <= 0 {
		return fmt.Errorf("data budget settings must be positive")
	}
	if c.PeakStartHour < 0 || c.PeakStartHour > 23 || c.PeakEndHour < 0 || c.PeakEndHour > 23 {
		return fmt.Errorf("peak hours must be within 0-23")
	}
	if c.OffpeakMultiplier < 1 {
		return fmt.Errorf("offpeak multiplier must be at least 1")
	}
	if c.CircuitBreakerTests <= 0 || c.CircuitBreakerWindowMinutes <= 0 {
		return fmt.Errorf("circuit breaker settings must be positive")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

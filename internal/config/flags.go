package config

import (
	"flag"
	"fmt"
)

// ParseFlags parses command-line flags on top of the optional config file
// and returns the resulting Config.
func ParseFlags() (Config, error) {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		interval   = flag.Int("interval", 0, "Base test interval in minutes")
		smart      = flag.Bool("smart", true, "Enable adaptive scheduling")
		dbPath     = flag.String("db", "", "Database path")
		port       = flag.Int("port", 0, "Web server port")
		serverID   = flag.String("server", "", "Preferred speedtest server ID")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	cfg, err := Load(*configPath)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}

	// Flags override file values only when set explicitly.
	if *interval > 0 {
		cfg.IntervalMinutes = *interval
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *serverID != "" {
		cfg.ServerID = *serverID
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "smart" {
			cfg.SmartEnabled = *smart
		}
	})
	if *debug {
		cfg.Debug = true
	}
	return cfg, nil
}

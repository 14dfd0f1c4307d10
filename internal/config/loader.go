package config

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors and fills job defaults.
func Validate(cfg *Config) error {
	t := cfg.Transfer
	if t.MaxTransfers <= 0 {
		return fmt.Errorf("transfer.max_transfers must be positive")
	}
	if t.HighWater <= 0 {
		return fmt.Errorf("transfer.high_water must be positive")
	}
	if t.LowWater < 0 || t.LowWater > t.HighWater {
		return fmt.Errorf("transfer.low_water must be between 0 and high_water")
	}
	if t.Timeout < 0 || t.ConnectTimeout < 0 {
		return fmt.Errorf("transfer timeouts must not be negative")
	}
	if t.MaxRecvSpeed < 0 {
		return fmt.Errorf("transfer.max_recv_speed must not be negative")
	}

	for i := range cfg.Jobs {
		if err := ValidateJob(&cfg.Jobs[i]); err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}
	}

	if cfg.Runner.PumpInterval <= 0 {
		return fmt.Errorf("runner.pump_interval must be positive")
	}
	if cfg.Runner.StartRate <= 0 {
		return fmt.Errorf("runner.start_rate must be positive")
	}
	if cfg.Runner.QueueSize <= 0 {
		return fmt.Errorf("runner.queue_size must be positive")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	return nil
}

// ValidateJob checks a job and fills in its defaults.
func ValidateJob(j *Job) error {
	if j.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(j.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid url %q", j.URL)
	}

	if j.Output == "" {
		j.Output = path.Base(u.Path)
		if j.Output == "/" || j.Output == "." {
			j.Output = "index.html"
		}
	}
	if j.Name == "" {
		j.Name = j.Output
	}

	j.Method = strings.ToUpper(j.Method)
	switch j.Method {
	case "":
		j.Method = "GET"
		if len(j.Form) > 0 || j.Body != "" {
			j.Method = "POST"
		}
	case "GET", "POST":
	default:
		return fmt.Errorf("unsupported method %q", j.Method)
	}
	if j.Method == "GET" && (len(j.Form) > 0 || j.Body != "") {
		return fmt.Errorf("form or body requires POST")
	}

	switch j.Mode {
	case "":
		j.Mode = ModeBuffer
	case ModeBuffer, ModeStream:
	default:
		return fmt.Errorf("unknown mode %q", j.Mode)
	}

	if j.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

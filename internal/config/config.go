package config

import (
	"time"

	"github.com/fetchmux/pkg/transfer"
)

// Config is the root configuration structure.
type Config struct {
	Transfer Transfer `yaml:"transfer"`
	Jobs     []Job    `yaml:"jobs"`
	Runner   Runner   `yaml:"runner"`
	Metrics  Metrics  `yaml:"metrics"`
}

// Transfer configures the transfer manager.
type Transfer struct {
	MaxTransfers   int           `yaml:"max_transfers"`
	HighWater      int64         `yaml:"high_water"`
	LowWater       int64         `yaml:"low_water"`
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Proxy          string        `yaml:"proxy,omitempty"`
	ProxyUserPwd   string        `yaml:"proxy_userpwd,omitempty"`
	Interface      string        `yaml:"interface,omitempty"`
	Developer      bool          `yaml:"developer"`
	HTTP2          bool          `yaml:"http2"`
	TLSInsecure    bool          `yaml:"tls_insecure"`
	MaxRedirects   int           `yaml:"max_redirects"`
	MaxRecvSpeed   int64         `yaml:"max_recv_speed"` // bytes per second, 0 = unlimited
	Application    string        `yaml:"application"`
	Version        string        `yaml:"version"`
}

// Mode selects how a job consumes the response body.
type Mode string

const (
	ModeBuffer Mode = "buffer"
	ModeStream Mode = "stream"
)

// Job is one download.
type Job struct {
	Name    string            `yaml:"name" json:"name"`
	URL     string            `yaml:"url" json:"url"`
	Output  string            `yaml:"output" json:"output"`
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Form    map[string]string `yaml:"form,omitempty" json:"form,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Resume  bool              `yaml:"resume,omitempty" json:"resume,omitempty"`
	Mode    Mode              `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// Runner configures the download runner.
type Runner struct {
	PumpInterval    time.Duration `yaml:"pump_interval"`
	StartRate       float64       `yaml:"start_rate"` // job starts per second
	QueueSize       int           `yaml:"queue_size"`
	OutputDir       string        `yaml:"output_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Metrics configures Prometheus metrics and the gRPC health endpoint.
type Metrics struct {
	Enabled     bool   `yaml:"enabled"`
	Address     string `yaml:"address"`
	Path        string `yaml:"path"`
	GRPCAddress string `yaml:"grpc_address,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Transfer: Transfer{
			MaxTransfers: transfer.DefaultMaxTransfers,
			HighWater:    transfer.DefaultHighWater,
			LowWater:     transfer.DefaultLowWater,
			Timeout:      transfer.DefaultTimeout,
			MaxRedirects: transfer.DefaultMaxRedirects,
			Application:  "fetchmux",
			Version:      "0.1.0",
		},
		Runner: Runner{
			PumpInterval:    50 * time.Millisecond,
			StartRate:       10,
			QueueSize:       1024,
			OutputDir:       ".",
			ShutdownTimeout: 30 * time.Second,
		},
		Metrics: Metrics{
			Enabled: true,
			Address: ":9090",
			Path:    "/metrics",
		},
	}
}

// TransferConfig converts the transfer section for transfer.New.
func (t Transfer) TransferConfig() transfer.Config {
	cfg := transfer.DefaultConfig()
	cfg.MaxTransfers = t.MaxTransfers
	cfg.HighWater = t.HighWater
	cfg.LowWater = t.LowWater
	cfg.Timeout = t.Timeout
	cfg.ConnectTimeout = t.ConnectTimeout
	cfg.Proxy = t.Proxy
	cfg.ProxyUserPwd = t.ProxyUserPwd
	cfg.Developer = t.Developer
	cfg.HTTP2 = t.HTTP2
	cfg.TLSInsecure = t.TLSInsecure
	cfg.MaxRecvSpeed = t.MaxRecvSpeed
	if t.MaxRedirects > 0 {
		cfg.MaxRedirects = t.MaxRedirects
	}
	if t.Application != "" {
		cfg.Application = t.Application
	}
	if t.Version != "" {
		cfg.Version = t.Version
	}
	return cfg
}

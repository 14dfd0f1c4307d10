package transfer

import (
	"fmt"
	"runtime"
	"time"
)

const (
	// DefaultMaxTransfers is the number of transfers admitted into the engine at once.
	DefaultMaxTransfers = 4
	// DefaultHighWater is the unread byte count at which a buffering request is paused.
	DefaultHighWater = 400 * 1024
	// DefaultLowWater is the unread byte count below which a paused request resumes.
	DefaultLowWater = 100 * 1024
	// DefaultTimeout is the inactivity timeout applied to new requests.
	DefaultTimeout = 200 * time.Second
	// DefaultMaxRedirects bounds redirect following.
	DefaultMaxRedirects = 30
)

// Config configures a Manager.
type Config struct {
	MaxTransfers int
	HighWater    int64
	LowWater     int64

	// Timeout is the default inactivity timeout. Zero disables it.
	Timeout time.Duration
	// ConnectTimeout of zero keeps the dialer default.
	ConnectTimeout time.Duration

	Proxy        string
	ProxyUserPwd string

	// Developer enables httptrace debug output on the package logger.
	Developer bool
	// HTTP2 sends http:// requests as cleartext HTTP/2 (h2c). https://
	// requests negotiate HTTP/2 over TLS either way.
	HTTP2       bool
	TLSInsecure bool

	MaxRedirects int
	MaxIdleConns int

	// MaxRecvSpeed limits each transfer to this many bytes per second. Zero
	// means unlimited.
	MaxRecvSpeed int64

	// Application and Version identify the process in the User-Agent header.
	Application string
	Version     string
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTransfers: DefaultMaxTransfers,
		HighWater:    DefaultHighWater,
		LowWater:     DefaultLowWater,
		Timeout:      DefaultTimeout,
		MaxRedirects: DefaultMaxRedirects,
		MaxIdleConns: 16,
		Application:  "fetchmux",
		Version:      "0.1.0",
	}
}

// UserAgent formats the User-Agent header sent with every request.
func (c Config) UserAgent() string {
	return fmt.Sprintf("%s/%s (compatible; N; %s; %s)", c.Application, c.Version, runtime.GOOS, runtime.GOARCH)
}

func (c Config) validate() error {
	if c.MaxTransfers <= 0 {
		return fmt.Errorf("max transfers must be positive: %w", ErrInvalidArgument)
	}
	if c.HighWater <= 0 || c.LowWater < 0 {
		return fmt.Errorf("watermarks must be positive: %w", ErrInvalidArgument)
	}
	if c.LowWater > c.HighWater {
		return fmt.Errorf("low water must not exceed high water: %w", ErrInvalidArgument)
	}
	if c.Timeout < 0 || c.ConnectTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative: %w", ErrInvalidArgument)
	}
	if c.MaxRecvSpeed < 0 {
		return fmt.Errorf("max recv speed must not be negative: %w", ErrInvalidArgument)
	}
	return nil
}

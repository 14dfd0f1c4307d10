package protocol

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrTooManyRedirects is returned when a redirect chain exceeds ClientConfig.MaxRedirects.
var ErrTooManyRedirects = errors.New("maximum redirects followed")

// ErrInterface is returned when outgoing connections cannot be bound to
// ClientConfig.Interface.
var ErrInterface = errors.New("cannot bind to interface")

// Request describes one HTTP exchange.
type Request struct {
	URL        string
	Method     string
	Header     http.Header
	Body       []byte
	BodyType   string
	ResumeFrom int64
	Timeout    time.Duration
}

// Response represents the result of a drained request.
type Response struct {
	StatusCode   int
	Duration     time.Duration
	BytesRead    int64
	BytesWritten int64
	Error        error
}

// Client is the interface for protocol implementations.
type Client interface {
	// Do executes a request and returns the response.
	Do(ctx context.Context, req *Request) *Response

	// Close releases any resources held by the client.
	Close() error
}

// ClientConfig contains common configuration for all clients.
type ClientConfig struct {
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	ConnectTimeout  time.Duration
	TLSInsecure     bool

	// Proxy is an HTTP proxy address; ProxyUserPwd is "user:password".
	Proxy        string
	ProxyUserPwd string

	// Interface binds outgoing connections to a local interface name or address.
	Interface string

	UserAgent       string
	FollowRedirects bool
	MaxRedirects    int
}

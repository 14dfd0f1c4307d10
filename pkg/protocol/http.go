package protocol

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// BufferSize is the size of pooled body read buffers.
const BufferSize = 32 * 1024

// HTTPClient implements Client for HTTP/1.1 and HTTP/2 and also exposes
// streaming access to response bodies through Open.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	bufPool   sync.Pool
}

// NewHTTPClient creates a new HTTP/1.1 client.
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSInsecure,
		},
	}

	if cfg.Proxy != "" {
		proxyURL, err := parseProxy(cfg.Proxy, cfg.ProxyUserPwd)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return newClient(transport, cfg), nil
}

// NewHTTP2Client creates a cleartext HTTP/2 (h2c, prior knowledge) client.
// It only speaks to http:// URLs: its TLS dial hook returns a plain TCP
// connection. TLS endpoints negotiate HTTP/2 through NewHTTPClient instead.
func NewHTTP2Client(cfg ClientConfig) (*HTTPClient, error) {
	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Proxy != "" {
		return nil, fmt.Errorf("http2 client does not support proxies")
	}

	transport := &http2.Transport{
		AllowHTTP:          true,
		DisableCompression: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSInsecure,
		},
	}

	return newClient(transport, cfg), nil
}

func newClient(rt http.RoundTripper, cfg ClientConfig) *HTTPClient {
	c := &HTTPClient{
		client: &http.Client{
			Transport:     rt,
			CheckRedirect: redirectPolicy(cfg),
		},
		userAgent: cfg.UserAgent,
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, BufferSize)
				return &buf
			},
		},
	}
	return c
}

func redirectPolicy(cfg ClientConfig) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if !cfg.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if cfg.MaxRedirects > 0 && len(via) > cfg.MaxRedirects {
			return ErrTooManyRedirects
		}
		return nil
	}
}

// newDialer builds the dialer, binding to cfg.Interface when set. The
// interface may be given as an interface name or a local IP address.
func newDialer(cfg ClientConfig) (*net.Dialer, error) {
	d := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	if cfg.Interface == "" {
		return d, nil
	}

	if ip := net.ParseIP(cfg.Interface); ip != nil {
		d.LocalAddr = &net.TCPAddr{IP: ip}
		return d, nil
	}

	iface, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInterface, cfg.Interface, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInterface, cfg.Interface, err)
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			d.LocalAddr = &net.TCPAddr{IP: ipnet.IP}
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w %q: no usable address", ErrInterface, cfg.Interface)
}

func parseProxy(proxy, userpwd string) (*url.URL, error) {
	if !strings.Contains(proxy, "://") {
		proxy = "http://" + proxy
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy %q: %w", proxy, err)
	}
	if userpwd != "" {
		user, pwd, ok := strings.Cut(userpwd, ":")
		if ok {
			u.User = url.UserPassword(user, pwd)
		} else {
			u.User = url.User(user)
		}
	}
	return u, nil
}

// NewRequest builds the *http.Request for req without sending it.
func (c *HTTPClient) NewRequest(ctx context.Context, req *Request) (*http.Request, error) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, err
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.BodyType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", req.BodyType)
	}
	if c.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if req.ResumeFrom > 0 {
		httpReq.Header.Set("Range", "bytes="+strconv.FormatInt(req.ResumeFrom, 10)+"-")
	}

	return httpReq, nil
}

// Open sends req and returns the response with its body unread. The caller
// must close the body.
func (c *HTTPClient) Open(ctx context.Context, req *Request) (*http.Response, error) {
	httpReq, err := c.NewRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.client.Do(httpReq)
}

// Do executes an HTTP request and drains the body.
func (c *HTTPClient) Do(ctx context.Context, req *Request) *Response {
	start := time.Now()
	resp := &Response{BytesWritten: int64(len(req.Body))}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpResp, err := c.Open(ctx, req)
	if err != nil {
		resp.Error = err
		resp.Duration = time.Since(start)
		return resp
	}
	defer httpResp.Body.Close()

	resp.StatusCode = httpResp.StatusCode

	// Drain and discard response body
	bufPtr := c.GetBuffer()
	defer c.PutBuffer(bufPtr)

	n, err := io.CopyBuffer(io.Discard, httpResp.Body, *bufPtr)
	resp.BytesRead = n
	resp.Error = err
	resp.Duration = time.Since(start)

	return resp
}

// GetBuffer returns a pooled read buffer of BufferSize bytes.
func (c *HTTPClient) GetBuffer() *[]byte {
	return c.bufPool.Get().(*[]byte)
}

// PutBuffer returns a buffer obtained from GetBuffer.
func (c *HTTPClient) PutBuffer(buf *[]byte) {
	c.bufPool.Put(buf)
}

// Close releases resources.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

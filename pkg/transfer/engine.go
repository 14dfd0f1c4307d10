package transfer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fetchmux/pkg/protocol"
	"golang.org/x/time/rate"
)

type eventKind int

const (
	eventHeader eventKind = iota
	eventData
	eventTrace
	eventDone
)

// responseMeta is attached to the status line event.
type responseMeta struct {
	code         int
	contentType  string
	effectiveURL string
	remoteIP     string
}

type event struct {
	kind eventKind
	x    *xfer
	line string
	meta *responseMeta
	data []byte
	err  error
}

// xfer is one admitted transfer. Its goroutine performs the exchange and
// hands every header, body write and completion to the pump. Body writes
// block until the pump acknowledges how many bytes it accepted.
type xfer struct {
	req    *request
	client *protocol.HTTPClient
	preq   *protocol.Request

	ctx    context.Context
	cancel context.CancelFunc

	events  chan<- event
	ack     chan int
	wake    chan struct{}
	limiter *rate.Limiter

	paused   atomic.Bool
	finished atomic.Bool

	mu       sync.Mutex
	remoteIP string
}

func (x *xfer) post(ev event) bool {
	ev.x = x
	select {
	case x.events <- ev:
		return true
	case <-x.ctx.Done():
		return false
	}
}

func (x *xfer) write(p []byte) (int, error) {
	if !x.post(event{kind: eventData, data: p}) {
		return 0, x.ctx.Err()
	}
	select {
	case n := <-x.ack:
		if n < 0 || n > len(p) {
			return 0, errCallbackRange
		}
		return n, nil
	case <-x.ctx.Done():
		return 0, x.ctx.Err()
	}
}

func (x *xfer) setPaused(p bool) {
	x.paused.Store(p)
	if !p {
		select {
		case x.wake <- struct{}{}:
		default:
		}
	}
}

func (x *xfer) waitResumed() error {
	for x.paused.Load() {
		select {
		case <-x.wake:
		case <-x.ctx.Done():
			return x.ctx.Err()
		}
	}
	return nil
}

func (x *xfer) setRemote(addr net.Addr) {
	var ip string
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}
		ip = host
	}
	x.mu.Lock()
	x.remoteIP = ip
	x.mu.Unlock()
}

func (x *xfer) remote() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.remoteIP
}

func (x *xfer) tracef(format string, args ...any) {
	x.post(event{kind: eventTrace, line: fmt.Sprintf(format, args...)})
}

// clientTrace records the remote address and, in developer mode, turns
// connection milestones into trace lines.
func (x *xfer) clientTrace(developer bool) *httptrace.ClientTrace {
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			x.setRemote(info.Conn.RemoteAddr())
			if developer {
				x.tracef("Connected to %s (reused=%t)", info.Conn.RemoteAddr(), info.Reused)
			}
		},
	}
	if !developer {
		return trace
	}

	trace.DNSStart = func(info httptrace.DNSStartInfo) {
		x.tracef("Resolving %s", info.Host)
	}
	trace.DNSDone = func(info httptrace.DNSDoneInfo) {
		if info.Err != nil {
			x.tracef("Could not resolve: %v", info.Err)
			return
		}
		x.tracef("Resolved %d addresses", len(info.Addrs))
	}
	trace.ConnectStart = func(network, addr string) {
		x.tracef("Trying %s (%s)", addr, network)
	}
	trace.ConnectDone = func(network, addr string, err error) {
		if err != nil {
			x.tracef("Connect to %s failed: %v", addr, err)
		}
	}
	trace.TLSHandshakeDone = func(state tls.ConnectionState, err error) {
		if err != nil {
			x.tracef("TLS handshake failed: %v", err)
			return
		}
		x.tracef("TLS connection using %s", tls.CipherSuiteName(state.CipherSuite))
	}
	trace.WroteRequest = func(info httptrace.WroteRequestInfo) {
		if info.Err != nil {
			x.tracef("Failed to send request: %v", info.Err)
			return
		}
		x.tracef("Request sent")
	}
	trace.GotFirstResponseByte = func() {
		x.tracef("Receiving response")
	}
	return trace
}

func (x *xfer) postHeaders(resp *http.Response) bool {
	meta := &responseMeta{
		code:         resp.StatusCode,
		contentType:  resp.Header.Get("Content-Type"),
		effectiveURL: resp.Request.URL.String(),
		remoteIP:     x.remote(),
	}
	if !x.post(event{kind: eventHeader, line: fmt.Sprintf("%s %s\r\n", resp.Proto, resp.Status), meta: meta}) {
		return false
	}

	header := resp.Header.Clone()
	if len(resp.TransferEncoding) > 0 {
		header.Del("Content-Length")
	} else if resp.ContentLength >= 0 && header.Get("Content-Length") == "" {
		header.Set("Content-Length", fmt.Sprint(resp.ContentLength))
	}

	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range header[k] {
			if !x.post(event{kind: eventHeader, line: k + ": " + v + "\r\n"}) {
				return false
			}
		}
	}
	for _, te := range resp.TransferEncoding {
		if !x.post(event{kind: eventHeader, line: "Transfer-Encoding: " + te + "\r\n"}) {
			return false
		}
	}
	return x.post(event{kind: eventHeader, line: "\r\n"})
}

func (x *xfer) exchange(developer bool) error {
	ctx := httptrace.WithClientTrace(x.ctx, x.clientTrace(developer))

	resp, err := x.client.Open(ctx, x.preq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if x.preq.ResumeFrom > 0 && resp.StatusCode == http.StatusOK {
		return errRangeIgnored
	}
	if !x.postHeaders(resp) {
		return x.ctx.Err()
	}

	bufp := x.client.GetBuffer()
	recycle := true
	defer func() {
		// the pump may still hold a slice of the buffer after a failed write
		if recycle {
			x.client.PutBuffer(bufp)
		}
	}()
	buf := *bufp

	var (
		pending []byte
		readErr error
	)
	for {
		if len(pending) == 0 && readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
		if err := x.waitResumed(); err != nil {
			return err
		}

		if len(pending) == 0 {
			n, err := resp.Body.Read(buf)
			readErr = err
			if n == 0 {
				continue
			}
			if x.limiter != nil {
				if err := x.limiter.WaitN(x.ctx, n); err != nil {
					return err
				}
			}
			pending = buf[:n]
		}

		accepted, err := x.write(pending)
		if err != nil {
			recycle = false
			return err
		}
		pending = pending[accepted:]
	}
}

// engine multiplexes admitted transfers onto one event stream consumed by
// the pump. The active set and client cache are guarded by mu; pending is
// only touched from the pump.
type engine struct {
	cfg    Config
	events chan event

	pending *event

	mu      sync.Mutex
	clients map[string]*protocol.HTTPClient
	active  map[*xfer]struct{}
	closed  bool

	wg sync.WaitGroup
}

func newEngine(cfg Config) *engine {
	return &engine{
		cfg:     cfg,
		events:  make(chan event, 256),
		clients: make(map[string]*protocol.HTTPClient),
		active:  make(map[*xfer]struct{}),
	}
}

// client returns the shared HTTP client for an outgoing interface and URL
// scheme. With HTTP2 set, http URLs use prior-knowledge h2c while https
// URLs negotiate HTTP/2 over TLS.
func (e *engine) client(iface, scheme string) (*protocol.HTTPClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineUnavailable
	}
	h2c := e.cfg.HTTP2 && scheme == "http"
	key := iface
	if h2c {
		key += "\x00h2c"
	}
	if c, ok := e.clients[key]; ok {
		return c, nil
	}

	cfg := protocol.ClientConfig{
		MaxIdleConns:    e.cfg.MaxIdleConns,
		IdleConnTimeout: 90 * time.Second,
		ConnectTimeout:  e.cfg.ConnectTimeout,
		TLSInsecure:     e.cfg.TLSInsecure,
		Proxy:           e.cfg.Proxy,
		ProxyUserPwd:    e.cfg.ProxyUserPwd,
		Interface:       iface,
		UserAgent:       e.cfg.UserAgent(),
		FollowRedirects: true,
		MaxRedirects:    e.cfg.MaxRedirects,
	}

	var (
		c   *protocol.HTTPClient
		err error
	)
	if h2c {
		c, err = protocol.NewHTTP2Client(cfg)
	} else {
		c, err = protocol.NewHTTPClient(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	e.clients[key] = c
	return c, nil
}

// add admits req and starts its transfer goroutine.
func (e *engine) add(req *request) (*xfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineUnavailable
	}
	if req.client == nil || req.preq == nil {
		return nil, fmt.Errorf("transfer not prepared: %w", ErrInvalidArgument)
	}

	ctx, cancel := context.WithCancel(context.Background())
	x := &xfer{
		req:    req,
		client: req.client,
		preq:   req.preq,
		ctx:    ctx,
		cancel: cancel,
		events: e.events,
		ack:    make(chan int, 1),
		wake:   make(chan struct{}, 1),
	}
	if e.cfg.MaxRecvSpeed > 0 {
		burst := protocol.BufferSize
		if int64(burst) < e.cfg.MaxRecvSpeed {
			burst = int(e.cfg.MaxRecvSpeed)
		}
		x.limiter = rate.NewLimiter(rate.Limit(e.cfg.MaxRecvSpeed), burst)
	}
	if req.paused {
		x.paused.Store(true)
	}

	e.active[x] = struct{}{}
	e.wg.Add(1)
	go e.run(x)

	return x, nil
}

func (e *engine) run(x *xfer) {
	defer e.wg.Done()
	err := x.exchange(e.cfg.Developer)
	x.post(event{kind: eventDone, err: err})
}

// remove cancels x and drops it from the active set.
func (e *engine) remove(x *xfer) {
	e.mu.Lock()
	delete(e.active, x)
	e.mu.Unlock()

	x.finished.Store(true)
	x.cancel()
}

// abort cancels x but keeps it in the active set until it is removed.
func (e *engine) abort(x *xfer) {
	x.finished.Store(true)
	x.cancel()
}

// running counts active transfers that have not finished.
func (e *engine) running() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for x := range e.active {
		if !x.finished.Load() {
			n++
		}
	}
	return n
}

// next returns a ready event without blocking.
func (e *engine) next() (event, bool) {
	if e.pending != nil {
		ev := *e.pending
		e.pending = nil
		return ev, true
	}
	select {
	case ev := <-e.events:
		return ev, true
	default:
		return event{}, false
	}
}

// wait blocks until an event is ready, d elapses or ctx is done.
func (e *engine) wait(ctx context.Context, d time.Duration) error {
	if e.pending != nil {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case ev := <-e.events:
		e.pending = &ev
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *engine) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for x := range e.active {
		x.finished.Store(true)
		x.cancel()
	}
	e.active = make(map[*xfer]struct{})
	clients := e.clients
	e.clients = make(map[string]*protocol.HTTPClient)
	e.mu.Unlock()

	e.wg.Wait()
	for _, c := range clients {
		c.Close()
	}
	e.pending = nil
}

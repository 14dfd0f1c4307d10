package transfer

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fetchmux/pkg/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a request. Negative values are terminal
// errors carrying the negated Code.
type Status int

const (
	StatusNone     Status = 0
	StatusStarted  Status = 1
	StatusFinished Status = 2
	StatusQueued   Status = 3
)

// Terminal reports whether s is FINISHED or an error.
func (s Status) Terminal() bool {
	return s == StatusFinished || s < 0
}

func (s Status) String() string {
	switch {
	case s == StatusNone:
		return "none"
	case s == StatusQueued:
		return "queued"
	case s == StatusStarted:
		return "started"
	case s == StatusFinished:
		return "finished"
	case s < 0:
		return "error: " + Code(-s).String()
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ReadFunc consumes body bytes in streaming mode and returns how many of them
// it accepted. Accepting fewer than len(p) pauses the transfer; the rest is
// delivered again after Resume. p is only valid for the duration of the call.
type ReadFunc func(h Handle, p []byte, progress float64) int

// DoneFunc is called once when a request reaches a terminal state. status is
// the HTTP response code on success and the negative error status otherwise.
type DoneFunc func(h Handle, status int)

// HeaderFunc receives every response header line including the status line
// and the blank terminator. net/http does not keep wire order, so header
// lines arrive sorted by key; repeated keys keep their relative order.
type HeaderFunc func(h Handle, line string)

// Callbacks are invoked from the goroutine calling Perform.
type Callbacks struct {
	OnRead   ReadFunc
	OnDone   DoneFunc
	OnHeader HeaderFunc
}

type formPart struct {
	field string
	data  []byte
	raw   bool
}

type request struct {
	mu sync.Mutex

	h      Handle
	id     string
	iface  string
	url    string
	scheme string

	header http.Header
	form   []formPart
	post   []byte

	status      Status
	expSize     int64
	rxReceived  int64
	rxReturned  int64
	ignoreBytes int64
	resumeFrom  int64

	timeout    time.Duration
	queuedAt   time.Time
	startedAt  time.Time
	lastAction time.Time
	paused     bool

	respCode     int
	contentType  string
	remoteIP     string
	effectiveURL string

	cb     Callbacks
	buf    ChainedBuffer
	client *protocol.HTTPClient
	preq   *protocol.Request
	xfer   *xfer

	done       chan struct{}
	doneClosed bool
	deleted    bool
}

// code is the value reported by GetStatus and passed to OnDone.
func (r *request) code() int {
	if r.status < 0 {
		return int(r.status)
	}
	return r.respCode
}

func (r *request) remaining() int64 {
	if r.expSize > 0 {
		return r.expSize - r.rxReturned
	}
	return r.rxReceived - r.rxReturned
}

func (r *request) closeDone() {
	if !r.doneClosed {
		r.doneClosed = true
		close(r.done)
	}
}

// Manager owns a request registry and the engine running its transfers.
// Create, configuration, accessors and Delete are safe for concurrent use;
// Perform and Wait are meant to be driven from a single goroutine.
type Manager struct {
	cfg Config
	reg *registry
	eng *engine
	obs Observer
	now func() time.Time
	log *zap.Logger

	pumpMu sync.Mutex
	closed atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver registers o for lifecycle notifications.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.obs = o
		}
	}
}

// WithClock replaces time.Now for timeout bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Manager.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer config: %w", err)
	}

	m := &Manager{
		cfg: cfg,
		reg: newRegistry(),
		eng: newEngine(cfg),
		obs: nopObserver{},
		now: time.Now,
		log: Logger().With(zap.String("component", "transfer")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the configuration the Manager was created with.
func (m *Manager) Config() Config {
	return m.cfg
}

// acquire returns the live request for h with its lock held.
func (m *Manager) acquire(h Handle) *request {
	m.reg.mu.Lock()
	req := m.reg.lookup(h)
	if req == nil {
		m.reg.mu.Unlock()
		return nil
	}
	req.mu.Lock()
	m.reg.mu.Unlock()

	if req.deleted {
		req.mu.Unlock()
		return nil
	}
	return req
}

// Create registers a new request for the URL built from format and args.
// iface optionally binds the transfer to a local interface or address.
func (m *Manager) Create(iface, format string, args ...any) (Handle, error) {
	if m.closed.Load() {
		return 0, ErrEngineUnavailable
	}

	raw := format
	if len(args) > 0 {
		raw = fmt.Sprintf(format, args...)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}

	req := &request{
		id:      uuid.NewString(),
		iface:   iface,
		url:     raw,
		scheme:  u.Scheme,
		header:  make(http.Header),
		timeout: m.cfg.Timeout,
		done:    make(chan struct{}),
	}

	m.reg.mu.Lock()
	req.h = m.reg.insert(req)
	m.reg.mu.Unlock()

	m.log.Debug("request created",
		zap.String("request", req.id),
		zap.String("url", raw),
		zap.Uint64("handle", uint64(req.h)))

	return req.h, nil
}

// configure runs fn on a request that has not been started.
func (m *Manager) configure(h Handle, fn func(*request) error) error {
	req := m.acquire(h)
	if req == nil {
		return ErrInvalidHandle
	}
	defer req.mu.Unlock()

	if req.status != StatusNone {
		return ErrAlreadyStarted
	}
	return fn(req)
}

// Header adds an outgoing header whose value is built from format and args.
func (m *Manager) Header(h Handle, key, format string, args ...any) error {
	if key == "" {
		return ErrInvalidArgument
	}
	value := format
	if len(args) > 0 {
		value = fmt.Sprintf(format, args...)
	}
	return m.configure(h, func(req *request) error {
		req.header.Add(key, value)
		return nil
	})
}

// FormAdd adds a multipart form field whose value is built from format and args.
func (m *Manager) FormAdd(h Handle, field, format string, args ...any) error {
	if field == "" {
		return ErrInvalidArgument
	}
	value := format
	if len(args) > 0 {
		value = fmt.Sprintf(format, args...)
	}
	return m.configure(h, func(req *request) error {
		req.form = append(req.form, formPart{field: field, data: []byte(value)})
		return nil
	})
}

// FormAddRaw adds a multipart form field carrying arbitrary bytes.
func (m *Manager) FormAddRaw(h Handle, field string, data []byte) error {
	if field == "" || len(data) == 0 {
		return ErrInvalidArgument
	}
	cp := append([]byte(nil), data...)
	return m.configure(h, func(req *request) error {
		req.form = append(req.form, formPart{field: field, data: cp, raw: true})
		return nil
	})
}

// SetPostFields sets a urlencoded POST body. Form fields take precedence.
func (m *Manager) SetPostFields(h Handle, data []byte) error {
	if len(data) == 0 {
		return ErrInvalidArgument
	}
	cp := append([]byte(nil), data...)
	return m.configure(h, func(req *request) error {
		req.post = cp
		return nil
	})
}

// SetResumeFrom requests the body starting at offset.
func (m *Manager) SetResumeFrom(h Handle, offset int64) error {
	if offset < 0 {
		return ErrInvalidArgument
	}
	return m.configure(h, func(req *request) error {
		req.resumeFrom = offset
		return nil
	})
}

// SetTimeout sets the inactivity timeout. Zero disables it.
func (m *Manager) SetTimeout(h Handle, d time.Duration) error {
	if d < 0 {
		return ErrInvalidArgument
	}
	req := m.acquire(h)
	if req == nil {
		return ErrInvalidHandle
	}
	req.timeout = d
	req.mu.Unlock()
	return nil
}

// IgnoreBytes makes Read discard the next n buffered bytes.
func (m *Manager) IgnoreBytes(h Handle, n int64) error {
	if n < 0 {
		return ErrInvalidArgument
	}
	req := m.acquire(h)
	if req == nil {
		return ErrInvalidHandle
	}
	req.ignoreBytes = n
	req.mu.Unlock()
	return nil
}

// StreamCallbacks installs cb. A non-nil OnRead switches the request to
// streaming mode: bytes go to the callback and are never buffered.
func (m *Manager) StreamCallbacks(h Handle, cb Callbacks) error {
	req := m.acquire(h)
	if req == nil {
		return ErrInvalidHandle
	}
	req.cb = cb
	req.mu.Unlock()
	return nil
}

// Start queues the request for admission. Starting an already started
// request does nothing. A request whose transfer cannot be prepared is
// deleted and the error returned.
func (m *Manager) Start(h Handle) error {
	req := m.acquire(h)
	if req == nil {
		return ErrInvalidHandle
	}
	if req.status != StatusNone {
		req.mu.Unlock()
		return nil
	}

	err := m.prepare(req)
	if err != nil {
		id := req.id
		req.mu.Unlock()
		m.Delete(h)
		m.log.Warn("failed to prepare transfer", zap.String("request", id), zap.Error(err))
		return fmt.Errorf("failed to prepare transfer: %w", err)
	}

	req.status = StatusQueued
	req.queuedAt = m.now()
	req.mu.Unlock()
	return nil
}

// prepare resolves the client and builds the outgoing request. req.mu is held.
func (m *Manager) prepare(req *request) error {
	client, err := m.eng.client(req.iface, req.scheme)
	if err != nil {
		return err
	}

	preq := &protocol.Request{
		URL:        req.url,
		Method:     http.MethodGet,
		Header:     req.header.Clone(),
		ResumeFrom: req.resumeFrom,
	}

	switch {
	case len(req.form) > 0:
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		for _, part := range req.form {
			var (
				fw  io.Writer
				err error
			)
			if part.raw {
				fw, err = w.CreatePart(textproto.MIMEHeader{
					"Content-Disposition": {fmt.Sprintf(`form-data; name=%q`, part.field)},
					"Content-Type":        {"application/octet-stream"},
				})
			} else {
				fw, err = w.CreateFormField(part.field)
			}
			if err != nil {
				return fmt.Errorf("%w: field %q: %v", errPostSetup, part.field, err)
			}
			if _, err := fw.Write(part.data); err != nil {
				return fmt.Errorf("%w: field %q: %v", errPostSetup, part.field, err)
			}
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("%w: %v", errPostSetup, err)
		}
		preq.Method = http.MethodPost
		preq.Body = body.Bytes()
		preq.BodyType = w.FormDataContentType()
	case req.post != nil:
		preq.Method = http.MethodPost
		preq.Body = req.post
		preq.BodyType = "application/x-www-form-urlencoded"
	}

	req.client = client
	req.preq = preq
	return nil
}

// Read copies buffered body bytes into buf, discarding pending ignore bytes
// first. A short read writes a zero byte after the data when buf has room.
// Requests in error always read 0.
func (m *Manager) Read(h Handle, buf []byte) int {
	req := m.acquire(h)
	if req == nil {
		return 0
	}
	defer req.mu.Unlock()

	if req.status < 0 {
		return 0
	}

	n, skipped := req.buf.Consume(buf, req.ignoreBytes)
	req.ignoreBytes -= skipped
	req.rxReturned += int64(n) + skipped

	if n < len(buf) {
		buf[n] = 0
	}

	if req.paused && req.cb.OnRead == nil && req.buf.Len() < m.cfg.LowWater {
		m.unpause(req)
	}
	return n
}

// GetSize returns the expected body size (0 when unknown or failed) and the
// bytes received so far.
func (m *Manager) GetSize(h Handle) (expected, received int64) {
	req := m.acquire(h)
	if req == nil {
		return 0, 0
	}
	defer req.mu.Unlock()

	if req.status < 0 {
		return 0, req.rxReceived
	}
	return req.expSize, req.rxReceived
}

// Tell returns the number of bytes handed to the caller.
func (m *Manager) Tell(h Handle) int64 {
	req := m.acquire(h)
	if req == nil {
		return 0
	}
	defer req.mu.Unlock()
	return req.rxReturned
}

// EOF reports whether the request is terminal and every byte was consumed.
func (m *Manager) EOF(h Handle) bool {
	req := m.acquire(h)
	if req == nil {
		return false
	}
	defer req.mu.Unlock()
	return req.status.Terminal() && req.remaining() == 0
}

// IsValidHandle reports whether h refers to a live request.
func (m *Manager) IsValidHandle(h Handle) bool {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	return m.reg.lookup(h) != nil
}

// GetStatus returns the HTTP response code, or the negative error status once
// the request failed.
func (m *Manager) GetStatus(h Handle) int {
	req := m.acquire(h)
	if req == nil {
		return 0
	}
	defer req.mu.Unlock()
	return req.code()
}

// State returns the lifecycle state of h.
func (m *Manager) State(h Handle) Status {
	req := m.acquire(h)
	if req == nil {
		return StatusNone
	}
	defer req.mu.Unlock()
	return req.status
}

// GetContentType returns the response Content-Type, if any.
func (m *Manager) GetContentType(h Handle) (string, bool) {
	req := m.acquire(h)
	if req == nil {
		return "", false
	}
	defer req.mu.Unlock()
	return req.contentType, req.contentType != ""
}

// GetIP returns the remote address the response came from.
func (m *Manager) GetIP(h Handle) string {
	req := m.acquire(h)
	if req == nil {
		return ""
	}
	defer req.mu.Unlock()
	return req.remoteIP
}

// GetURL returns the URL the request was created with.
func (m *Manager) GetURL(h Handle) string {
	req := m.acquire(h)
	if req == nil {
		return ""
	}
	defer req.mu.Unlock()
	return req.url
}

// GetEffectiveURL returns the URL after redirects.
func (m *Manager) GetEffectiveURL(h Handle) string {
	req := m.acquire(h)
	if req == nil {
		return ""
	}
	defer req.mu.Unlock()
	if req.effectiveURL == "" {
		return req.url
	}
	return req.effectiveURL
}

var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Done returns a channel closed when the request reaches a terminal state
// or is deleted. Unknown handles get an already closed channel.
func (m *Manager) Done(h Handle) <-chan struct{} {
	req := m.acquire(h)
	if req == nil {
		return closedDone
	}
	defer req.mu.Unlock()
	return req.done
}

// Pause suspends receiving for a started request.
func (m *Manager) Pause(h Handle) error {
	req := m.acquire(h)
	if req == nil {
		return ErrInvalidHandle
	}
	defer req.mu.Unlock()
	m.pause(req)
	return nil
}

// Resume continues receiving after Pause or a refused streaming write.
func (m *Manager) Resume(h Handle) error {
	req := m.acquire(h)
	if req == nil {
		return ErrInvalidHandle
	}
	defer req.mu.Unlock()
	m.unpause(req)
	return nil
}

// Paused reports whether receiving is suspended.
func (m *Manager) Paused(h Handle) bool {
	req := m.acquire(h)
	if req == nil {
		return false
	}
	defer req.mu.Unlock()
	return req.paused
}

// pause and unpause require req.mu.
func (m *Manager) pause(req *request) {
	if req.paused || req.status.Terminal() {
		return
	}
	req.paused = true
	if req.xfer != nil {
		req.xfer.setPaused(true)
	}
	m.obs.TransferPaused(true)
}

func (m *Manager) unpause(req *request) {
	if !req.paused {
		return
	}
	req.paused = false
	req.lastAction = m.now()
	if req.xfer != nil {
		req.xfer.setPaused(false)
	}
	m.obs.TransferPaused(false)
}

// Delete removes the request, stopping its transfer if active. No callback
// fires. Unknown or stale handles are ignored.
func (m *Manager) Delete(h Handle) {
	m.reg.mu.Lock()
	req := m.reg.remove(h)
	if req == nil {
		m.reg.mu.Unlock()
		return
	}

	req.mu.Lock()
	x := req.xfer
	req.xfer = nil
	req.deleted = true
	if req.paused {
		req.paused = false
		m.obs.TransferPaused(false)
	}
	req.cb = Callbacks{}
	req.buf.Reset()
	req.form = nil
	req.post = nil
	req.preq = nil
	req.closeDone()
	id := req.id
	req.mu.Unlock()
	m.reg.mu.Unlock()

	if x != nil {
		m.eng.remove(x)
	}
	m.log.Debug("request deleted", zap.String("request", id))
}

// Len returns the number of live requests.
func (m *Manager) Len() int {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	return m.reg.len()
}

// Handles returns the live handles, oldest first.
func (m *Manager) Handles() []Handle {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	return m.reg.handles()
}

// Close deletes every request and shuts the engine down. Further Create
// calls fail with ErrEngineUnavailable. When a Perform or Wait is in
// progress the engine is shut down as that call returns.
func (m *Manager) Close() {
	if m.closed.Swap(true) {
		return
	}
	for _, h := range m.Handles() {
		m.Delete(h)
	}

	if m.pumpMu.TryLock() {
		m.eng.close()
		m.pumpMu.Unlock()
	}
}

package transfer

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// dispatch applies one engine event to its request. It reports whether the
// event completed a transfer.
func (m *Manager) dispatch(ev event) bool {
	switch ev.kind {
	case eventHeader:
		m.onHeader(ev.x, ev.line, ev.meta)
	case eventData:
		ev.x.ack <- m.onWrite(ev.x, ev.data)
	case eventTrace:
		m.onTrace(ev.x, ev.line)
	case eventDone:
		return m.onDone(ev.x, ev.err)
	}
	return false
}

func (m *Manager) onHeader(x *xfer, line string, meta *responseMeta) {
	req := x.req
	req.mu.Lock()
	if req.deleted || req.status != StatusStarted {
		req.mu.Unlock()
		return
	}

	if meta != nil {
		req.respCode = meta.code
		req.contentType = meta.contentType
		req.effectiveURL = meta.effectiveURL
		req.remoteIP = meta.remoteIP
	}

	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "CONTENT-LENGTH:"):
		value := strings.TrimSpace(line[len("CONTENT-LENGTH:"):])
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
			req.expSize = n
		}
	case strings.HasPrefix(upper, "TRANSFER-ENCODING:"):
		req.expSize = 0
	}

	req.lastAction = m.now()
	cb, h := req.cb.OnHeader, req.h
	req.mu.Unlock()

	if cb != nil {
		cb(h, line)
	}
}

// onWrite returns the number of bytes the transfer may treat as consumed.
func (m *Manager) onWrite(x *xfer, p []byte) int {
	req := x.req
	req.mu.Lock()
	if req.deleted || req.status != StatusStarted {
		req.mu.Unlock()
		return len(p)
	}

	req.lastAction = m.now()
	m.obs.BytesReceived(len(p))

	if read := req.cb.OnRead; read != nil {
		progress := 0.0
		if req.expSize > 0 {
			progress = float64(req.rxReceived+int64(len(p))) / float64(req.expSize) * 100
			progress = min(max(progress, 0), 100)
		}
		h := req.h
		req.mu.Unlock()

		n := read(h, p, progress)

		req.mu.Lock()
		defer req.mu.Unlock()
		if req.deleted || req.status != StatusStarted || n < 0 || n > len(p) {
			return n
		}
		req.rxReceived += int64(n)
		req.rxReturned += int64(n)
		if n < len(p) {
			m.pause(req)
		}
		return n
	}

	req.buf.Append(p)
	req.rxReceived += int64(len(p))
	if req.buf.Len() >= m.cfg.HighWater {
		m.pause(req)
	}
	req.mu.Unlock()
	return len(p)
}

func (m *Manager) onTrace(x *xfer, line string) {
	m.log.Debug(line, zap.String("request", x.req.id))
}

func (m *Manager) onDone(x *xfer, err error) bool {
	x.finished.Store(true)

	req := x.req
	req.mu.Lock()
	if req.deleted || req.status.Terminal() {
		req.mu.Unlock()
		return false
	}

	if err == nil {
		req.status = StatusFinished
	} else {
		code := classify(err, req.respCode > 0)
		req.status = Status(code.Status())
		req.respCode = -1
	}
	m.finish(req)

	cb, h, status := req.cb.OnDone, req.h, req.code()
	req.mu.Unlock()

	if err != nil {
		m.log.Warn("transfer failed",
			zap.String("request", req.id),
			zap.String("url", req.url),
			zap.Int("status", status),
			zap.Error(err))
	} else {
		m.log.Debug("transfer finished",
			zap.String("request", req.id),
			zap.Int("code", status))
	}

	if cb != nil {
		cb(h, status)
	}
	return true
}

// finish records a terminal state. req.mu is held.
func (m *Manager) finish(req *request) {
	if req.paused {
		req.paused = false
		m.obs.TransferPaused(false)
	}
	req.closeDone()
	var elapsed time.Duration
	if !req.startedAt.IsZero() {
		elapsed = m.now().Sub(req.startedAt)
	}
	m.obs.TransferCompleted(req.code(), req.rxReceived, elapsed)
}

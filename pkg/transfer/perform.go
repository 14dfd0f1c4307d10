package transfer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// maxPumpEvents bounds the events handled by one Perform call.
const maxPumpEvents = 4096

type completion struct {
	cb     DoneFunc
	h      Handle
	status int
}

// Perform admits queued requests, applies backpressure and timeouts, and
// dispatches pending engine events to the adapter callbacks. It returns the
// number of transfers still running plus the number completed by this call.
//
// Perform must be called repeatedly from one goroutine. Concurrent calls are
// serialised. Callbacks run on the calling goroutine and may call any
// Manager method, Close included.
func (m *Manager) Perform() int {
	m.pumpMu.Lock()
	defer m.releasePump()

	now := m.now()
	var timedOut []completion

	m.reg.mu.Lock()

	started := 0
	m.reg.each(func(req *request) bool {
		req.mu.Lock()
		if req.status == StatusStarted {
			started++
		}
		req.mu.Unlock()
		return true
	})

	m.reg.each(func(req *request) bool {
		req.mu.Lock()
		defer req.mu.Unlock()

		if req.status == StatusQueued && started < m.cfg.MaxTransfers {
			if err := m.admit(req, now); err == nil {
				started++
			} else if req.timeout > 0 && !now.Before(req.queuedAt.Add(req.timeout)) {
				timedOut = append(timedOut, m.expire(req))
			}
		}
		if req.status != StatusStarted {
			return true
		}

		if req.cb.OnRead == nil && req.buf.Len() >= m.cfg.HighWater {
			m.pause(req)
		}

		switch {
		case req.paused:
			req.lastAction = now
		case req.timeout > 0 && !now.Before(req.lastAction.Add(req.timeout)):
			timedOut = append(timedOut, m.expire(req))
		}
		return true
	})

	m.reg.mu.Unlock()

	for _, c := range timedOut {
		if c.cb != nil {
			c.cb(c.h, c.status)
		}
	}

	resolved := 0
	for i := 0; i < maxPumpEvents; i++ {
		ev, ok := m.eng.next()
		if !ok {
			break
		}
		if m.dispatch(ev) {
			resolved++
		}
	}

	return m.eng.running() + resolved
}

// admit moves req into the engine. A failed admission leaves req queued.
// req.mu is held.
func (m *Manager) admit(req *request, now time.Time) error {
	x, err := m.eng.add(req)
	if err != nil {
		m.log.Debug("admission deferred", zap.String("request", req.id), zap.Error(err))
		return err
	}

	req.xfer = x
	req.status = StatusStarted
	req.startedAt = now
	req.lastAction = now
	m.obs.TransferAdmitted(req.url)
	return nil
}

// expire fails req with a timeout without waiting for the engine. The
// transfer stays owned by the request until Delete. req.mu is held.
func (m *Manager) expire(req *request) completion {
	req.status = Status(CodeOperationTimedOut.Status())
	req.respCode = -1
	if req.xfer != nil {
		m.eng.abort(req.xfer)
	}
	m.finish(req)

	m.log.Warn("transfer timed out",
		zap.String("request", req.id),
		zap.String("url", req.url),
		zap.Duration("timeout", req.timeout))

	return completion{cb: req.cb.OnDone, h: req.h, status: req.code()}
}

// Wait blocks until the engine has an event for Perform, d elapses or ctx
// is done. Called while the pump is busy, from a callback for instance, it
// returns at once.
func (m *Manager) Wait(ctx context.Context, d time.Duration) error {
	if !m.pumpMu.TryLock() {
		return ctx.Err()
	}
	defer m.releasePump()
	return m.eng.wait(ctx, d)
}

// releasePump unlocks the pump and completes a Close that found it busy.
func (m *Manager) releasePump() {
	m.pumpMu.Unlock()
	if m.closed.Load() && m.pumpMu.TryLock() {
		m.eng.close()
		m.pumpMu.Unlock()
	}
}

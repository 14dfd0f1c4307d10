package transfer

import (
	"context"
	"sync"
	"time"
)

var (
	defaultMu      sync.RWMutex
	defaultManager *Manager
)

// Init creates the process-wide Manager used by the package-level functions.
// Calling Init again before Cleanup does nothing.
func Init(cfg Config, opts ...Option) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultManager != nil {
		return nil
	}
	m, err := New(cfg, opts...)
	if err != nil {
		return err
	}
	defaultManager = m
	return nil
}

// Cleanup closes the process-wide Manager. It is safe to call repeatedly.
func Cleanup() {
	defaultMu.Lock()
	m := defaultManager
	defaultManager = nil
	defaultMu.Unlock()

	if m != nil {
		m.Close()
	}
}

// Default returns the process-wide Manager, or nil outside Init/Cleanup.
func Default() *Manager {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultManager
}

// Create calls Manager.Create on the process-wide Manager.
func Create(iface, format string, args ...any) (Handle, error) {
	m := Default()
	if m == nil {
		return 0, ErrEngineUnavailable
	}
	return m.Create(iface, format, args...)
}

// Header calls Manager.Header on the process-wide Manager.
func Header(h Handle, key, format string, args ...any) error {
	if m := Default(); m != nil {
		return m.Header(h, key, format, args...)
	}
	return ErrInvalidHandle
}

// FormAdd calls Manager.FormAdd on the process-wide Manager.
func FormAdd(h Handle, field, format string, args ...any) error {
	if m := Default(); m != nil {
		return m.FormAdd(h, field, format, args...)
	}
	return ErrInvalidHandle
}

// FormAddRaw calls Manager.FormAddRaw on the process-wide Manager.
func FormAddRaw(h Handle, field string, data []byte) error {
	if m := Default(); m != nil {
		return m.FormAddRaw(h, field, data)
	}
	return ErrInvalidHandle
}

// SetPostFields calls Manager.SetPostFields on the process-wide Manager.
func SetPostFields(h Handle, data []byte) error {
	if m := Default(); m != nil {
		return m.SetPostFields(h, data)
	}
	return ErrInvalidHandle
}

// SetTimeout calls Manager.SetTimeout on the process-wide Manager.
func SetTimeout(h Handle, d time.Duration) error {
	if m := Default(); m != nil {
		return m.SetTimeout(h, d)
	}
	return ErrInvalidHandle
}

// SetResumeFrom calls Manager.SetResumeFrom on the process-wide Manager.
func SetResumeFrom(h Handle, offset int64) error {
	if m := Default(); m != nil {
		return m.SetResumeFrom(h, offset)
	}
	return ErrInvalidHandle
}

// IgnoreBytes calls Manager.IgnoreBytes on the process-wide Manager.
func IgnoreBytes(h Handle, n int64) error {
	if m := Default(); m != nil {
		return m.IgnoreBytes(h, n)
	}
	return ErrInvalidHandle
}

// StreamCallbacks calls Manager.StreamCallbacks on the process-wide Manager.
func StreamCallbacks(h Handle, cb Callbacks) error {
	if m := Default(); m != nil {
		return m.StreamCallbacks(h, cb)
	}
	return ErrInvalidHandle
}

// Start calls Manager.Start on the process-wide Manager.
func Start(h Handle) error {
	if m := Default(); m != nil {
		return m.Start(h)
	}
	return ErrInvalidHandle
}

// Read calls Manager.Read on the process-wide Manager.
func Read(h Handle, buf []byte) int {
	if m := Default(); m != nil {
		return m.Read(h, buf)
	}
	return 0
}

// GetSize calls Manager.GetSize on the process-wide Manager.
func GetSize(h Handle) (expected, received int64) {
	if m := Default(); m != nil {
		return m.GetSize(h)
	}
	return 0, 0
}

// Tell calls Manager.Tell on the process-wide Manager.
func Tell(h Handle) int64 {
	if m := Default(); m != nil {
		return m.Tell(h)
	}
	return 0
}

// EOF calls Manager.EOF on the process-wide Manager.
func EOF(h Handle) bool {
	if m := Default(); m != nil {
		return m.EOF(h)
	}
	return false
}

// IsValidHandle reports whether h is live on the process-wide Manager.
func IsValidHandle(h Handle) bool {
	if m := Default(); m != nil {
		return m.IsValidHandle(h)
	}
	return false
}

// GetStatus calls Manager.GetStatus on the process-wide Manager.
func GetStatus(h Handle) int {
	if m := Default(); m != nil {
		return m.GetStatus(h)
	}
	return 0
}

// GetContentType calls Manager.GetContentType on the process-wide Manager.
func GetContentType(h Handle) (string, bool) {
	if m := Default(); m != nil {
		return m.GetContentType(h)
	}
	return "", false
}

// GetIP calls Manager.GetIP on the process-wide Manager.
func GetIP(h Handle) string {
	if m := Default(); m != nil {
		return m.GetIP(h)
	}
	return ""
}

// GetURL calls Manager.GetURL on the process-wide Manager.
func GetURL(h Handle) string {
	if m := Default(); m != nil {
		return m.GetURL(h)
	}
	return ""
}

// GetEffectiveURL calls Manager.GetEffectiveURL on the process-wide Manager.
func GetEffectiveURL(h Handle) string {
	if m := Default(); m != nil {
		return m.GetEffectiveURL(h)
	}
	return ""
}

// Done calls Manager.Done on the process-wide Manager. Outside Init/Cleanup
// the channel is already closed.
func Done(h Handle) <-chan struct{} {
	if m := Default(); m != nil {
		return m.Done(h)
	}
	return closedDone
}

// Pause calls Manager.Pause on the process-wide Manager.
func Pause(h Handle) error {
	if m := Default(); m != nil {
		return m.Pause(h)
	}
	return ErrInvalidHandle
}

// Resume calls Manager.Resume on the process-wide Manager.
func Resume(h Handle) error {
	if m := Default(); m != nil {
		return m.Resume(h)
	}
	return ErrInvalidHandle
}

// Delete calls Manager.Delete on the process-wide Manager.
func Delete(h Handle) {
	if m := Default(); m != nil {
		m.Delete(h)
	}
}

// Perform drives the process-wide Manager. It returns 0 outside Init/Cleanup.
func Perform() int {
	if m := Default(); m != nil {
		return m.Perform()
	}
	return 0
}

// Wait calls Manager.Wait on the process-wide Manager.
func Wait(ctx context.Context, d time.Duration) error {
	if m := Default(); m != nil {
		return m.Wait(ctx, d)
	}
	return ErrEngineUnavailable
}

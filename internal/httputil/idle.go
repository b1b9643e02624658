package httputil

import (
	"errors"
	"io"
	"sync/atomic"
	"time"
)

// ErrIdleTimeout is returned by IdleTimeoutReader once the idle window
// elapsed without any bytes arriving.
var ErrIdleTimeout = errors.New("no data received within idle timeout")

// IdleTimeoutReader closes the wrapped body when a Read waits longer than the
// idle window for bytes. The window only runs while a Read is in progress, so
// a consumer that stops reading never trips it. Closing unblocks the pending
// Read, which then reports ErrIdleTimeout instead of the transport's "use of
// closed connection".
type IdleTimeoutReader struct {
	rc      io.ReadCloser
	idle    time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

// NewIdleTimeoutReader wraps rc. A non-positive idle disables the timeout.
func NewIdleTimeoutReader(rc io.ReadCloser, idle time.Duration) *IdleTimeoutReader {
	r := &IdleTimeoutReader{rc: rc, idle: idle}
	if idle > 0 {
		r.timer = time.AfterFunc(idle, r.expire)
		r.timer.Stop()
	}
	return r
}

func (r *IdleTimeoutReader) expire() {
	r.expired.Store(true)
	r.rc.Close()
}

func (r *IdleTimeoutReader) Read(p []byte) (int, error) {
	if r.expired.Load() {
		return 0, ErrIdleTimeout
	}
	if r.timer != nil {
		r.timer.Reset(r.idle)
	}
	n, err := r.rc.Read(p)
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.expired.Load() {
		return n, ErrIdleTimeout
	}
	return n, err
}

func (r *IdleTimeoutReader) Close() error {
	if r.timer != nil {
		r.timer.Stop()
	}
	return r.rc.Close()
}

// Expired reports whether the reader was closed by the idle timer.
func (r *IdleTimeoutReader) Expired() bool {
	return r.expired.Load()
}

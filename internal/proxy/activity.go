package proxy

import (
	"errors"
	"io"
	"time"
)

// errActivityTimeout reports that the gap between two body reads exceeded
// the activity timeout. It is distinct from a connection timeout so the
// caller can tell a stalled stream from a backend that never answered.
var errActivityTimeout = errors.New("proxy: i/o timeout waiting for upstream activity")

type readResult struct {
	data []byte
	err  error
}

// activityReader enforces a maximum gap between reads from the upstream
// body. Each dispatch runs in its own goroutine so a stalled Read can be
// abandoned; the result channel is retained, never the goroutine, so a
// later Read (or the background drainer, with a different timeout) picks
// up exactly where the timed-out one left off instead of racing a second
// Read against the same body.
type activityReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	chunk   int

	pending  chan readResult
	leftover []byte
	errHeld  error
}

func newActivityReader(rc io.ReadCloser, timeout time.Duration, chunk int) *activityReader {
	if chunk <= 0 {
		chunk = 32 * 1024
	}
	return &activityReader{rc: rc, timeout: timeout, chunk: chunk}
}

// setTimeout adjusts the per-read deadline for subsequent reads. Zero
// disables the deadline.
func (r *activityReader) setTimeout(d time.Duration) {
	r.timeout = d
}

func (r *activityReader) Read(p []byte) (int, error) {
	if len(r.leftover) > 0 {
		n := copy(p, r.leftover)
		r.leftover = r.leftover[n:]
		if len(r.leftover) == 0 && r.errHeld != nil {
			err := r.errHeld
			r.errHeld = nil
			return n, err
		}
		return n, nil
	}
	if r.errHeld != nil {
		err := r.errHeld
		r.errHeld = nil
		return 0, err
	}

	if r.pending == nil {
		ch := make(chan readResult, 1)
		r.pending = ch
		go func() {
			buf := make([]byte, r.chunk)
			n, err := r.rc.Read(buf)
			ch <- readResult{data: buf[:n], err: err}
		}()
	}

	var expired <-chan time.Time
	if r.timeout > 0 {
		t := time.NewTimer(r.timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case res := <-r.pending:
		r.pending = nil
		n := copy(p, res.data)
		if n < len(res.data) {
			r.leftover = res.data[n:]
			r.errHeld = res.err
			return n, nil
		}
		return n, res.err
	case <-expired:
		return 0, errActivityTimeout
	}
}

func (r *activityReader) Close() error {
	return r.rc.Close()
}

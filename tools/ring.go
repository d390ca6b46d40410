package tools

import (
	"io"
	"sync"
)

// PCMRing is a fixed-capacity byte buffer between the decoder and the
// audio device. Writes never block; when full the oldest bytes are
// dropped so playback stays close to real time.
type PCMRing struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	cap    int
	closed bool
}

func NewPCMRing(capacity int) *PCMRing {
	r := &PCMRing{buf: make([]byte, 0, capacity), cap: capacity}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Write appends p and returns how many old bytes were discarded. Writes
// larger than the capacity keep only their tail.
func (r *PCMRing) Write(p []byte) (dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return len(p)
	}
	if len(p) > r.cap {
		dropped = len(r.buf) + len(p) - r.cap
		r.buf = append(r.buf[:0], p[len(p)-r.cap:]...)
		r.cond.Signal()
		return dropped
	}
	if over := len(r.buf) + len(p) - r.cap; over > 0 {
		r.buf = append(r.buf[:0], r.buf[over:]...)
		dropped = over
	}
	r.buf = append(r.buf, p...)
	r.cond.Signal()
	return dropped
}

// Read blocks until data is buffered or the ring is closed.
func (r *PCMRing) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf) == 0 && !r.closed {
		r.cond.Wait()
	}
	if len(r.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.buf)
	r.buf = append(r.buf[:0], r.buf[n:]...)
	return n, nil
}

func (r *PCMRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Close wakes blocked readers; buffered bytes can still be read.
func (r *PCMRing) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
	return nil
}

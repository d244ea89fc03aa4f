package executor

import "sync"

// ringBuffer keeps the newest cap bytes written to it.
type ringBuffer struct {
	mu        sync.Mutex
	data      []byte
	cap       int
	truncated bool
}

func newRingBuffer(cap int) *ringBuffer {
	if cap < 1 {
		cap = 1
	}
	return &ringBuffer{data: make([]byte, 0, min(cap, 4096)), cap: cap}
}

func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(p) >= rb.cap {
		if len(p) > rb.cap || len(rb.data) > 0 {
			rb.truncated = true
		}
		rb.data = append(rb.data[:0], p[len(p)-rb.cap:]...)
		return len(p), nil
	}
	rb.data = append(rb.data, p...)
	if len(rb.data) > rb.cap {
		rb.data = append(rb.data[:0:0], rb.data[len(rb.data)-rb.cap:]...)
		rb.truncated = true
	}
	return len(p), nil
}

func (rb *ringBuffer) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return string(rb.data)
}

func (rb *ringBuffer) Truncated() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.truncated
}

package eventmesh

import (
	"sync"
	"time"
)

// RingBuffer keeps the most recent size values. Writing to a full buffer
// overwrites the oldest value.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	buf      []T
	writeIdx int
	len      int
	total    int64
}

func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{buf: make([]T, size)}
}

func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.len
}

// Total returns how many values were ever written, including overwritten ones.
func (r *RingBuffer[T]) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *RingBuffer[T]) Write(val T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.writeIdx] = val
	r.writeIdx = (r.writeIdx + 1) % len(r.buf)
	if r.len < len(r.buf) {
		r.len++
	}
	r.total++
}

// Snapshot returns the buffered values, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, r.len)
	start := (r.writeIdx - r.len + len(r.buf)) % len(r.buf)
	for i := 0; i < r.len; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// DeliveryFailure describes one isolated failure on the receive path.
type DeliveryFailure struct {
	Time      time.Time `json:"time"`
	Stage     string    `json:"stage"` // "deserialize", "handler" or "send"
	TopicID   string    `json:"topic_id"`
	EventID   string    `json:"event_id"`
	Component string    `json:"component"`
	Error     string    `json:"error"`
}

package eventmesh

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingTransport delivers locally like LocalTransport and records
// every call for assertions.
type recordingTransport struct {
	*LocalTransport

	mu           sync.Mutex
	sent         []Envelope
	subscribes   atomic.Int64
	unsubscribes atomic.Int64
	sendErr      error
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{LocalTransport: NewLocalTransport()}
}

func (r *recordingTransport) SendEvent(topicID string, env Envelope, opts ...SendOption) error {
	r.mu.Lock()
	r.sent = append(r.sent, env)
	err := r.sendErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.LocalTransport.SendEvent(topicID, env, opts...)
}

func (r *recordingTransport) SubscribeTopic(topicID string, rc Receiver) error {
	r.subscribes.Add(1)
	return r.LocalTransport.SubscribeTopic(topicID, rc)
}

func (r *recordingTransport) UnsubscribeTopic(topicID string, rc Receiver) error {
	r.unsubscribes.Add(1)
	return r.LocalTransport.UnsubscribeTopic(topicID, rc)
}

func (r *recordingTransport) sentEnvelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.sent...)
}

// collector is a concurrency-safe sink for handler tests.
type collector[T any] struct {
	mu    sync.Mutex
	items []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	c.items = append(c.items, v)
	c.mu.Unlock()
}

func (c *collector[T]) snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *collector[T]) handler() EventHandler {
	return HandlerFor(func(v T) error {
		c.add(v)
		return nil
	})
}

func newTestService(t *testing.T, tr Transport, opts ...ServiceOption) *EventService {
	t.Helper()
	s, err := NewEventService("node-a", tr, opts...)
	if err != nil {
		t.Fatalf("NewEventService: %v", err)
	}
	t.Cleanup(s.Dispose)
	return s
}

func buildTopic(t *testing.T, s *EventService, id string, configure ...func(*TopicBuilder)) *Topic {
	t.Helper()
	b, err := s.GetTopic(id)
	if err != nil {
		t.Fatalf("GetTopic(%q): %v", id, err)
	}
	for _, fn := range configure {
		fn(b)
	}
	topic, err := b.Build()
	if err != nil {
		t.Fatalf("Build(%q): %v", id, err)
	}
	return topic
}

const waitTimeout = 5 * time.Second
const waitTick = 5 * time.Millisecond

// waitFor polls cond until it holds or waitTimeout elapses.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(waitTick)
	}
}

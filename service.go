package eventmesh

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type outboundEvent struct {
	topicID string
	env     Envelope
}

// EventService is the topic factory. It owns the delivery queue drained by
// a single worker, so sends from one process reach the transport in the
// order they were queued.
type EventService struct {
	nodeID   string
	config   serviceConfig
	metrics  *Metrics
	failures *RingBuffer[DeliveryFailure]

	mu        sync.RWMutex
	transport Transport
	active    map[*Topic]*topicReceiver

	seq   atomic.Int64
	queue chan outboundEvent
	// queueMu orders enqueues against Dispose: an event passes the disposed
	// check and lands in queue before the worker's final drain, or not at all.
	queueMu  sync.RWMutex
	disposed atomic.Bool
	done     chan struct{}
	stopped  chan struct{}
}

// NewEventService creates a service for the local node and starts its
// delivery worker. transport may be nil and set later with SetTransport;
// events sent while it is nil are discarded.
func NewEventService(nodeID string, transport Transport, opts ...ServiceOption) (*EventService, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("%w: empty node id", ErrInvalidArgument)
	}

	cfg := defaultServiceConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = NewMetrics()
	}

	s := &EventService{
		nodeID:    nodeID,
		config:    cfg,
		metrics:   cfg.metrics,
		failures:  NewRingBuffer[DeliveryFailure](cfg.failureLogSize),
		transport: transport,
		active:    make(map[*Topic]*topicReceiver),
		queue:     make(chan outboundEvent, cfg.queueSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	s.metrics.setGauge("active_topics", func() int {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.active)
	})

	go s.deliveryLoop()
	return s, nil
}

// NodeID returns the local node id used as the event id prefix.
func (s *EventService) NodeID() string { return s.nodeID }

// Metrics returns the service counters.
func (s *EventService) Metrics() *Metrics { return s.metrics }

// Failures returns the most recent isolated delivery failures, oldest first.
func (s *EventService) Failures() []DeliveryFailure { return s.failures.Snapshot() }

// GetTopic returns a builder for topic id, pre-populated with the built-in
// codecs.
func (s *EventService) GetTopic(id string) (*TopicBuilder, error) {
	if err := ValidateTopicID(id); err != nil {
		return nil, err
	}
	if s.disposed.Load() {
		return nil, fmt.Errorf("get topic %s: %w", id, ErrServiceDisposed)
	}
	return newTopicBuilder(s, id), nil
}

// SetTransport swaps the transport. Active topics are unsubscribed from the
// old transport and subscribed to the new one.
func (s *EventService) SetTransport(tr Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.transport
	s.transport = tr
	for t, r := range s.active {
		if old != nil {
			if err := old.UnsubscribeTopic(t.id, r); err != nil {
				slog.Warn("unsubscribe from previous transport failed", "topic", t.id, "error", err)
			}
		}
		if tr != nil {
			if err := tr.SubscribeTopic(t.id, r); err != nil {
				slog.Error("subscribe failed", "topic", t.id, "error", err)
			}
		}
	}
}

// ActiveTopics returns the ids of topics currently subscribed to the
// transport. An id appears once per active Topic built for it.
func (s *EventService) ActiveTopics() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.active))
	for t := range s.active {
		ids = append(ids, t.id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (s *EventService) activateTopic(t *Topic) {
	if s.disposed.Load() {
		slog.Warn("topic activation ignored: service disposed", "topic", t.id)
		return
	}

	r := &topicReceiver{topic: t, service: s}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[t] = r
	if s.transport == nil {
		return
	}
	if err := s.transport.SubscribeTopic(t.id, r); err != nil {
		slog.Error("subscribe failed", "topic", t.id, "error", err)
		return
	}
	slog.Debug("topic activated", "topic", t.id)
}

func (s *EventService) deactivateTopic(t *Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.active[t]
	if !ok {
		return
	}
	delete(s.active, t)
	if s.transport == nil {
		return
	}
	if err := s.transport.UnsubscribeTopic(t.id, r); err != nil {
		slog.Error("unsubscribe failed", "topic", t.id, "error", err)
		return
	}
	slog.Debug("topic deactivated", "topic", t.id)
}

// queueEvent hands env to the delivery worker. It never blocks: with no
// transport the event is discarded, with a full queue it is dropped.
func (s *EventService) queueEvent(topicID string, env Envelope) error {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	if s.disposed.Load() {
		return fmt.Errorf("queue %s: %w", topicID, ErrServiceDisposed)
	}

	s.mu.RLock()
	hasTransport := s.transport != nil
	s.mu.RUnlock()
	if !hasTransport {
		s.metrics.EventsDiscarded.Add(1)
		slog.Warn("event discarded: no transport", "topic", topicID, "eventID", env.ID)
		return nil
	}

	select {
	case s.queue <- outboundEvent{topicID: topicID, env: env}:
		s.metrics.EventsQueued.Add(1)
	default:
		s.metrics.EventsDropped.Add(1)
		slog.Warn("event dropped: delivery queue full", "topic", topicID, "eventID", env.ID)
	}
	return nil
}

func (s *EventService) deliveryLoop() {
	defer close(s.stopped)
	for {
		select {
		case ev := <-s.queue:
			s.deliver(ev)
		case <-s.done:
			// Flush what was accepted before Dispose.
			for {
				select {
				case ev := <-s.queue:
					s.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *EventService) deliver(ev outboundEvent) {
	s.mu.RLock()
	tr := s.transport
	s.mu.RUnlock()
	if tr == nil {
		s.metrics.EventsDiscarded.Add(1)
		slog.Warn("event discarded: no transport", "topic", ev.topicID, "eventID", ev.env.ID)
		return
	}

	if err := tr.SendEvent(ev.topicID, ev.env); err != nil {
		s.metrics.SendFailures.Add(1)
		s.recordFailure("send", ev.env, fmt.Sprintf("%T", tr), err)
		slog.Warn("transport send failed", "topic", ev.topicID, "eventID", ev.env.ID, "error", err)
	}
}

// NewEventID returns "<nodeID>-<seq>". The sequence wraps from
// math.MaxInt64 to zero.
func (s *EventService) NewEventID() string {
	return s.nodeID + "-" + strconv.FormatInt(s.nextSequence(), 10)
}

func (s *EventService) nextSequence() int64 {
	for {
		cur := s.seq.Load()
		next := cur + 1
		if cur == math.MaxInt64 {
			next = 0
		}
		if s.seq.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func (s *EventService) recordFailure(stage string, env Envelope, component string, err error) {
	s.failures.Write(DeliveryFailure{
		Time:      time.Now(),
		Stage:     stage,
		TopicID:   env.TopicID,
		EventID:   env.ID,
		Component: component,
		Error:     err.Error(),
	})
}

// Dispose stops accepting events, waits for the delivery worker to flush
// what was already queued, then deactivates every active topic. Safe to
// call more than once.
func (s *EventService) Dispose() {
	s.queueMu.Lock()
	if !s.disposed.CompareAndSwap(false, true) {
		s.queueMu.Unlock()
		return
	}
	s.queueMu.Unlock()

	close(s.done)
	<-s.stopped

	s.mu.RLock()
	topics := make([]*Topic, 0, len(s.active))
	for t := range s.active {
		topics = append(topics, t)
	}
	s.mu.RUnlock()

	for _, t := range topics {
		t.activationMu.Lock()
		if t.active.CompareAndSwap(true, false) {
			s.deactivateTopic(t)
		}
		t.activationMu.Unlock()
	}
	slog.Debug("event service disposed", "node", s.nodeID)
}

// topicReceiver routes envelopes from the transport to one Topic.
type topicReceiver struct {
	topic   *Topic
	service *EventService
}

func (r *topicReceiver) ReceiveEvent(env Envelope) error {
	r.service.metrics.EventsReceived.Add(1)
	r.topic.dispatchEvent(env)
	return nil
}

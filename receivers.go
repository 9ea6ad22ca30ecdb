package eventmesh

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Receiver consumes envelopes delivered by a Transport for a topic id.
type Receiver interface {
	ReceiveEvent(env Envelope) error
}

// Transport moves envelopes between processes. SendEvent fans out to local
// receivers before any remote delivery.
type Transport interface {
	SendEvent(topicID string, env Envelope, opts ...SendOption) error
	SubscribeTopic(topicID string, r Receiver) error
	UnsubscribeTopic(topicID string, r Receiver) error
}

type sendConfig struct {
	localOnly bool
}

// SendOption tunes a single Transport.SendEvent call.
type SendOption func(*sendConfig)

// LocalOnly delivers to receivers in this process and skips remote peers.
func LocalOnly() SendOption {
	return func(c *sendConfig) {
		c.localOnly = true
	}
}

func applySendOptions(opts []SendOption) sendConfig {
	var c sendConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}

// receiverRegistry maps topic ids to subscribed receivers. Shared by every
// Transport implementation.
type receiverRegistry struct {
	mu     sync.RWMutex
	topics map[string][]Receiver
}

func newReceiverRegistry() *receiverRegistry {
	return &receiverRegistry{topics: make(map[string][]Receiver)}
}

func (r *receiverRegistry) subscribe(topicID string, rc Receiver) error {
	if err := ValidateTopicID(topicID); err != nil {
		return err
	}
	if rc == nil {
		return fmt.Errorf("%w: nil receiver", ErrInvalidArgument)
	}
	r.mu.Lock()
	r.topics[topicID] = append(r.topics[topicID], rc)
	r.mu.Unlock()
	return nil
}

func (r *receiverRegistry) unsubscribe(topicID string, rc Receiver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs := r.topics[topicID]
	i := slices.IndexFunc(rs, func(x Receiver) bool { return x == rc })
	if i < 0 {
		return fmt.Errorf("unsubscribe %s: %w", topicID, ErrNotSubscribed)
	}
	rs = slices.Delete(rs, i, i+1)
	if len(rs) == 0 {
		delete(r.topics, topicID)
	} else {
		r.topics[topicID] = rs
	}
	return nil
}

// topicIDs returns the ids with at least one receiver.
func (r *receiverRegistry) topicIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.topics))
	for id := range r.topics {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// fanOut delivers env to every receiver of topicID and returns how many
// accepted it. A failing receiver is logged and skipped.
func (r *receiverRegistry) fanOut(topicID string, env Envelope) int {
	r.mu.RLock()
	rs := slices.Clone(r.topics[topicID])
	r.mu.RUnlock()

	ok := 0
	for _, rc := range rs {
		if err := deliverTo(rc, env); err != nil {
			slog.Error("receiver failed",
				"topic", topicID, "eventID", env.ID, "receiver", fmt.Sprintf("%T", rc), "error", err)
			continue
		}
		ok++
	}
	return ok
}

func deliverTo(rc Receiver, env Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("receiver panic: %v", p)
		}
	}()
	return rc.ReceiveEvent(env)
}

// frameRouter turns inbound frames into local fan-out. It drops corrupt
// frames and frames this node produced itself.
type frameRouter struct {
	nodeID     string
	receivers  *receiverRegistry
	metrics    *Metrics
	corruptLog rate.Sometimes
}

func newFrameRouter(nodeID string, metrics *Metrics) *frameRouter {
	return &frameRouter{
		nodeID:     nodeID,
		receivers:  newReceiverRegistry(),
		metrics:    metrics,
		corruptLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// encode stamps the local node as source and returns the wire frame.
func (fr *frameRouter) encode(topicID string, env Envelope) []byte {
	env.TopicID = topicID
	return EncodeEvent(TransportableEvent{Envelope: env, SourceNodeID: fr.nodeID})
}

func (fr *frameRouter) route(data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		fr.metrics.FramesCorrupt.Add(1)
		fr.corruptLog.Do(func() {
			slog.Warn("dropping corrupt frame", "size", len(data), "error", err)
		})
		return
	}
	if ev.SourceNodeID == fr.nodeID {
		fr.metrics.EchoesSuppressed.Add(1)
		slog.Log(context.Background(), LevelTrace, "dropping self-echo",
			"topic", ev.TopicID, "eventID", ev.ID)
		return
	}
	fr.receivers.fanOut(ev.TopicID, ev.Envelope)
}

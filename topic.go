package eventmesh

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
)

// serializerRegistry resolves a serializer for a concrete event type:
// exact match first, then the registered interface types the concrete
// type implements, in registration order. Ancestry hits are cached per
// concrete type with put-if-absent semantics.
type serializerRegistry struct {
	exact  map[reflect.Type]Serializer // immutable after Build
	ifaces []reflect.Type             // interface keys of exact, in order
	cache  sync.Map                   // map[reflect.Type]Serializer

	// walks counts ancestry walks (cache misses past the exact map).
	walks atomic.Int64
}

func (r *serializerRegistry) resolve(t reflect.Type) (Serializer, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil event", ErrNoSerializer)
	}
	if s, ok := r.exact[t]; ok {
		return s, nil
	}
	if v, ok := r.cache.Load(t); ok {
		return v.(Serializer), nil
	}

	r.walks.Add(1)
	for _, it := range r.ifaces {
		if t.Implements(it) {
			actual, _ := r.cache.LoadOrStore(t, r.exact[it])
			return actual.(Serializer), nil
		}
	}
	return nil, fmt.Errorf("%w %s", ErrNoSerializer, TypeTagOf(t))
}

// TopicBuilder configures serializers and deserializers before a Topic is
// built. Builders come from EventService.GetTopic, pre-populated with the
// built-in []byte, string and *bytes.Buffer codecs.
type TopicBuilder struct {
	service       *EventService
	id            string
	serializers   map[reflect.Type]Serializer
	builtin       map[reflect.Type]bool
	order         []reflect.Type
	deserializers map[string][]Deserializer
	err           error
}

func newTopicBuilder(s *EventService, id string) *TopicBuilder {
	b := &TopicBuilder{
		service:       s,
		id:            id,
		serializers:   builtinSerializers(),
		builtin:       make(map[reflect.Type]bool),
		deserializers: make(map[string][]Deserializer),
	}
	for t := range b.serializers {
		b.builtin[t] = true
	}
	for _, d := range builtinDeserializers() {
		b.deserializers[d.TypeTag()] = append(b.deserializers[d.TypeTag()], d)
	}
	return b
}

// AddSerializer registers s for events whose dynamic type is t or, when t
// is an interface, implements t. Registering a second serializer for the
// same type fails the build; a built-in serializer may be replaced once.
func (b *TopicBuilder) AddSerializer(t reflect.Type, s Serializer) *TopicBuilder {
	if b.err != nil {
		return b
	}
	if t == nil || s == nil {
		b.err = fmt.Errorf("%w: nil serializer or type", ErrInvalidArgument)
		return b
	}
	if _, exists := b.serializers[t]; exists && !b.builtin[t] {
		b.err = fmt.Errorf("%w %s", ErrDuplicateSerializer, TypeTagOf(t))
		return b
	}
	delete(b.builtin, t)
	b.serializers[t] = s
	if t.Kind() == reflect.Interface {
		b.order = append(b.order, t)
	}
	return b
}

// AddDeserializer registers d under its type tag. Several deserializers
// may share a tag; all of them are tried on dispatch.
func (b *TopicBuilder) AddDeserializer(d Deserializer) *TopicBuilder {
	if b.err != nil {
		return b
	}
	if d == nil {
		b.err = fmt.Errorf("%w: nil deserializer", ErrInvalidArgument)
		return b
	}
	b.deserializers[d.TypeTag()] = append(b.deserializers[d.TypeTag()], d)
	return b
}

// AddJSON registers encoding/json codecs for T on b.
func AddJSON[T any](b *TopicBuilder) *TopicBuilder {
	return b.AddSerializer(reflect.TypeFor[T](), JSONSerializer[T]()).
		AddDeserializer(JSONDeserializer[T]())
}

// Build constructs a new Topic bound to the builder's service. Each call
// returns an independent Topic, even for the same id.
func (b *TopicBuilder) Build() (*Topic, error) {
	if b.err != nil {
		return nil, fmt.Errorf("topic %s: %w", b.id, b.err)
	}
	reg := &serializerRegistry{
		exact:  make(map[reflect.Type]Serializer, len(b.serializers)),
		ifaces: slices.Clone(b.order),
	}
	for t, s := range b.serializers {
		reg.exact[t] = s
	}
	des := make(map[string][]Deserializer, len(b.deserializers))
	for tag, ds := range b.deserializers {
		des[tag] = slices.Clone(ds)
	}
	return &Topic{
		id:            b.id,
		service:       b.service,
		serializers:   reg,
		deserializers: des,
		handlers:      make(map[reflect.Type][]registeredHandler),
	}, nil
}

type registeredHandler struct {
	owner   any
	handler EventHandler
}

// Topic is a named pub/sub channel. It serializes outbound events, keeps
// the local handler registry and subscribes to the transport while at
// least one handler is registered.
//
// State: Created -> Active <-> Inactive -> Closed. Active is true exactly
// when the handler registry is non-empty; Closed is terminal.
type Topic struct {
	id            string
	service       *EventService
	serializers   *serializerRegistry
	deserializers map[string][]Deserializer // immutable after Build

	mu           sync.RWMutex
	handlers     map[reflect.Type][]registeredHandler
	handlerTypes []reflect.Type // keys of handlers, in first-registration order
	closed       bool

	// activationMu serializes activate/deactivate calls so concurrent
	// register/unregister never leave active out of step with the registry.
	activationMu sync.Mutex
	active       atomic.Bool
}

// ID returns the topic id.
func (t *Topic) ID() string { return t.id }

// IsActive reports whether the topic is subscribed to the transport.
func (t *Topic) IsActive() bool { return t.active.Load() }

// IsClosed reports whether Close has been called.
func (t *Topic) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// HandlerCount returns the number of registered handlers.
func (t *Topic) HandlerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, hs := range t.handlers {
		n += len(hs)
	}
	return n
}

// Register adds the handlers exposed by owner. owner is either an
// EventHandler or a value with On<Name>(event) methods. The first handler
// registered activates the topic.
func (t *Topic) Register(owner any) error {
	hs, err := discoverHandlers(owner)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("register on %s: %w", t.id, ErrTopicClosed)
	}
	for _, h := range hs {
		et := h.EventType()
		if _, ok := t.handlers[et]; !ok {
			t.handlerTypes = append(t.handlerTypes, et)
		}
		t.handlers[et] = append(t.handlers[et], registeredHandler{owner: owner, handler: h})
	}
	t.mu.Unlock()

	t.syncActivation()
	return nil
}

// Unregister removes every handler registered by owner. Removing the last
// handler deactivates the topic.
func (t *Topic) Unregister(owner any) error {
	if owner == nil || !reflect.TypeOf(owner).Comparable() {
		return fmt.Errorf("%w: handler owner must be a non-nil comparable value", ErrInvalidArgument)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("unregister on %s: %w", t.id, ErrTopicClosed)
	}
	for et, hs := range t.handlers {
		hs = slices.DeleteFunc(hs, func(r registeredHandler) bool {
			return r.owner == owner
		})
		if len(hs) == 0 {
			delete(t.handlers, et)
			t.handlerTypes = slices.DeleteFunc(t.handlerTypes, func(x reflect.Type) bool {
				return x == et
			})
		} else {
			t.handlers[et] = hs
		}
	}
	t.mu.Unlock()

	t.syncActivation()
	return nil
}

// syncActivation brings active in line with the handler registry.
func (t *Topic) syncActivation() {
	t.activationMu.Lock()
	defer t.activationMu.Unlock()

	t.mu.RLock()
	want := len(t.handlers) > 0 && !t.closed
	t.mu.RUnlock()

	if want && t.active.CompareAndSwap(false, true) {
		t.service.activateTopic(t)
	} else if !want && t.active.CompareAndSwap(true, false) {
		t.service.deactivateTopic(t)
	}
}

// SendEvent serializes event and queues it for asynchronous delivery.
// It returns once the event is queued; delivery failures are never
// reported here.
func (t *Topic) SendEvent(event any) error {
	if t.IsClosed() {
		return fmt.Errorf("send on %s: %w", t.id, ErrTopicClosed)
	}

	s, err := t.serializers.resolve(reflect.TypeOf(event))
	if err != nil {
		return fmt.Errorf("send on %s: %w", t.id, err)
	}
	payload, err := s.Serialize(event)
	if err != nil {
		return fmt.Errorf("send on %s: serialize %s: %w", t.id, s.TypeTag(), err)
	}

	env := NewEnvelope(t.service.NewEventID(), t.id, s.TypeTag(), payload)
	return t.service.queueEvent(t.id, env)
}

// dispatchEvent deserializes env with every deserializer registered for
// its type tag and hands each result to the handlers of its type and of
// the interface types it implements. Failures are logged per
// deserializer and per handler and never abort the remaining work.
func (t *Topic) dispatchEvent(env Envelope) {
	if t.IsClosed() {
		slog.Log(context.Background(), LevelTrace, "event dropped: topic closed",
			"topic", t.id, "eventID", env.ID)
		return
	}

	ds := t.deserializers[env.TypeTag]
	if len(ds) == 0 {
		t.service.metrics.EventsUndeliverable.Add(1)
		slog.Debug("event dropped: no deserializer",
			"topic", t.id, "eventID", env.ID, "typeTag", env.TypeTag)
		return
	}

	for _, d := range ds {
		obj, err := safeDeserialize(d, env.Payload)
		if err != nil {
			t.service.metrics.DeserializeFailures.Add(1)
			t.service.recordFailure("deserialize", env, fmt.Sprintf("%T", d), err)
			slog.Warn("event deserialize failed",
				"topic", t.id, "eventID", env.ID, "typeTag", env.TypeTag, "error", err)
			continue
		}
		if obj == nil {
			slog.Debug("event dropped: deserializer returned nil",
				"topic", t.id, "eventID", env.ID, "typeTag", env.TypeTag)
			continue
		}
		for _, h := range t.handlersFor(reflect.TypeOf(obj)) {
			t.invoke(h, obj, env)
		}
	}
}

// handlersFor snapshots the handlers for the concrete type vt and for each
// registered interface type vt implements.
func (t *Topic) handlersFor(vt reflect.Type) []EventHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []EventHandler
	for _, r := range t.handlers[vt] {
		out = append(out, r.handler)
	}
	for _, ht := range t.handlerTypes {
		if ht == vt || ht.Kind() != reflect.Interface || !vt.Implements(ht) {
			continue
		}
		for _, r := range t.handlers[ht] {
			out = append(out, r.handler)
		}
	}
	return out
}

func (t *Topic) invoke(h EventHandler, obj any, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			t.service.metrics.HandlerFailures.Add(1)
			t.service.recordFailure("handler", env, handlerName(h), err)
			slog.Error("event handler panicked",
				"topic", t.id, "eventID", env.ID, "handler", handlerName(h), "panic", r)
		}
	}()
	if err := h.HandleEvent(obj); err != nil {
		t.service.metrics.HandlerFailures.Add(1)
		t.service.recordFailure("handler", env, handlerName(h), err)
		slog.Error("event handler failed",
			"topic", t.id, "eventID", env.ID, "handler", handlerName(h), "error", err)
		return
	}
	t.service.metrics.EventsDelivered.Add(1)
}

func safeDeserialize(d Deserializer, payload []byte) (obj any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deserializer panic: %v", r)
		}
	}()
	return d.Deserialize(payload)
}

// Close marks the topic closed, unsubscribes it if active and clears the
// handler registry. A closed topic cannot be reused.
func (t *Topic) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.activationMu.Lock()
	if t.active.CompareAndSwap(true, false) {
		t.service.deactivateTopic(t)
	}
	t.activationMu.Unlock()

	t.mu.Lock()
	clear(t.handlers)
	t.handlerTypes = nil
	t.mu.Unlock()
}

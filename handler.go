package eventmesh

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// EventHandler handles events of a single logical type.
type EventHandler interface {
	// EventType is the type whose events (and events of types that
	// implement it, when it is an interface) are delivered to HandleEvent.
	EventType() reflect.Type
	HandleEvent(event any) error
}

type typedHandler[T any] struct {
	fn func(T) error
}

// HandlerFor wraps fn as an EventHandler for events of type T.
func HandlerFor[T any](fn func(T) error) EventHandler {
	return &typedHandler[T]{fn: fn}
}

func (h *typedHandler[T]) EventType() reflect.Type { return reflect.TypeFor[T]() }

func (h *typedHandler[T]) HandleEvent(event any) error {
	v, ok := event.(T)
	if !ok {
		return fmt.Errorf("handler for %s: unexpected event type %T", TypeTagOf(h.EventType()), event)
	}
	return h.fn(v)
}

var errorType = reflect.TypeFor[error]()

// methodSpec describes one discovered On<Name>(event) method.
type methodSpec struct {
	index        int
	name         string
	eventType    reflect.Type
	returnsError bool
}

// methodSpecCache holds the scan result per concrete owner type:
// []methodSpec or error.
var methodSpecCache sync.Map // map[reflect.Type]any

// scanHandlerMethods finds exported methods named On<Upper>... that take
// exactly one parameter and return nothing or an error. Any other On*
// shape is rejected as ambiguous. Results are cached per type.
func scanHandlerMethods(t reflect.Type) ([]methodSpec, error) {
	if v, ok := methodSpecCache.Load(t); ok {
		switch r := v.(type) {
		case error:
			return nil, r
		case []methodSpec:
			return r, nil
		}
	}

	specs, err := buildMethodSpecs(t)
	if err != nil {
		methodSpecCache.LoadOrStore(t, err)
		return nil, err
	}
	actual, _ := methodSpecCache.LoadOrStore(t, specs)
	if cached, ok := actual.([]methodSpec); ok {
		return cached, nil
	}
	return specs, nil
}

func buildMethodSpecs(t reflect.Type) ([]methodSpec, error) {
	var specs []methodSpec
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !isHandlerMethodName(m.Name) {
			continue
		}
		mt := m.Type // In(0) is the receiver
		if mt.IsVariadic() || mt.NumIn() != 2 {
			return nil, fmt.Errorf("%w: %s.%s must take exactly one event parameter",
				ErrHandlerSignature, t, m.Name)
		}
		spec := methodSpec{index: i, name: m.Name, eventType: mt.In(1)}
		switch mt.NumOut() {
		case 0:
		case 1:
			if mt.Out(0) != errorType {
				return nil, fmt.Errorf("%w: %s.%s may only return error",
					ErrHandlerSignature, t, m.Name)
			}
			spec.returnsError = true
		default:
			return nil, fmt.Errorf("%w: %s.%s may only return error",
				ErrHandlerSignature, t, m.Name)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func isHandlerMethodName(name string) bool {
	rest, ok := strings.CutPrefix(name, "On")
	if !ok || rest == "" {
		return false
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsUpper(r)
}

// methodHandler adapts one discovered method on an owner value.
type methodHandler struct {
	owner reflect.Value
	spec  methodSpec
}

func (h *methodHandler) EventType() reflect.Type { return h.spec.eventType }

func (h *methodHandler) HandleEvent(event any) error {
	arg := reflect.ValueOf(event)
	if !arg.IsValid() || !arg.Type().AssignableTo(h.spec.eventType) {
		return fmt.Errorf("handler %s: unexpected event type %T", h.spec.name, event)
	}
	out := h.owner.Method(h.spec.index).Call([]reflect.Value{arg})
	if h.spec.returnsError && !out[0].IsNil() {
		return out[0].Interface().(error)
	}
	return nil
}

func (h *methodHandler) String() string {
	return h.owner.Type().String() + "." + h.spec.name
}

// discoverHandlers returns the handlers exposed by owner: owner itself when
// it is an EventHandler, otherwise its On* methods.
func discoverHandlers(owner any) ([]EventHandler, error) {
	if owner == nil {
		return nil, fmt.Errorf("%w: nil handler owner", ErrInvalidArgument)
	}
	t := reflect.TypeOf(owner)
	if !t.Comparable() {
		return nil, fmt.Errorf("%w: handler owner %s is not comparable", ErrInvalidArgument, t)
	}
	if h, ok := owner.(EventHandler); ok {
		if h.EventType() == nil {
			return nil, fmt.Errorf("%w: %s has no event type", ErrHandlerSignature, t)
		}
		return []EventHandler{h}, nil
	}

	specs, err := scanHandlerMethods(t)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w on %s", ErrNoHandlers, t)
	}
	v := reflect.ValueOf(owner)
	handlers := make([]EventHandler, len(specs))
	for i, spec := range specs {
		handlers[i] = &methodHandler{owner: v, spec: spec}
	}
	return handlers, nil
}

func handlerName(h EventHandler) string {
	if s, ok := h.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", h)
}

package eventmesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Serializer turns events of one logical type into payload bytes.
type Serializer interface {
	// TypeTag names the logical type written into the envelope; the
	// receiving side picks deserializers by this tag.
	TypeTag() string
	Serialize(event any) ([]byte, error)
}

// Deserializer turns payload bytes back into a typed event.
type Deserializer interface {
	TypeTag() string
	Deserialize(payload []byte) (any, error)
}

// TypeTagOf returns the fully qualified name used as the type tag for t.
func TypeTagOf(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	if t.Kind() == reflect.Pointer && t.Name() == "" {
		return "*" + TypeTagOf(t.Elem())
	}
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// Built-in type tags.
var (
	BytesTypeTag  = TypeTagOf(reflect.TypeFor[[]byte]())
	StringTypeTag = TypeTagOf(reflect.TypeFor[string]())
	BufferTypeTag = TypeTagOf(reflect.TypeFor[*bytes.Buffer]())
)

type funcSerializer[T any] struct {
	tag string
	fn  func(T) ([]byte, error)
}

// SerializerFunc adapts fn into a Serializer for events of type T, tagged
// with TypeTagOf(T).
func SerializerFunc[T any](fn func(T) ([]byte, error)) Serializer {
	return &funcSerializer[T]{tag: TypeTagOf(reflect.TypeFor[T]()), fn: fn}
}

func (s *funcSerializer[T]) TypeTag() string { return s.tag }

func (s *funcSerializer[T]) Serialize(event any) ([]byte, error) {
	v, ok := event.(T)
	if !ok {
		return nil, fmt.Errorf("serializer %s: unexpected event type %T", s.tag, event)
	}
	return s.fn(v)
}

type funcDeserializer[T any] struct {
	tag string
	fn  func([]byte) (T, error)
}

// DeserializerFunc adapts fn into a Deserializer for the tag
// TypeTagOf(T).
func DeserializerFunc[T any](fn func([]byte) (T, error)) Deserializer {
	return &funcDeserializer[T]{tag: TypeTagOf(reflect.TypeFor[T]()), fn: fn}
}

func (d *funcDeserializer[T]) TypeTag() string { return d.tag }

func (d *funcDeserializer[T]) Deserialize(payload []byte) (any, error) {
	return d.fn(payload)
}

// JSONSerializer encodes events of type T with encoding/json.
func JSONSerializer[T any]() Serializer {
	return SerializerFunc(func(v T) ([]byte, error) {
		return json.Marshal(v)
	})
}

// JSONDeserializer decodes payloads into a new T with encoding/json.
func JSONDeserializer[T any]() Deserializer {
	return DeserializerFunc(func(p []byte) (T, error) {
		var v T
		err := json.Unmarshal(p, &v)
		return v, err
	})
}

// builtinSerializers are registered on every topic builder so raw bytes,
// text and byte buffers work without configuration.
func builtinSerializers() map[reflect.Type]Serializer {
	return map[reflect.Type]Serializer{
		reflect.TypeFor[[]byte](): SerializerFunc(func(b []byte) ([]byte, error) {
			return b, nil
		}),
		reflect.TypeFor[string](): SerializerFunc(func(s string) ([]byte, error) {
			return []byte(s), nil
		}),
		reflect.TypeFor[*bytes.Buffer](): SerializerFunc(func(b *bytes.Buffer) ([]byte, error) {
			if b == nil {
				return nil, nil
			}
			return b.Bytes(), nil
		}),
	}
}

func builtinDeserializers() []Deserializer {
	return []Deserializer{
		DeserializerFunc(func(p []byte) ([]byte, error) {
			b := make([]byte, len(p))
			copy(b, p)
			return b, nil
		}),
		DeserializerFunc(func(p []byte) (string, error) {
			return string(p), nil
		}),
		DeserializerFunc(func(p []byte) (*bytes.Buffer, error) {
			b := make([]byte, len(p))
			copy(b, p)
			return bytes.NewBuffer(b), nil
		}),
	}
}

package eventmesh

import (
	"errors"
	"fmt"
)

// Argument errors are configuration or resolution mistakes reported
// synchronously to the caller.
var (
	ErrInvalidArgument     = errors.New("eventmesh: invalid argument")
	ErrInvalidTopicID      = fmt.Errorf("%w: invalid topic id", ErrInvalidArgument)
	ErrNoSerializer        = fmt.Errorf("%w: no serializer for type", ErrInvalidArgument)
	ErrDuplicateSerializer = fmt.Errorf("%w: duplicate serializer for type", ErrInvalidArgument)
	ErrHandlerSignature    = fmt.Errorf("%w: unusable handler signature", ErrInvalidArgument)
	ErrNoHandlers          = fmt.Errorf("%w: no event handlers found", ErrInvalidArgument)
)

// Illegal state errors indicate lifecycle bugs in the caller.
var (
	ErrIllegalState     = errors.New("eventmesh: illegal state")
	ErrTopicClosed      = fmt.Errorf("%w: topic is closed", ErrIllegalState)
	ErrNotSubscribed    = fmt.Errorf("%w: receiver not subscribed", ErrIllegalState)
	ErrServiceDisposed  = fmt.Errorf("%w: event service disposed", ErrIllegalState)
	ErrTransportStopped = fmt.Errorf("%w: transport stopped", ErrIllegalState)
)

// ErrCorruptFrame is returned by DecodeEvent when a frame's declared field
// lengths do not fit the bytes available.
var ErrCorruptFrame = errors.New("eventmesh: corrupt frame")

package eventmesh

import (
	"fmt"
	"regexp"
	"time"
)

// maxTopicIDLength bounds topic ids so they fit comfortably in log lines,
// metric labels and frame headers.
const maxTopicIDLength = 256

var topicIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:/-]+$`)

// ValidateTopicID reports whether id is usable as a topic id: non-empty,
// at most 256 bytes, restricted to letters, digits and "_.:/-".
func ValidateTopicID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopicID)
	}
	if len(id) > maxTopicIDLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidTopicID, len(id), maxTopicIDLength)
	}
	if !topicIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTopicID, id)
	}
	return nil
}

// Envelope is one event in transit: metadata plus the serialized payload.
// Envelopes are treated as immutable once constructed.
type Envelope struct {
	ID        string
	TopicID   string
	TypeTag   string
	CreatedAt time.Time
	Payload   []byte
}

// NewEnvelope builds an envelope stamped with the current time. The payload
// is copied, so the caller may reuse its slice after the call returns.
func NewEnvelope(id, topicID, typeTag string, payload []byte) Envelope {
	p := make([]byte, len(payload))
	copy(p, payload)
	return Envelope{
		ID:        id,
		TopicID:   topicID,
		TypeTag:   typeTag,
		CreatedAt: time.Now(),
		Payload:   p,
	}
}

// TransportableEvent is the mesh-level wrapper around an envelope.
// SourceNodeID is always the node that produced the event, never a relay.
type TransportableEvent struct {
	Envelope
	SourceNodeID string
}

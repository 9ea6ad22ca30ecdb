package eventmesh

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Frame layout (big-endian), one frame per transport message:
//
//	[int32 len][id]
//	[int32 len][topicID]
//	[int32 len][typeTag]
//	[int32 len][sourceNodeID]
//	[payload ... to end of message]
//
// The payload carries no length prefix. There is no checksum; the
// underlying transport is trusted for integrity.

// frameHeaderFields is the number of length-prefixed string fields.
const frameHeaderFields = 4

// EncodeEvent encodes ev as a single frame.
func EncodeEvent(ev TransportableEvent) []byte {
	n := 4*frameHeaderFields + len(ev.ID) + len(ev.TopicID) + len(ev.TypeTag) +
		len(ev.SourceNodeID) + len(ev.Payload)
	return AppendEvent(make([]byte, 0, n), ev)
}

// AppendEvent appends the encoded frame for ev to buf and returns the
// extended slice.
func AppendEvent(buf []byte, ev TransportableEvent) []byte {
	buf = appendField(buf, ev.ID)
	buf = appendField(buf, ev.TopicID)
	buf = appendField(buf, ev.TypeTag)
	buf = appendField(buf, ev.SourceNodeID)
	return append(buf, ev.Payload...)
}

func appendField(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(len(s))))
	return append(buf, s...)
}

// DecodeEvent decodes a frame produced by EncodeEvent. The returned
// payload is a copy; data may be reused by the caller. CreatedAt is set
// to the local receive time since the frame does not carry it.
func DecodeEvent(data []byte) (TransportableEvent, error) {
	var (
		ev  TransportableEvent
		off int
		err error
	)
	if ev.ID, off, err = readField(data, off, "id"); err != nil {
		return TransportableEvent{}, err
	}
	if ev.TopicID, off, err = readField(data, off, "topic id"); err != nil {
		return TransportableEvent{}, err
	}
	if ev.TypeTag, off, err = readField(data, off, "type tag"); err != nil {
		return TransportableEvent{}, err
	}
	if ev.SourceNodeID, off, err = readField(data, off, "source node id"); err != nil {
		return TransportableEvent{}, err
	}
	ev.Payload = make([]byte, len(data)-off)
	copy(ev.Payload, data[off:])
	ev.CreatedAt = time.Now()
	return ev, nil
}

func readField(data []byte, off int, name string) (string, int, error) {
	if off+4 > len(data) {
		return "", off, fmt.Errorf("%w: short data for %s length", ErrCorruptFrame, name)
	}
	n := int32(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if n < 0 {
		return "", off, fmt.Errorf("%w: negative %s length %d", ErrCorruptFrame, name, n)
	}
	if int64(n) > int64(len(data)-off) {
		return "", off, fmt.Errorf("%w: %s length %d exceeds remaining %d bytes",
			ErrCorruptFrame, name, n, len(data)-off)
	}
	end := off + int(n)
	return string(data[off:end]), end, nil
}

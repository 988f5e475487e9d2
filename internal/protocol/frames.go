package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUnknownFrameKind indicates a frame whose kind tag is not part of the protocol.
	ErrUnknownFrameKind = errors.New("protocol: unknown frame kind")
	// ErrMalformedFrame indicates a frame that cannot be decoded.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
)

// FrameKind tags the payload carried by a frame.
type FrameKind byte

const (
	// FrameSyncStep1 carries the sender's state vector and requests the diff. Non-mutating.
	FrameSyncStep1 FrameKind = 0
	// FrameSyncStep2 carries the delta answering a sync-step-1. Mutating.
	FrameSyncStep2 FrameKind = 1
	// FrameSyncUpdate carries an incremental delta. Mutating.
	FrameSyncUpdate FrameKind = 2
	// FramePresenceQuery requests the current presence map. Non-mutating.
	FramePresenceQuery FrameKind = 3
	// FramePresenceUpdate carries presence state. Permitted for read-only
	// sessions because it never touches persisted content.
	FramePresenceUpdate FrameKind = 4
	// FrameJoinAck acknowledges a successful attach; its single payload byte
	// reports whether the session is read-only.
	FrameJoinAck FrameKind = 5
)

// Frame is the tagged union exchanged over a sync connection. Payload bytes
// are opaque to the transport; they are interpreted by the document process.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// Mutating reports whether a frame of this kind may alter persisted document
// content. Presence updates mutate only ephemeral state and are not counted.
func (k FrameKind) Mutating() bool {
	return k == FrameSyncStep2 || k == FrameSyncUpdate
}

func (k FrameKind) String() string {
	switch k {
	case FrameSyncStep1:
		return "sync-step-1"
	case FrameSyncStep2:
		return "sync-step-2"
	case FrameSyncUpdate:
		return "sync-update"
	case FramePresenceQuery:
		return "presence-query"
	case FramePresenceUpdate:
		return "presence-update"
	case FrameJoinAck:
		return "join-ack"
	default:
		return fmt.Sprintf("frame-kind-%d", byte(k))
	}
}

// Encode serializes the frame as kind byte, uvarint payload length, payload.
func (f Frame) Encode() []byte {
	buf := make([]byte, 0, len(f.Payload)+binary.MaxVarintLen64+1)
	buf = append(buf, byte(f.Kind))
	buf = binary.AppendUvarint(buf, uint64(len(f.Payload)))
	return append(buf, f.Payload...)
}

// Decode parses a single frame and rejects unknown kinds and short payloads.
func Decode(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}
	kind := FrameKind(raw[0])
	if kind > FrameJoinAck {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownFrameKind, raw[0])
	}
	length, read := binary.Uvarint(raw[1:])
	if read <= 0 {
		return Frame{}, fmt.Errorf("%w: truncated length", ErrMalformedFrame)
	}
	body := raw[1+read:]
	if uint64(len(body)) != length {
		return Frame{}, fmt.Errorf("%w: payload length mismatch", ErrMalformedFrame)
	}
	frame := Frame{Kind: kind}
	if len(body) > 0 {
		frame.Payload = append([]byte(nil), body...)
	}
	return frame, nil
}

// JoinAck builds the acknowledgment frame reporting the session's effective mode.
func JoinAck(readOnly bool) Frame {
	payload := []byte{0}
	if readOnly {
		payload[0] = 1
	}
	return Frame{Kind: FrameJoinAck, Payload: payload}
}

// ReadOnly extracts the read-only flag from a join-ack frame.
func (f Frame) ReadOnly() (bool, error) {
	if f.Kind != FrameJoinAck || len(f.Payload) != 1 {
		return false, fmt.Errorf("%w: not a join ack", ErrMalformedFrame)
	}
	return f.Payload[0] == 1, nil
}

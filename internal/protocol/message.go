package protocol

import (
	"errors"
	"fmt"
)

type MessageType uint64

const (
	MessageSync     MessageType = 0
	MessagePresence MessageType = 1
	MessageAuth     MessageType = 2 // reserved
	MessagePing     MessageType = 3
	MessagePong     MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "SYNC"
	case MessagePresence:
		return "PRESENCE"
	case MessageAuth:
		return "AUTH"
	case MessagePing:
		return "PING"
	case MessagePong:
		return "PONG"
	default:
		return fmt.Sprintf("MessageType(%d)", uint64(t))
	}
}

type SyncStep uint64

const (
	SyncStep1  SyncStep = 0 // payload is a state vector
	SyncStep2  SyncStep = 1 // payload is an update
	SyncUpdate SyncStep = 2 // payload is an update
)

func (s SyncStep) String() string {
	switch s {
	case SyncStep1:
		return "STEP1"
	case SyncStep2:
		return "STEP2"
	case SyncUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("SyncStep(%d)", uint64(s))
	}
}

// Decode errors. All of them are protocol errors: the frame is dropped and
// the connection stays open.
var (
	ErrEmptyFrame  = errors.New("protocol: empty frame")
	ErrTruncated   = errors.New("protocol: truncated frame")
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrUnknownStep = errors.New("protocol: unknown sync step")
	ErrReserved    = errors.New("protocol: reserved message type")
	ErrNotBinary   = errors.New("protocol: non-binary message")
	ErrBadPresence = errors.New("protocol: malformed presence payload")
)

// Message is a decoded frame. Step and Payload are set for SYNC frames,
// Presence for PRESENCE frames.
type Message struct {
	Type     MessageType
	Step     SyncStep
	Payload  []byte
	Presence []PresenceEntry
}

// Decode parses a single frame.
func Decode(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	d := NewDecoder(frame)
	t, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: message type: %v", ErrTruncated, err)
	}

	msg := &Message{Type: MessageType(t)}
	switch msg.Type {
	case MessageSync:
		if d.Remaining() == 0 {
			return nil, fmt.Errorf("%w: missing sync step", ErrTruncated)
		}
		step, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: sync step: %v", ErrTruncated, err)
		}
		msg.Step = SyncStep(step)
		if msg.Step > SyncUpdate {
			return nil, fmt.Errorf("%w: %d", ErrUnknownStep, step)
		}
		if d.Remaining() == 0 {
			return nil, fmt.Errorf("%w: missing sync payload", ErrTruncated)
		}
		payload, err := d.ReadLenBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: sync payload: %v", ErrTruncated, err)
		}
		msg.Payload = payload
	case MessagePresence:
		entries, err := decodePresence(d)
		if err != nil {
			return nil, err
		}
		msg.Presence = entries
	case MessageAuth:
		return nil, ErrReserved
	case MessagePing, MessagePong:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	return msg, nil
}

// IsProtocolError reports whether err came out of Decode.
func IsProtocolError(err error) bool {
	for _, target := range []error{ErrEmptyFrame, ErrTruncated, ErrUnknownType, ErrUnknownStep, ErrReserved, ErrNotBinary, ErrBadPresence} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func EncodeSync(step SyncStep, payload []byte) []byte {
	e := NewEncoder()
	e.WriteUvarint(uint64(MessageSync))
	e.WriteUvarint(uint64(step))
	e.WriteLenBytes(payload)
	return e.Bytes()
}

func EncodePresence(entries []PresenceEntry) []byte {
	e := NewEncoder()
	e.WriteUvarint(uint64(MessagePresence))
	encodePresence(e, entries)
	return e.Bytes()
}

func EncodePing() []byte { return []byte{byte(MessagePing)} }

func EncodePong() []byte { return []byte{byte(MessagePong)} }

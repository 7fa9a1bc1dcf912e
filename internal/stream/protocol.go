// Package stream carries pipeline output to a host over a serial link. Two
// wire formats are supported: the compact "robust" framing and the
// "enhanced" framing with JSON metadata, CRC and optional compression.
package stream

import (
	"errors"
	"fmt"
)

// Kind is the type of a stream message, independent of its wire encoding.
type Kind uint8

const (
	KindFrame Kind = iota + 1
	KindDetections
	KindEmbedding
	KindMetrics
	KindHeartbeat
	KindError
	KindCommandRequest
	KindCommandResponse
	KindDebug
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindDetections:
		return "detections"
	case KindEmbedding:
		return "embedding"
	case KindMetrics:
		return "metrics"
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		return "error"
	case KindCommandRequest:
		return "command_request"
	case KindCommandResponse:
		return "command_response"
	case KindDebug:
		return "debug"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Flags are the enhanced header flag bits. The robust format has no flags.
type Flags uint8

const (
	FlagCompressed Flags = 0x01
	FlagEncrypted  Flags = 0x02
	FlagAck        Flags = 0x04
)

// Message is one decoded stream message. Metadata is only carried by the
// enhanced format.
type Message struct {
	Kind     Kind
	Seq      uint16
	Flags    Flags
	Metadata map[string]any
	Payload  []byte
}

var (
	// ErrIncomplete means the buffer holds the start of a message but not
	// all of it yet.
	ErrIncomplete  = errors.New("stream: incomplete message")
	ErrSync        = errors.New("stream: lost sync")
	ErrChecksum    = errors.New("stream: checksum mismatch")
	ErrTooLarge    = errors.New("stream: payload too large")
	ErrUnknownKind = errors.New("stream: unknown message type")
	ErrEncrypted   = errors.New("stream: encrypted payloads are not supported")
	ErrMalformed   = errors.New("stream: malformed payload")
)

// Codec converts messages to and from one wire format.
type Codec interface {
	Name() string

	// Encode returns the wire bytes of m.
	Encode(m Message) ([]byte, error)

	// Decode parses the message at the front of buf and returns the number
	// of bytes it consumed. On ErrIncomplete nothing is consumed. On any
	// other error the consumed count skips past the bad data so the caller
	// can resynchronize.
	Decode(buf []byte) (Message, int, error)
}

// NewCodec returns the codec named by the stream_protocol setting.
func NewCodec(name string, compress bool) (Codec, error) {
	switch name {
	case "", RobustName:
		return RobustCodec{}, nil
	case EnhancedName:
		return EnhancedCodec{Compress: compress}, nil
	default:
		return nil, fmt.Errorf("stream: unknown protocol %q", name)
	}
}

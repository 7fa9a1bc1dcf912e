package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Robust framing:
//
//	0xAA | size u16 | xor | type u8 | seq u16 | payload
//
// size counts the message header and the payload. xor is the XOR of the
// first three bytes. All integers are little endian.
const (
	RobustName = "robust"

	robustSOF        = 0xAA
	robustFrameLen   = 4
	robustHeaderLen  = 3
	MaxRobustPayload = 0xFFFF - robustHeaderLen
)

// RobustCodec implements the robust framing. Its wire type numbers equal
// the Kind values.
type RobustCodec struct{}

func (RobustCodec) Name() string { return RobustName }

func robustChecksum(sof, lo, hi byte) byte { return sof ^ lo ^ hi }

// Encode implements Codec. Flags and Metadata are not representable and
// are dropped.
func (RobustCodec) Encode(m Message) ([]byte, error) {
	if m.Kind < KindFrame || m.Kind > KindDebug {
		return nil, fmt.Errorf("%w: %v", ErrUnknownKind, m.Kind)
	}
	if len(m.Payload) > MaxRobustPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(m.Payload))
	}
	size := uint16(robustHeaderLen + len(m.Payload))

	out := make([]byte, robustFrameLen+robustHeaderLen, robustFrameLen+int(size))
	out[0] = robustSOF
	binary.LittleEndian.PutUint16(out[1:3], size)
	out[3] = robustChecksum(out[0], out[1], out[2])
	out[4] = byte(m.Kind)
	binary.LittleEndian.PutUint16(out[5:7], m.Seq)
	return append(out, m.Payload...), nil
}

// Decode implements Codec.
func (RobustCodec) Decode(buf []byte) (Message, int, error) {
	if len(buf) == 0 {
		return Message{}, 0, ErrIncomplete
	}
	if buf[0] != robustSOF {
		skip := bytes.IndexByte(buf, robustSOF)
		if skip < 0 {
			skip = len(buf)
		}
		return Message{}, skip, ErrSync
	}
	if len(buf) < robustFrameLen {
		return Message{}, 0, ErrIncomplete
	}
	if robustChecksum(buf[0], buf[1], buf[2]) != buf[3] {
		return Message{}, 1, ErrChecksum
	}
	size := int(binary.LittleEndian.Uint16(buf[1:3]))
	if size < robustHeaderLen {
		return Message{}, 1, fmt.Errorf("%w: size %d", ErrMalformed, size)
	}
	total := robustFrameLen + size
	if len(buf) < total {
		return Message{}, 0, ErrIncomplete
	}

	kind := Kind(buf[4])
	if kind < KindFrame || kind > KindDebug {
		return Message{}, total, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, buf[4])
	}
	payload := make([]byte, size-robustHeaderLen)
	copy(payload, buf[robustFrameLen+robustHeaderLen:total])
	return Message{
		Kind:    kind,
		Seq:     binary.LittleEndian.Uint16(buf[5:7]),
		Payload: payload,
	}, total, nil
}

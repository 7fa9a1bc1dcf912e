package stream

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Enhanced framing, little endian:
//
//	sync u32 | type u8 | flags u8 | seq u16 | payload_len u32 |
//	metadata_len u16 | reserved u16 | crc32 u32 | metadata | payload
//
// The CRC covers the payload as sent followed by the metadata.
const (
	EnhancedName = "enhanced"

	enhancedSync      = 0x12345678
	enhancedHeaderLen = 20

	// MaxEnhancedPayload bounds the payload length a decoder accepts, so a
	// corrupt header cannot stall the stream waiting for gigabytes.
	MaxEnhancedPayload = 1 << 20

	// compressMin is the smallest payload worth compressing.
	compressMin = 100
)

var enhancedWireType = map[Kind]byte{
	KindFrame:           0x01,
	KindDetections:      0x02,
	KindEmbedding:       0x03,
	KindMetrics:         0x04,
	KindCommandRequest:  0x05,
	KindCommandResponse: 0x06,
	KindHeartbeat:       0x07,
	KindError:           0x08,
}

var enhancedKind = func() map[byte]Kind {
	m := make(map[byte]Kind, len(enhancedWireType))
	for k, b := range enhancedWireType {
		m[b] = k
	}
	return m
}()

var enhancedSyncBytes = binary.LittleEndian.AppendUint32(nil, enhancedSync)

// EnhancedCodec implements the enhanced framing. When Compress is set,
// payloads over 100 bytes are zlib compressed.
type EnhancedCodec struct {
	Compress bool
}

func (EnhancedCodec) Name() string { return EnhancedName }

// Encode implements Codec.
func (c EnhancedCodec) Encode(m Message) ([]byte, error) {
	wt, ok := enhancedWireType[m.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %v has no enhanced encoding", ErrUnknownKind, m.Kind)
	}
	if m.Flags&FlagEncrypted != 0 {
		return nil, ErrEncrypted
	}

	var meta []byte
	if len(m.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(m.Metadata); err != nil {
			return nil, fmt.Errorf("stream: encode metadata: %w", err)
		}
		if len(meta) > 0xFFFF {
			return nil, fmt.Errorf("%w: metadata is %d bytes", ErrTooLarge, len(meta))
		}
	}

	payload := m.Payload
	flags := m.Flags &^ FlagCompressed
	if c.Compress && len(payload) > compressMin {
		z, err := deflate(payload)
		if err != nil {
			return nil, err
		}
		payload = z
		flags |= FlagCompressed
	}
	if len(payload) > MaxEnhancedPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}

	crc := crc32.NewIEEE()
	crc.Write(payload)
	crc.Write(meta)

	out := make([]byte, enhancedHeaderLen, enhancedHeaderLen+len(meta)+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], enhancedSync)
	out[4] = wt
	out[5] = byte(flags)
	binary.LittleEndian.PutUint16(out[6:8], m.Seq)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint16(out[12:14], uint16(len(meta)))
	binary.LittleEndian.PutUint32(out[16:20], crc.Sum32())
	out = append(out, meta...)
	return append(out, payload...), nil
}

// Decode implements Codec. A compressed payload is returned inflated, with
// FlagCompressed still set in Flags.
func (EnhancedCodec) Decode(buf []byte) (Message, int, error) {
	if i := bytes.Index(buf, enhancedSyncBytes); i != 0 {
		if i > 0 {
			return Message{}, i, ErrSync
		}
		// Keep a tail that may be the start of a sync word.
		skip := len(buf) - (len(enhancedSyncBytes) - 1)
		if skip <= 0 {
			return Message{}, 0, ErrIncomplete
		}
		return Message{}, skip, ErrSync
	}
	if len(buf) < enhancedHeaderLen {
		return Message{}, 0, ErrIncomplete
	}

	payloadLen := int(binary.LittleEndian.Uint32(buf[8:12]))
	metaLen := int(binary.LittleEndian.Uint16(buf[12:14]))
	if payloadLen > MaxEnhancedPayload {
		return Message{}, 1, fmt.Errorf("%w: %d bytes", ErrTooLarge, payloadLen)
	}
	total := enhancedHeaderLen + metaLen + payloadLen
	if len(buf) < total {
		return Message{}, 0, ErrIncomplete
	}

	meta := buf[enhancedHeaderLen : enhancedHeaderLen+metaLen]
	payload := buf[enhancedHeaderLen+metaLen : total]
	crc := crc32.NewIEEE()
	crc.Write(payload)
	crc.Write(meta)
	if crc.Sum32() != binary.LittleEndian.Uint32(buf[16:20]) {
		return Message{}, 1, ErrChecksum
	}

	kind, ok := enhancedKind[buf[4]]
	if !ok {
		return Message{}, total, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, buf[4])
	}
	m := Message{
		Kind:  kind,
		Seq:   binary.LittleEndian.Uint16(buf[6:8]),
		Flags: Flags(buf[5]),
	}
	if m.Flags&FlagEncrypted != 0 {
		return Message{}, total, ErrEncrypted
	}
	if metaLen > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return Message{}, total, fmt.Errorf("%w: metadata: %v", ErrMalformed, err)
		}
	}
	if m.Flags&FlagCompressed != 0 {
		p, err := inflate(payload)
		if err != nil {
			return Message{}, total, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		m.Payload = p
	} else {
		m.Payload = append([]byte(nil), payload...)
	}
	return m, total, nil
}

func deflate(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, fmt.Errorf("stream: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("stream: compress: %w", err)
	}
	return buf.Bytes(), nil
}

func inflate(p []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, MaxEnhancedPayload+1))
}

package stream

import (
	"encoding"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Stats counts stream traffic.
type Stats struct {
	Messages  uint64            `json:"messages"`
	Bytes     uint64            `json:"bytes"`
	Errors    uint64            `json:"errors"`
	Resyncs   uint64            `json:"resyncs,omitempty"`
	Checksums uint64            `json:"checksum_errors,omitempty"`
	PerKind   map[string]uint64 `json:"per_kind"`
}

func (s *Stats) count(k Kind, n int) {
	if s.PerKind == nil {
		s.PerKind = make(map[string]uint64)
	}
	s.Messages++
	s.Bytes += uint64(n)
	s.PerKind[k.String()]++
}

func (s Stats) clone() Stats {
	out := s
	out.PerKind = make(map[string]uint64, len(s.PerKind))
	for k, v := range s.PerKind {
		out.PerKind[k] = v
	}
	return out
}

// Encoder writes messages to w. Each kind has its own sequence counter.
// It is safe for concurrent use.
type Encoder struct {
	codec Codec

	mu    sync.Mutex
	w     io.Writer
	seq   map[Kind]uint16
	stats Stats
}

// NewEncoder returns an encoder writing codec frames to w.
func NewEncoder(w io.Writer, codec Codec) *Encoder {
	return &Encoder{codec: codec, w: w, seq: make(map[Kind]uint16)}
}

// Send encodes payload as a message of kind k and writes it.
func (e *Encoder) Send(k Kind, payload encoding.BinaryMarshaler, meta map[string]any) error {
	p, err := payload.MarshalBinary()
	if err != nil {
		e.fail()
		return fmt.Errorf("stream: marshal %v: %w", k, err)
	}
	return e.SendRaw(k, p, meta)
}

// SendRaw writes an already encoded payload.
func (e *Encoder) SendRaw(k Kind, payload []byte, meta map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Message{Kind: k, Seq: e.seq[k], Metadata: meta, Payload: payload}
	b, err := e.codec.Encode(m)
	if err != nil {
		e.stats.Errors++
		return err
	}
	if _, err := e.w.Write(b); err != nil {
		e.stats.Errors++
		return fmt.Errorf("stream: write %v: %w", k, err)
	}
	e.seq[k]++
	e.stats.count(k, len(b))
	return nil
}

func (e *Encoder) fail() {
	e.mu.Lock()
	e.stats.Errors++
	e.mu.Unlock()
}

// Stats returns a copy of the send counters.
func (e *Encoder) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.clone()
}

// Decoder reads messages from a byte stream, skipping corrupt data.
type Decoder struct {
	r     io.Reader
	codec Codec
	buf   []byte
	chunk []byte
	stats Stats
}

// NewDecoder returns a decoder reading codec frames from r.
func NewDecoder(r io.Reader, codec Codec) *Decoder {
	return &Decoder{r: r, codec: codec, chunk: make([]byte, 4096)}
}

// Next returns the next well-formed message. Corrupt or unknown messages
// are counted and skipped. It returns the reader's error once the buffered
// data holds no complete message; io.EOF at a message boundary is returned
// as is.
func (d *Decoder) Next() (Message, error) {
	for {
		for len(d.buf) > 0 {
			m, n, err := d.codec.Decode(d.buf)
			d.buf = d.buf[n:]
			switch {
			case err == nil:
				d.stats.count(m.Kind, n)
				return m, nil
			case errors.Is(err, ErrIncomplete):
			case errors.Is(err, ErrSync):
				d.stats.Resyncs++
				continue
			case errors.Is(err, ErrChecksum):
				d.stats.Checksums++
				continue
			default:
				d.stats.Errors++
				continue
			}
			break
		}

		n, err := d.r.Read(d.chunk)
		d.buf = append(d.buf, d.chunk[:n]...)
		if err != nil && n == 0 {
			if err == io.EOF && len(d.buf) > 0 {
				return Message{}, io.ErrUnexpectedEOF
			}
			return Message{}, err
		}
	}
}

// Stats returns the receive counters.
func (d *Decoder) Stats() Stats {
	return d.stats.clone()
}

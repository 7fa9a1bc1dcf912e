package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/faceverify/internal/monitoring"
	"github.com/banshee-data/faceverify/internal/timeutil"
)

// Frames travel over UDP split into chunks, each prefixed with a
// ChunkHeaderSize-byte little-endian header:
//
//	magic u32 | frame id u32 | chunk index u16 | chunk count u16 |
//	width u16 | height u16 | format u8 | reserved [3]u8
const (
	ChunkMagic      uint32 = 0x314D5246 // "FRM1"
	ChunkHeaderSize        = 20
	// DefaultChunkPayload keeps each datagram under a typical 1500-byte MTU.
	DefaultChunkPayload = 1400
)

// ChunkHeader describes one UDP frame chunk.
type ChunkHeader struct {
	FrameID uint32
	Index   uint16
	Count   uint16
	Width   uint16
	Height  uint16
	Format  PixelFormat
}

var errNotChunk = errors.New("capture: not a frame chunk")

// ParseChunk splits a datagram into header and payload.
func ParseChunk(b []byte) (ChunkHeader, []byte, error) {
	if len(b) < ChunkHeaderSize || binary.LittleEndian.Uint32(b[0:4]) != ChunkMagic {
		return ChunkHeader{}, nil, errNotChunk
	}
	h := ChunkHeader{
		FrameID: binary.LittleEndian.Uint32(b[4:8]),
		Index:   binary.LittleEndian.Uint16(b[8:10]),
		Count:   binary.LittleEndian.Uint16(b[10:12]),
		Width:   binary.LittleEndian.Uint16(b[12:14]),
		Height:  binary.LittleEndian.Uint16(b[14:16]),
		Format:  PixelFormat(b[16]),
	}
	if h.Count == 0 || h.Index >= h.Count {
		return ChunkHeader{}, nil, fmt.Errorf("capture: chunk %d of %d", h.Index, h.Count)
	}
	return h, b[ChunkHeaderSize:], nil
}

// SplitFrame encodes f as a sequence of chunk datagrams carrying at most
// maxPayload data bytes each.
func SplitFrame(f *Frame, frameID uint32, maxPayload int) [][]byte {
	if maxPayload <= 0 {
		maxPayload = DefaultChunkPayload
	}
	count := (len(f.Data) + maxPayload - 1) / maxPayload
	if count == 0 {
		count = 1
	}
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(f.Data) {
			end = len(f.Data)
		}
		b := make([]byte, ChunkHeaderSize+end-start)
		binary.LittleEndian.PutUint32(b[0:4], ChunkMagic)
		binary.LittleEndian.PutUint32(b[4:8], frameID)
		binary.LittleEndian.PutUint16(b[8:10], uint16(i))
		binary.LittleEndian.PutUint16(b[10:12], uint16(count))
		binary.LittleEndian.PutUint16(b[12:14], uint16(f.Width))
		binary.LittleEndian.PutUint16(b[14:16], uint16(f.Height))
		b[16] = byte(f.Format)
		copy(b[ChunkHeaderSize:], f.Data[start:end])
		out = append(out, b)
	}
	return out
}

// Reassembler rebuilds frames from chunks. Chunks of a newer frame discard
// an incomplete older one.
type Reassembler struct {
	cur      ChunkHeader
	parts    [][]byte
	received int
	active   bool

	Incomplete int // frames abandoned before all chunks arrived
}

// Add consumes one datagram and returns a frame when it completes one.
func (r *Reassembler) Add(datagram []byte) (*Frame, error) {
	h, payload, err := ParseChunk(datagram)
	if err != nil {
		return nil, err
	}
	if !r.active || h.FrameID != r.cur.FrameID {
		if r.active && r.received < len(r.parts) {
			r.Incomplete++
		}
		r.cur = h
		r.parts = make([][]byte, h.Count)
		r.received = 0
		r.active = true
	}
	if int(h.Index) >= len(r.parts) || r.parts[h.Index] != nil {
		return nil, nil
	}
	r.parts[h.Index] = append([]byte(nil), payload...)
	r.received++
	if r.received < len(r.parts) {
		return nil, nil
	}

	var size int
	for _, p := range r.parts {
		size += len(p)
	}
	data := make([]byte, 0, size)
	for _, p := range r.parts {
		data = append(data, p...)
	}
	r.active = false
	f := &Frame{
		Width:  int(r.cur.Width),
		Height: int(r.cur.Height),
		Format: r.cur.Format,
		Data:   data,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// PcapReplay is a Source replaying UDP frame chunks recorded in a pcap file.
type PcapReplay struct {
	// Port filters datagrams by UDP destination port; 0 accepts any.
	Port uint16
	// Realtime paces frames by their capture timestamps.
	Realtime bool
	Clock    timeutil.Clock

	file    *os.File
	packets chan gopacket.Packet
	asm     Reassembler
	seq     uint64
	lastTS  time.Time
}

// OpenPcap opens a pcap file for replay.
func OpenPcap(path string, port uint16) (*PcapReplay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", path, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header of %s: %w", path, err)
	}
	src := gopacket.NewPacketSource(r, r.LinkType())
	return &PcapReplay{
		Port:    port,
		Clock:   timeutil.RealClock{},
		file:    f,
		packets: src.Packets(),
	}, nil
}

// Close releases the pcap file.
func (p *PcapReplay) Close() error {
	if p.file == nil {
		return nil
	}
	return p.file.Close()
}

// NextFrame implements Source.
func (p *PcapReplay) NextFrame(ctx context.Context) (*Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case pkt, ok := <-p.packets:
			if !ok || pkt == nil {
				if p.asm.Incomplete > 0 {
					monitoring.Diagf("pcap replay finished with %d incomplete frames", p.asm.Incomplete)
				}
				return nil, ErrSourceClosed
			}
			if el := pkt.ErrorLayer(); el != nil {
				monitoring.Tracef("pcap replay: skipping malformed packet: %v", el.Error())
				continue
			}
			udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}
			if p.Port != 0 && uint16(udp.DstPort) != p.Port {
				continue
			}
			f, err := p.asm.Add(udp.Payload)
			if err != nil {
				if !errors.Is(err, errNotChunk) {
					monitoring.Diagf("pcap replay: %v", err)
				}
				continue
			}
			if f == nil {
				continue
			}
			ts := pkt.Metadata().Timestamp
			if p.Realtime && !p.lastTS.IsZero() && ts.After(p.lastTS) {
				p.Clock.Sleep(ts.Sub(p.lastTS))
			}
			p.lastTS = ts
			p.seq++
			f.Seq = p.seq
			f.Timestamp = ts
			return f, nil
		}
	}
}

package stream

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"runtime"
	"time"

	"github.com/banshee-data/faceverify/internal/imgproc"
	"github.com/banshee-data/faceverify/internal/monitoring"
	"github.com/banshee-data/faceverify/internal/pipeline"
)

// DefaultJPEGQuality is the frame compression quality.
const DefaultJPEGQuality = 80

// SinkConfig configures a Sink.
type SinkConfig struct {
	// JPEGQuality defaults to DefaultJPEGQuality.
	JPEGQuality int

	// SkipFrames stops the JPEG frame from being sent, for links too slow
	// to carry images.
	SkipFrames bool

	// HeartbeatInterval is the minimum spacing of heartbeats. Zero sends
	// one with every frame.
	HeartbeatInterval time.Duration
}

// Sink streams pipeline output to the host: the frame as JPEG, the
// detections, the embedding and aligned face when recognition ran, the
// performance metrics and a periodic heartbeat.
type Sink struct {
	enc *Encoder
	cfg SinkConfig

	lastHeartbeat time.Time
}

// NewSink returns a sink writing through enc.
func NewSink(enc *Encoder, cfg SinkConfig) *Sink {
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	return &Sink{enc: enc, cfg: cfg}
}

// Encoder returns the sink's encoder.
func (s *Sink) Encoder() *Encoder { return s.enc }

// Display implements pipeline.Sink. It stops at the first failed write.
func (s *Sink) Display(ctx context.Context, out *pipeline.Output) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seq := out.Status.FrameSeq
	meta := map[string]any{"frame_seq": seq}

	if !s.cfg.SkipFrames && out.Frame != nil {
		img, err := imgproc.ToRGBA(out.Frame)
		if err != nil {
			return fmt.Errorf("stream: frame %d: %w", seq, err)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.cfg.JPEGQuality}); err != nil {
			return fmt.Errorf("stream: jpeg frame %d: %w", seq, err)
		}
		p := FramePayload{Type: FrameJPEG, Width: out.Frame.Width, Height: out.Frame.Height, Data: buf.Bytes()}
		if err := s.enc.Send(KindFrame, p, meta); err != nil {
			return err
		}
	}

	det := DetectionsPayload{FrameID: uint32(seq), Boxes: out.Boxes}
	if err := s.enc.Send(KindDetections, det, meta); err != nil {
		return err
	}

	if out.Embedding != nil {
		emb := map[string]any{
			"frame_seq":  seq,
			"similarity": out.Status.Similarity,
			"verified":   out.Status.Verified,
		}
		if err := s.enc.Send(KindEmbedding, EmbeddingPayload(out.Embedding), emb); err != nil {
			return err
		}
	}
	if out.Aligned != nil {
		f := imgproc.FromRGBA(out.Aligned)
		p := FramePayload{Type: FrameAligned, Width: f.Width, Height: f.Height, Data: f.Data}
		if err := s.enc.Send(KindFrame, p, meta); err != nil {
			return err
		}
	}

	if err := s.enc.Send(KindMetrics, metricsPayload(out.Status.Metrics), nil); err != nil {
		return err
	}

	now := out.Status.Time
	if s.lastHeartbeat.IsZero() || now.Sub(s.lastHeartbeat) >= s.cfg.HeartbeatInterval {
		if err := s.enc.Send(KindHeartbeat, HeartbeatPayload(out.Uptime), nil); err != nil {
			return err
		}
		s.lastHeartbeat = now
		monitoring.Tracef("stream: heartbeat at frame %d", seq)
	}
	return nil
}

func metricsPayload(m pipeline.Metrics) MetricsPayload {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return MetricsPayload{
		FPS:          m.FPS,
		Inference:    m.InferenceTime,
		MemoryBytes:  uint32(min(mem.HeapAlloc, uint64(^uint32(0)))),
		Frames:       uint32(m.Frames),
		Detections:   uint32(m.Detections),
		Recognitions: uint32(m.Recognitions),
	}
}

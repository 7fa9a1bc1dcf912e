package statusrpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/faceverify/internal/monitoring"
	"github.com/banshee-data/faceverify/internal/pipeline"
)

// VerificationService is the health service name that reports SERVING
// while a face is verified.
const VerificationService = "verification"

// clientBuffer is how many updates a slow watcher may lag before updates
// are dropped for it.
const clientBuffer = 8

// Ensure Publisher serves the status API and receives frames.
var (
	_ StatusServer  = (*Publisher)(nil)
	_ pipeline.Sink = (*Publisher)(nil)
)

// Publisher fans driver status out to gRPC clients.
type Publisher struct {
	health *health.Server

	mu       sync.RWMutex
	latest   *structpb.Struct
	verified bool
	clients  map[string]chan *structpb.Struct

	published atomic.Uint64
	dropped   atomic.Uint64

	server   *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewPublisher returns a publisher with no status yet. Verification health
// starts NOT_SERVING.
func NewPublisher() *Publisher {
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.SetServingStatus(VerificationService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Publisher{
		health:  h,
		clients: make(map[string]chan *structpb.Struct),
	}
}

// Register adds the status, health and reflection services to s.
func (p *Publisher) Register(s *grpc.Server) {
	RegisterStatusServer(s, p)
	healthpb.RegisterHealthServer(s, p.health)
	reflection.Register(s)
}

// Start serves on addr until Stop.
func (p *Publisher) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	p.Serve(lis)
	return nil
}

// Serve serves on lis in the background until Stop.
func (p *Publisher) Serve(lis net.Listener) {
	p.listener = lis
	p.server = grpc.NewServer()
	p.Register(p.server)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		monitoring.Opsf("[statusrpc] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			monitoring.Opsf("[statusrpc] gRPC server error: %v", err)
		}
	}()
}

// Stop shuts the server down and ends all watches.
func (p *Publisher) Stop() {
	p.health.Shutdown()
	if p.server != nil {
		p.server.Stop()
	}
	p.wg.Wait()
}

// Display implements pipeline.Sink.
func (p *Publisher) Display(_ context.Context, out *pipeline.Output) error {
	st, err := StatusStruct(out.Status)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.latest = st
	changed := p.verified != out.Status.Verified
	p.verified = out.Status.Verified
	for _, ch := range p.clients {
		select {
		case ch <- st:
		default:
			p.dropped.Add(1)
		}
	}
	p.mu.Unlock()
	p.published.Add(1)

	if changed {
		s := healthpb.HealthCheckResponse_NOT_SERVING
		if out.Status.Verified {
			s = healthpb.HealthCheckResponse_SERVING
		}
		p.health.SetServingStatus(VerificationService, s)
	}
	return nil
}

// GetStatus implements StatusServer.
func (p *Publisher) GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return nil, status.Error(codes.Unavailable, "no frame processed yet")
	}
	return p.latest, nil
}

// Watch implements StatusServer.
func (p *Publisher) Watch(_ *emptypb.Empty, stream StatusWatchServer) error {
	id := uuid.NewString()
	ch := make(chan *structpb.Struct, clientBuffer)

	p.mu.Lock()
	p.clients[id] = ch
	n := len(p.clients)
	p.mu.Unlock()
	monitoring.Diagf("[statusrpc] watcher %s connected (total: %d)", id, n)

	defer func() {
		p.mu.Lock()
		delete(p.clients, id)
		p.mu.Unlock()
		monitoring.Diagf("[statusrpc] watcher %s disconnected", id)
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-ch:
			if err := stream.Send(st); err != nil {
				return err
			}
		}
	}
}

// Stats are the publisher counters.
type Stats struct {
	Published uint64
	Dropped   uint64
	Watchers  int
}

// Stats returns the publisher counters.
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{Published: p.published.Load(), Dropped: p.dropped.Load(), Watchers: len(p.clients)}
}

// StatusStruct renders a driver status as a Struct document.
func StatusStruct(s pipeline.Status) (*structpb.Struct, error) {
	m := map[string]any{
		"frame_seq":       float64(s.FrameSeq),
		"time":            s.Time.UTC().Format(time.RFC3339Nano),
		"state":           string(s.State),
		"verified":        s.Verified,
		"face_detected":   s.FaceDetected,
		"similarity":      s.Similarity,
		"smoothed":        s.Smoothed,
		"stable":          s.Stable,
		"led":             string(s.LED),
		"bank_count":      float64(s.BankCount),
		"config_checksum": float64(s.ConfigChecksum),
		"metrics": map[string]any{
			"fps":            s.Metrics.FPS,
			"frames":         float64(s.Metrics.Frames),
			"detections":     float64(s.Metrics.Detections),
			"recognitions":   float64(s.Metrics.Recognitions),
			"enrollments":    float64(s.Metrics.Enrollments),
			"skipped_frames": float64(s.Metrics.SkippedFrames),
			"frame_ms":       float64(s.Metrics.FrameTime) / float64(time.Millisecond),
			"inference_ms":   float64(s.Metrics.InferenceTime) / float64(time.Millisecond),
		},
	}
	if s.HasTarget {
		m["target"] = map[string]any{
			"x_center": s.Target.XCenter,
			"y_center": s.Target.YCenter,
			"width":    s.Target.Width,
			"height":   s.Target.Height,
			"prob":     s.Target.Prob,
		}
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("statusrpc: %w", err)
	}
	return st, nil
}

// Command faceverify runs the face verification pipeline: frames from the
// serial link, a pcap replay or a synthetic scene go through detection,
// verification and tracking; results stream back over serial and are
// served over HTTP and gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/faceverify/internal/api"
	"github.com/banshee-data/faceverify/internal/capture"
	"github.com/banshee-data/faceverify/internal/config"
	"github.com/banshee-data/faceverify/internal/db"
	"github.com/banshee-data/faceverify/internal/detect"
	"github.com/banshee-data/faceverify/internal/httputil"
	"github.com/banshee-data/faceverify/internal/monitoring"
	"github.com/banshee-data/faceverify/internal/pipeline"
	"github.com/banshee-data/faceverify/internal/report"
	"github.com/banshee-data/faceverify/internal/sim"
	"github.com/banshee-data/faceverify/internal/statusrpc"
	"github.com/banshee-data/faceverify/internal/stream"
	"github.com/banshee-data/faceverify/internal/timeutil"
	"github.com/banshee-data/faceverify/internal/verify"
	"github.com/banshee-data/faceverify/internal/version"
)

var (
	configPath = flag.String("config", "", "Tuning config JSON file (built-in defaults when empty)")
	dbPath     = flag.String("db", "faceverify.db", "SQLite database for enrollments and events; empty disables persistence")
	listen     = flag.String("listen", ":8080", "HTTP listen address; empty disables HTTP")
	grpcListen = flag.String("grpc-listen", ":50051", "gRPC status listen address; empty disables gRPC")
	port       = flag.String("port", "/dev/ttyUSB0", "Serial port to the host PC")
	baud       = flag.Int("baud", stream.DefaultBaudRate, "Serial baud rate")
	sourceKind = flag.String("source", "serial", "Frame source: serial, pcap or sim")
	pcapFile   = flag.String("pcap", "", "pcap file to replay with -source=pcap")
	pcapPort   = flag.Uint("pcap-port", 0, "UDP destination port filter for -source=pcap; 0 accepts any")
	pcapPaced  = flag.Bool("pcap-realtime", true, "Pace pcap replay by capture timestamps")
	simFaces   = flag.Int("sim-faces", 2, "Faces in the synthetic scene")
	simFrames  = flag.Uint64("sim-frames", 0, "Stop the synthetic scene after this many frames; 0 runs forever")
	devMode    = flag.Bool("dev", false, "Dev mode: synthetic source and diagnostic logging")
	debugLog   = flag.Bool("debug", false, "Enable the diagnostic log stream")
	traceLog   = flag.Bool("trace", false, "Enable the per-frame trace log stream")
	showVer    = flag.Bool("version", false, "Print the version and exit")
)

// options is the parsed command line.
type options struct {
	ConfigPath string
	DBPath     string
	Listen     string
	GRPCListen string

	Source    string
	Port      string
	Baud      int
	PcapFile  string
	PcapPort  uint16
	PcapPaced bool
	SimFaces  int
	SimFrames uint64
	Dev       bool

	Clock timeutil.Clock
}

func optionsFromFlags() options {
	o := options{
		ConfigPath: *configPath,
		DBPath:     *dbPath,
		Listen:     *listen,
		GRPCListen: *grpcListen,
		Source:     *sourceKind,
		Port:       *port,
		Baud:       *baud,
		PcapFile:   *pcapFile,
		PcapPort:   uint16(*pcapPort),
		PcapPaced:  *pcapPaced,
		SimFaces:   *simFaces,
		SimFrames:  *simFrames,
		Dev:        *devMode,
	}
	if o.Dev {
		o.Source = "sim"
	}
	return o
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}

	logs := monitoring.LogWriters{Ops: os.Stdout}
	if *debugLog || *devMode {
		logs.Diag = os.Stderr
	}
	if *traceLog {
		logs.Trace = os.Stderr
	}
	monitoring.SetLogWriters(logs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	indicator := &logIndicator{}
	if err := run(ctx, optionsFromFlags(), indicator); err != nil {
		blinkCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		pipeline.FatalBlink(blinkCtx, indicator, nil)
		cancel()
		log.Fatalf("faceverify: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// logIndicator stands in for the status LEDs.
type logIndicator struct {
	mu    sync.Mutex
	state pipeline.LEDState
}

func (l *logIndicator) SetLED(s pipeline.LEDState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	monitoring.Diagf("led: %s", s)
}

func (l *logIndicator) State() pipeline.LEDState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// frameSource is what run needs from a source: frames, plus an optional
// background loop and cleanup.
type frameSource struct {
	capture.Source
	serial  *stream.SerialSource
	port    stream.Port
	monitor func(ctx context.Context) error
	close   func() error
}

func openSource(o options, tuning *config.TuningConfig, codec stream.Codec) (*frameSource, error) {
	switch o.Source {
	case "sim":
		w, h := tuning.GetFrameSize()
		scene := sim.NewScene(sim.SceneConfig{
			Width:  w * 2,
			Height: h * 2,
			FPS:    tuning.GetTargetFPS(),
			Faces:  o.SimFaces,
			Frames: o.SimFrames,
			Seed:   1,
		}, o.Clock)
		return &frameSource{Source: scene}, nil

	case "pcap":
		if o.PcapFile == "" {
			return nil, errors.New("-pcap is required with -source=pcap")
		}
		replay, err := capture.OpenPcap(o.PcapFile, o.PcapPort)
		if err != nil {
			return nil, err
		}
		replay.Realtime = o.PcapPaced
		if o.Clock != nil {
			replay.Clock = o.Clock
		}
		return &frameSource{Source: replay, close: replay.Close}, nil

	case "serial":
		if o.Port == "" {
			return nil, errors.New("-port is required with -source=serial")
		}
		p, err := stream.OpenSerial(o.Port, stream.PortOptions{BaudRate: o.Baud}, tuning.GetSerialTimeout())
		if err != nil {
			return nil, err
		}
		src := stream.NewSerialSource(p, codec, o.Clock)
		return &frameSource{Source: src, serial: src, port: p, monitor: src.Monitor, close: p.Close}, nil
	}
	return nil, fmt.Errorf("unknown source %q: expected serial, pcap or sim", o.Source)
}

// run wires the pipeline and blocks until ctx ends or the source closes.
func run(ctx context.Context, o options, indicator pipeline.Indicator) error {
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	monitoring.Opsf("%s starting, source=%s", version.String(), o.Source)

	tuning, err := loadTuning(o.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	codec, err := stream.NewCodec(tuning.GetStreamProtocol(), tuning.GetStreamCompression())
	if err != nil {
		return err
	}

	var store *db.DB
	if o.DBPath != "" {
		store, err = db.OpenDB(o.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()
	}

	src, err := openSource(o, tuning, codec)
	if err != nil {
		return fmt.Errorf("open frame source: %w", err)
	}
	if src.close != nil {
		defer src.close()
	}

	fw, fh := tuning.GetFrameSize()
	rw, rh := tuning.GetRecognitionSize()
	publisher := statusrpc.NewPublisher()
	sinks := []pipeline.Sink{publisher}

	var sink *stream.Sink
	if src.port != nil {
		sink = stream.NewSink(stream.NewEncoder(src.port, codec), stream.SinkConfig{
			HeartbeatInterval: tuning.GetHeartbeatInterval(),
		})
		sinks = append(sinks, sink)
	}

	cfg := pipeline.Config{
		Tuning:   tuning,
		Source:   src,
		Detector: sim.NewDetector(fw, fh),
		Postprocessor: &detect.RowDecoder{
			ConfThreshold: tuning.GetDetectionConfidenceThreshold(),
			NMSThreshold:  tuning.GetNMSThreshold(),
		},
		Recognizer: &verify.LazyRecognizer{Build: func() (verify.Recognizer, error) {
			monitoring.Opsf("initializing recognizer %dx%d", rw, rh)
			return verify.NewFaceRecognizer(sim.NewEmbedder(rw, rh, 1), tuning), nil
		}},
		Indicator: indicator,
		Sinks:     sinks,
		Clock:     o.Clock,
	}
	if store != nil {
		cfg.Store = store
		cfg.Events = store
	}
	driver, err := pipeline.New(ctx, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	if o.GRPCListen != "" {
		if err := publisher.Start(o.GRPCListen); err != nil {
			return fmt.Errorf("start gRPC: %w", err)
		}
		defer publisher.Stop()
	}

	if src.monitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Opsf("serial monitor: %v", err)
			}
			monitoring.Opsf("monitor routine terminated")
		}()
	}

	if o.Listen != "" {
		mux := newMux(driver, store, tuning, sink, src.serial, publisher)
		server := &http.Server{Addr: o.Listen, Handler: httputil.LoggingMiddleware(mux)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, server)
		}()
	}

	err = driver.Run(ctx)
	cancel()
	if src.port != nil {
		// Unblocks the serial reader.
		src.port.Close()
	}
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newMux(driver *pipeline.Driver, store *db.DB, tuning *config.TuningConfig, sink *stream.Sink, serial *stream.SerialSource, publisher *statusrpc.Publisher) *http.ServeMux {
	var events api.EventLister
	if store != nil {
		events = store
	}
	mux := api.NewServer(driver, events, tuning).ServeMux()

	if store != nil {
		(&report.Handler{Events: store, Threshold: tuning.GetSimilarityThreshold()}).Register(mux)
		if err := store.AttachAdminRoutes(mux); err != nil {
			monitoring.Opsf("db admin routes disabled: %v", err)
		}
	}
	stream.AttachAdminRoutes(mux, sink, serial)

	debug := tsweb.Debugger(mux)
	debug.KVFunc("version", func() any { return version.Version })
	debug.KVFunc("uptime", func() any { return driver.Uptime().Round(time.Second).String() })
	debug.KVFunc("status watchers", func() any { return publisher.Stats().Watchers })
	return mux
}

func serveHTTP(ctx context.Context, server *http.Server) {
	go func() {
		monitoring.Opsf("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Opsf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	monitoring.Opsf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Opsf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Opsf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Opsf("HTTP server routine stopped")
}

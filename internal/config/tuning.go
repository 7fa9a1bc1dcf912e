package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// Verification modes.
const (
	ModeThreeState      = "three_state"
	ModeDetectAndVerify = "detect_and_verify"
)

// Tracker strategies.
const (
	TrackerIoU    = "iou"
	TrackerKalman = "kalman"
)

// TuningConfig holds every tunable of the verification pipeline. Fields are
// pointers so a partial JSON file only overrides what it names; the Get*
// accessors supply defaults for the rest.
type TuningConfig struct {
	// Recognition
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	EmbeddingScale      *float64 `json:"embedding_scale,omitempty"`
	RecognitionWidth    *int     `json:"recognition_width,omitempty"`
	RecognitionHeight   *int     `json:"recognition_height,omitempty"`

	// Detection
	DetectionConfidenceThreshold *float64 `json:"detection_confidence_threshold,omitempty"`
	NMSThreshold                 *float64 `json:"nms_threshold,omitempty"`
	BBoxPaddingFactor            *float64 `json:"bbox_padding_factor,omitempty"`
	MaxBoxes                     *int     `json:"max_boxes,omitempty"`
	FrameWidth                   *int     `json:"frame_width,omitempty"`
	FrameHeight                  *int     `json:"frame_height,omitempty"`

	// Verification
	VerificationMode  *string  `json:"verification_mode,omitempty"`
	ReverifyInterval  *string  `json:"reverify_interval,omitempty"` // duration string like "1s"
	HistorySize       *int     `json:"history_size,omitempty"`
	StabilityVariance *float64 `json:"stability_variance,omitempty"`

	// Tracker
	TrackerStrategy          *string  `json:"tracker_strategy,omitempty"`
	TrackConfidenceThreshold *float64 `json:"track_confidence_threshold,omitempty"`
	SmoothFactor             *float64 `json:"smooth_factor,omitempty"`
	IoUThreshold             *float64 `json:"iou_threshold,omitempty"`
	MaxLostFrames            *int     `json:"max_lost_frames,omitempty"`
	HitsToConfirm            *int     `json:"hits_to_confirm,omitempty"`
	MinInitConfidence        *float64 `json:"min_init_confidence,omitempty"`
	MaxTracks                *int     `json:"max_tracks,omitempty"`
	ProcessNoise             *float64 `json:"process_noise,omitempty"`
	MeasurementNoise         *float64 `json:"measurement_noise,omitempty"`

	// User interface
	ButtonLongPress *string `json:"button_long_press,omitempty"`
	LEDTimeout      *string `json:"led_timeout,omitempty"`

	// Streaming
	TargetFPS         *int    `json:"target_fps,omitempty"`
	HeartbeatInterval *string `json:"heartbeat_interval,omitempty"`
	StreamProtocol    *string `json:"stream_protocol,omitempty"` // "robust" or "enhanced"
	StreamCompression *bool   `json:"stream_compression,omitempty"`
	SerialTimeout     *string `json:"serial_timeout,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrBool(v bool) *bool          { return &v }

// DefaultTuningConfig returns a fully populated config matching
// config/tuning.defaults.json. Binaries fall back to it when no file is given.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		SimilarityThreshold:          ptrFloat64(0.55),
		EmbeddingScale:               ptrFloat64(128),
		RecognitionWidth:             ptrInt(112),
		RecognitionHeight:            ptrInt(112),
		DetectionConfidenceThreshold: ptrFloat64(0.7),
		NMSThreshold:                 ptrFloat64(0.5),
		BBoxPaddingFactor:            ptrFloat64(1.2),
		MaxBoxes:                     ptrInt(10),
		FrameWidth:                   ptrInt(128),
		FrameHeight:                  ptrInt(128),
		VerificationMode:             ptrString(ModeThreeState),
		ReverifyInterval:             ptrString("1s"),
		HistorySize:                  ptrInt(5),
		StabilityVariance:            ptrFloat64(0.01),
		TrackerStrategy:              ptrString(TrackerIoU),
		TrackConfidenceThreshold:     ptrFloat64(0.55),
		SmoothFactor:                 ptrFloat64(0.5),
		IoUThreshold:                 ptrFloat64(0.3),
		MaxLostFrames:                ptrInt(5),
		HitsToConfirm:                ptrInt(3),
		MinInitConfidence:            ptrFloat64(0.6),
		MaxTracks:                    ptrInt(16),
		ProcessNoise:                 ptrFloat64(1e-4),
		MeasurementNoise:             ptrFloat64(1e-3),
		ButtonLongPress:              ptrString("1s"),
		LEDTimeout:                   ptrString("1s"),
		TargetFPS:                    ptrInt(30),
		HeartbeatInterval:            ptrString("1s"),
		StreamProtocol:               ptrString("robust"),
		StreamCompression:            ptrBool(false),
		SerialTimeout:                ptrString("1s"),
	}
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and be no larger than 1 MiB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for tests and development binaries.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from repository root")
}

func checkUnit(name string, v *float64) error {
	if v != nil && (*v < 0 || *v > 1) {
		return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
	}
	return nil
}

func checkIntRange(name string, v *int, lo, hi int) error {
	if v != nil && (*v < lo || *v > hi) {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, lo, hi, *v)
	}
	return nil
}

func checkDuration(name string, v *string, lo, hi time.Duration) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < lo || d > hi {
		return fmt.Errorf("%s must be between %s and %s, got %s", name, lo, hi, d)
	}
	return nil
}

// Validate checks that every set value is within its accepted range.
func (c *TuningConfig) Validate() error {
	for _, f := range []struct {
		name string
		v    *float64
	}{
		{"similarity_threshold", c.SimilarityThreshold},
		{"detection_confidence_threshold", c.DetectionConfidenceThreshold},
		{"nms_threshold", c.NMSThreshold},
		{"track_confidence_threshold", c.TrackConfidenceThreshold},
		{"smooth_factor", c.SmoothFactor},
		{"iou_threshold", c.IoUThreshold},
		{"stability_variance", c.StabilityVariance},
		{"min_init_confidence", c.MinInitConfidence},
	} {
		if err := checkUnit(f.name, f.v); err != nil {
			return err
		}
	}

	if c.BBoxPaddingFactor != nil && (*c.BBoxPaddingFactor < 1 || *c.BBoxPaddingFactor > 2) {
		return fmt.Errorf("bbox_padding_factor must be between 1 and 2, got %f", *c.BBoxPaddingFactor)
	}
	if c.EmbeddingScale != nil && *c.EmbeddingScale <= 0 {
		return fmt.Errorf("embedding_scale must be positive, got %f", *c.EmbeddingScale)
	}
	if c.ProcessNoise != nil && *c.ProcessNoise <= 0 {
		return fmt.Errorf("process_noise must be positive, got %f", *c.ProcessNoise)
	}
	if c.MeasurementNoise != nil && *c.MeasurementNoise <= 0 {
		return fmt.Errorf("measurement_noise must be positive, got %f", *c.MeasurementNoise)
	}

	for _, f := range []struct {
		name   string
		v      *int
		lo, hi int
	}{
		{"max_lost_frames", c.MaxLostFrames, 1, 100},
		{"max_boxes", c.MaxBoxes, 1, 100},
		{"history_size", c.HistorySize, 1, 64},
		{"hits_to_confirm", c.HitsToConfirm, 1, 100},
		{"max_tracks", c.MaxTracks, 1, 64},
		{"target_fps", c.TargetFPS, 1, 120},
		{"frame_width", c.FrameWidth, 1, 4096},
		{"frame_height", c.FrameHeight, 1, 4096},
		{"recognition_width", c.RecognitionWidth, 1, 1024},
		{"recognition_height", c.RecognitionHeight, 1, 1024},
	} {
		if err := checkIntRange(f.name, f.v, f.lo, f.hi); err != nil {
			return err
		}
	}

	for _, f := range []struct {
		name   string
		v      *string
		lo, hi time.Duration
	}{
		{"reverify_interval", c.ReverifyInterval, time.Millisecond, 10 * time.Second},
		{"button_long_press", c.ButtonLongPress, time.Millisecond, 5 * time.Second},
		{"led_timeout", c.LEDTimeout, 0, time.Minute},
		{"heartbeat_interval", c.HeartbeatInterval, time.Millisecond, time.Minute},
		{"serial_timeout", c.SerialTimeout, time.Millisecond, 10 * time.Second},
	} {
		if err := checkDuration(f.name, f.v, f.lo, f.hi); err != nil {
			return err
		}
	}

	if c.VerificationMode != nil {
		switch *c.VerificationMode {
		case ModeThreeState, ModeDetectAndVerify:
		default:
			return fmt.Errorf("verification_mode must be %q or %q, got %q", ModeThreeState, ModeDetectAndVerify, *c.VerificationMode)
		}
	}
	if c.TrackerStrategy != nil {
		switch *c.TrackerStrategy {
		case TrackerIoU, TrackerKalman:
		default:
			return fmt.Errorf("tracker_strategy must be %q or %q, got %q", TrackerIoU, TrackerKalman, *c.TrackerStrategy)
		}
	}
	if c.StreamProtocol != nil {
		switch *c.StreamProtocol {
		case "robust", "enhanced":
		default:
			return fmt.Errorf("stream_protocol must be \"robust\" or \"enhanced\", got %q", *c.StreamProtocol)
		}
	}
	return nil
}

// Checksum returns the CRC32 (IEEE) of the canonical JSON encoding. Two
// configs with the same effective overrides share a checksum, which lets the
// PC side detect a configuration change.
func (c *TuningConfig) Checksum() uint32 {
	data, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetSimilarityThreshold returns the cosine similarity needed to accept a face.
func (c *TuningConfig) GetSimilarityThreshold() float64 {
	return floatOr(c.SimilarityThreshold, 0.55)
}

// GetEmbeddingScale returns the int8 dequantization scale.
func (c *TuningConfig) GetEmbeddingScale() float64 { return floatOr(c.EmbeddingScale, 128) }

// GetRecognitionSize returns the aligned face crop size fed to the recognizer.
func (c *TuningConfig) GetRecognitionSize() (w, h int) {
	return intOr(c.RecognitionWidth, 112), intOr(c.RecognitionHeight, 112)
}

// GetDetectionConfidenceThreshold returns the detection gate of the
// detect-and-verify mode.
func (c *TuningConfig) GetDetectionConfidenceThreshold() float64 {
	return floatOr(c.DetectionConfidenceThreshold, 0.7)
}

// GetNMSThreshold returns the postprocess non-maximum suppression IoU.
func (c *TuningConfig) GetNMSThreshold() float64 { return floatOr(c.NMSThreshold, 0.5) }

// GetBBoxPaddingFactor returns the width/height padding applied before cropping.
func (c *TuningConfig) GetBBoxPaddingFactor() float64 { return floatOr(c.BBoxPaddingFactor, 1.2) }

// GetMaxBoxes returns the capacity of a frame's box list.
func (c *TuningConfig) GetMaxBoxes() int { return intOr(c.MaxBoxes, 10) }

// GetFrameSize returns the detector input resolution.
func (c *TuningConfig) GetFrameSize() (w, h int) {
	return intOr(c.FrameWidth, 128), intOr(c.FrameHeight, 128)
}

// GetVerificationMode returns ModeThreeState or ModeDetectAndVerify.
func (c *TuningConfig) GetVerificationMode() string {
	if c.VerificationMode == nil || *c.VerificationMode == "" {
		return ModeThreeState
	}
	return *c.VerificationMode
}

// GetReverifyInterval returns how long a track may run between verifications.
func (c *TuningConfig) GetReverifyInterval() time.Duration {
	return durationOr(c.ReverifyInterval, time.Second)
}

// GetHistorySize returns the similarity ring buffer length.
func (c *TuningConfig) GetHistorySize() int { return intOr(c.HistorySize, 5) }

// GetStabilityVariance returns the variance below which the similarity
// history counts as stable.
func (c *TuningConfig) GetStabilityVariance() float64 { return floatOr(c.StabilityVariance, 0.01) }

// GetTrackerStrategy returns TrackerIoU or TrackerKalman.
func (c *TuningConfig) GetTrackerStrategy() string {
	if c.TrackerStrategy == nil || *c.TrackerStrategy == "" {
		return TrackerIoU
	}
	return *c.TrackerStrategy
}

// GetTrackConfidenceThreshold returns the confidence a detection needs to
// refresh the geometric track directly.
func (c *TuningConfig) GetTrackConfidenceThreshold() float64 {
	return floatOr(c.TrackConfidenceThreshold, 0.55)
}

// GetSmoothFactor returns the EMA weight of a new observation.
func (c *TuningConfig) GetSmoothFactor() float64 { return floatOr(c.SmoothFactor, 0.5) }

// GetIoUThreshold returns the overlap needed to associate a box with the track.
func (c *TuningConfig) GetIoUThreshold() float64 { return floatOr(c.IoUThreshold, 0.3) }

// GetMaxLostFrames returns how many unmatched frames a track survives.
func (c *TuningConfig) GetMaxLostFrames() int { return intOr(c.MaxLostFrames, 5) }

// GetHitsToConfirm returns the hits a Kalman track needs before it is confirmed.
func (c *TuningConfig) GetHitsToConfirm() int { return intOr(c.HitsToConfirm, 3) }

// GetMinInitConfidence returns the confidence a detection needs to start a
// Kalman track.
func (c *TuningConfig) GetMinInitConfidence() float64 { return floatOr(c.MinInitConfidence, 0.6) }

// GetMaxTracks returns the Kalman tracker's slot count.
func (c *TuningConfig) GetMaxTracks() int { return intOr(c.MaxTracks, 16) }

// GetProcessNoise returns the Kalman process noise variance.
func (c *TuningConfig) GetProcessNoise() float64 { return floatOr(c.ProcessNoise, 1e-4) }

// GetMeasurementNoise returns the Kalman measurement noise variance.
func (c *TuningConfig) GetMeasurementNoise() float64 { return floatOr(c.MeasurementNoise, 1e-3) }

// GetButtonLongPress returns the hold time that turns a press into a bank reset.
func (c *TuningConfig) GetButtonLongPress() time.Duration {
	return durationOr(c.ButtonLongPress, time.Second)
}

// GetLEDTimeout returns how long the verified LED stays on after the face is lost.
func (c *TuningConfig) GetLEDTimeout() time.Duration {
	return durationOr(c.LEDTimeout, time.Second)
}

// GetTargetFPS returns the frame rate the pipeline paces itself to.
func (c *TuningConfig) GetTargetFPS() int { return intOr(c.TargetFPS, 30) }

// GetHeartbeatInterval returns how often a heartbeat is streamed.
func (c *TuningConfig) GetHeartbeatInterval() time.Duration {
	return durationOr(c.HeartbeatInterval, time.Second)
}

// GetStreamProtocol returns "robust" or "enhanced".
func (c *TuningConfig) GetStreamProtocol() string {
	if c.StreamProtocol == nil || *c.StreamProtocol == "" {
		return "robust"
	}
	return *c.StreamProtocol
}

// GetStreamCompression reports whether enhanced payloads are zlib compressed.
func (c *TuningConfig) GetStreamCompression() bool {
	return c.StreamCompression != nil && *c.StreamCompression
}

// GetSerialTimeout returns the serial read timeout.
func (c *TuningConfig) GetSerialTimeout() time.Duration {
	return durationOr(c.SerialTimeout, time.Second)
}

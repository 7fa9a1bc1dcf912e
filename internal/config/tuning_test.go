package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultTuningConfig(t *testing.T) {
	cfg := DefaultTuningConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.GetSimilarityThreshold() != 0.55 {
		t.Errorf("GetSimilarityThreshold() = %f, want 0.55", cfg.GetSimilarityThreshold())
	}
	if cfg.GetReverifyInterval() != time.Second {
		t.Errorf("GetReverifyInterval() = %v, want 1s", cfg.GetReverifyInterval())
	}
	if cfg.GetVerificationMode() != ModeThreeState {
		t.Errorf("GetVerificationMode() = %q, want %q", cfg.GetVerificationMode(), ModeThreeState)
	}
	if w, h := cfg.GetRecognitionSize(); w != 112 || h != 112 {
		t.Errorf("GetRecognitionSize() = %dx%d, want 112x112", w, h)
	}
}

func TestEmptyConfigFallsBackToDefaults(t *testing.T) {
	empty := EmptyTuningConfig()
	def := DefaultTuningConfig()

	if empty.GetSimilarityThreshold() != def.GetSimilarityThreshold() {
		t.Errorf("similarity threshold mismatch: %f vs %f", empty.GetSimilarityThreshold(), def.GetSimilarityThreshold())
	}
	if empty.GetMaxLostFrames() != def.GetMaxLostFrames() {
		t.Errorf("max lost frames mismatch: %d vs %d", empty.GetMaxLostFrames(), def.GetMaxLostFrames())
	}
	if empty.GetTrackerStrategy() != TrackerIoU {
		t.Errorf("GetTrackerStrategy() = %q, want %q", empty.GetTrackerStrategy(), TrackerIoU)
	}
	if empty.GetLEDTimeout() != time.Second {
		t.Errorf("GetLEDTimeout() = %v, want 1s", empty.GetLEDTimeout())
	}
	if empty.GetStreamCompression() {
		t.Error("GetStreamCompression() = true, want false")
	}
}

func TestMustLoadDefaultConfigMatchesCode(t *testing.T) {
	fromFile := MustLoadDefaultConfig()
	if got, want := fromFile.Checksum(), DefaultTuningConfig().Checksum(); got != want {
		t.Errorf("defaults file checksum %08x differs from DefaultTuningConfig %08x", got, want)
	}
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "similarity_threshold": 0.6,
  "verification_mode": "detect_and_verify",
  "reverify_interval": "500ms",
  "max_lost_frames": 8
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetSimilarityThreshold() != 0.6 {
		t.Errorf("GetSimilarityThreshold() = %f, want 0.6", cfg.GetSimilarityThreshold())
	}
	if cfg.GetVerificationMode() != ModeDetectAndVerify {
		t.Errorf("GetVerificationMode() = %q", cfg.GetVerificationMode())
	}
	if cfg.GetReverifyInterval() != 500*time.Millisecond {
		t.Errorf("GetReverifyInterval() = %v, want 500ms", cfg.GetReverifyInterval())
	}
	if cfg.GetMaxLostFrames() != 8 {
		t.Errorf("GetMaxLostFrames() = %d, want 8", cfg.GetMaxLostFrames())
	}
	// Unset keys keep their defaults.
	if cfg.GetIoUThreshold() != 0.3 {
		t.Errorf("GetIoUThreshold() = %f, want 0.3", cfg.GetIoUThreshold())
	}
}

func TestLoadTuningConfigErrors(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"missing file", filepath.Join(tmpDir, "nope.json"), "failed to stat"},
		{"wrong extension", write("cfg.yaml", "{}"), ".json extension"},
		{"invalid json", write("bad.json", `{"similarity_threshold": "x"`), "failed to parse"},
		{"unknown key", write("unknown.json", `{"noise_relative": 0.1}`), "failed to parse"},
		{"out of range", write("range.json", `{"similarity_threshold": 1.5}`), "invalid configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTuningConfig(tt.path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadTuningConfigTooLarge(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.json")
	big := make([]byte, 1024*1024+1)
	for i := range big {
		big[i] = ' '
	}
	if err := os.WriteFile(p, big, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTuningConfig(p); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected too large error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *TuningConfig
		wantErr bool
	}{
		{"empty", &TuningConfig{}, false},
		{"threshold negative", &TuningConfig{SimilarityThreshold: ptrFloat64(-0.1)}, true},
		{"confidence above one", &TuningConfig{DetectionConfidenceThreshold: ptrFloat64(1.1)}, true},
		{"padding below one", &TuningConfig{BBoxPaddingFactor: ptrFloat64(0.9)}, true},
		{"padding two", &TuningConfig{BBoxPaddingFactor: ptrFloat64(2)}, false},
		{"lost frames zero", &TuningConfig{MaxLostFrames: ptrInt(0)}, true},
		{"lost frames max", &TuningConfig{MaxLostFrames: ptrInt(100)}, false},
		{"fps too high", &TuningConfig{TargetFPS: ptrInt(121)}, true},
		{"scale zero", &TuningConfig{EmbeddingScale: ptrFloat64(0)}, true},
		{"bad reverify", &TuningConfig{ReverifyInterval: ptrString("soon")}, true},
		{"reverify too long", &TuningConfig{ReverifyInterval: ptrString("11s")}, true},
		{"long press too long", &TuningConfig{ButtonLongPress: ptrString("6s")}, true},
		{"unknown mode", &TuningConfig{VerificationMode: ptrString("always")}, true},
		{"kalman strategy", &TuningConfig{TrackerStrategy: ptrString(TrackerKalman)}, false},
		{"unknown strategy", &TuningConfig{TrackerStrategy: ptrString("sort")}, true},
		{"unknown protocol", &TuningConfig{StreamProtocol: ptrString("raw")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChecksumChangesWithOverrides(t *testing.T) {
	a := DefaultTuningConfig()
	b := DefaultTuningConfig()
	if a.Checksum() != b.Checksum() {
		t.Fatal("identical configs must share a checksum")
	}
	b.SimilarityThreshold = ptrFloat64(0.6)
	if a.Checksum() == b.Checksum() {
		t.Error("checksum did not change after override")
	}
}

func TestGetDurationFallsBackOnParseError(t *testing.T) {
	cfg := &TuningConfig{LEDTimeout: ptrString("garbage")}
	if cfg.GetLEDTimeout() != time.Second {
		t.Errorf("GetLEDTimeout() = %v, want 1s fallback", cfg.GetLEDTimeout())
	}
}

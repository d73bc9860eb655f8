package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/psen-processing/psen/processing/internal/edge"
	"github.com/psen-processing/psen/processing/internal/roi"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	p := writeConfig(t, `processing:
  input_stream: "ws://localhost:9999/frames"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Processing.InputStream != "ws://localhost:9999/frames" {
		t.Errorf("input_stream: got %q", cfg.Processing.InputStream)
	}
	if cfg.API.Port != DefaultAPIPort {
		t.Errorf("api.port: got %d, want %d", cfg.API.Port, DefaultAPIPort)
	}
	if cfg.Output.DataPort != DefaultDataPort || cfg.Output.ImagePort != DefaultImagePort {
		t.Errorf("output ports: got %d/%d", cfg.Output.DataPort, cfg.Output.ImagePort)
	}
	if cfg.Processing.StartTimeout != DefaultStartTimeout {
		t.Errorf("start_timeout: got %v, want %v", cfg.Processing.StartTimeout, DefaultStartTimeout)
	}
	if cfg.Processing.ReceiveTimeout != DefaultReceiveTimeout {
		t.Errorf("receive_timeout: got %v, want %v", cfg.Processing.ReceiveTimeout, DefaultReceiveTimeout)
	}
	if cfg.Processing.InputQueueSize != DefaultInputQueueSize {
		t.Errorf("input_queue_size: got %d, want %d", cfg.Processing.InputQueueSize, DefaultInputQueueSize)
	}
	if cfg.Processing.MeasurementCadence != DefaultCadence {
		t.Errorf("measurement_cadence: got %d, want %d", cfg.Processing.MeasurementCadence, DefaultCadence)
	}
	if cfg.Processing.Edge != edge.DefaultParams() {
		t.Errorf("edge: got %+v, want %+v", cfg.Processing.Edge, edge.DefaultParams())
	}

	s, err := cfg.Processing.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if !s.Signal.Empty() || !s.Background.Empty() {
		t.Errorf("default ROIs should be empty, got %+v", s)
	}
}

func TestLoad_Full(t *testing.T) {
	p := writeConfig(t, `processing:
  input_stream: "ws://cam:9000/"
  receive_timeout: 500ms
  input_queue_size: 10
  start_timeout: 3s
  roi_signal: [0, 1024, 0, 1024]
  roi_background: []
  measurement_cadence: 2
  background_window: 8
  edge:
    step_length: 40
    type: rising
    refinement: 2
output:
  data_port: 9000
  image_port: 9001
  queue_size: 5
  send_retry_interval: 20ms
  image_max_rate: 10
  image_dtype: float64
api:
  port: 12000
  prefix: /psen
  auth:
    mode: apikey
    key_env: PSEN_KEY
log:
  level: debug
  file: /tmp/psen.log
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Processing.ReceiveTimeout != 500*time.Millisecond {
		t.Errorf("receive_timeout: got %v", cfg.Processing.ReceiveTimeout)
	}
	if cfg.Processing.BackgroundWindow != 8 {
		t.Errorf("background_window: got %d", cfg.Processing.BackgroundWindow)
	}
	want := edge.Params{StepLength: 40, Type: edge.Rising, Refinement: 2}
	if cfg.Processing.Edge != want {
		t.Errorf("edge: got %+v, want %+v", cfg.Processing.Edge, want)
	}
	if cfg.Output.ImageMaxRate != 10 || cfg.Output.ImageDType != "float64" {
		t.Errorf("output: got %+v", cfg.Output)
	}
	if cfg.API.Prefix != "/psen" || cfg.API.Auth.Mode != "apikey" {
		t.Errorf("api: got %+v", cfg.API)
	}
	if cfg.Log.SlogLevel() != slog.LevelDebug {
		t.Errorf("log level: got %v", cfg.Log.SlogLevel())
	}

	s, err := cfg.Processing.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if s.Signal != (roi.ROI{OffsetX: 0, SizeX: 1024, OffsetY: 0, SizeY: 1024}) {
		t.Errorf("roi_signal: got %v", s.Signal)
	}
	if !s.Background.Empty() {
		t.Errorf("roi_background: got %v, want empty", s.Background)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{"bad roi length", "processing:\n  roi_signal: [1, 2, 3]\n", "roi_signal"},
		{"bad roi size", "processing:\n  roi_background: [0, 0, 0, 1]\n", "roi_background"},
		{"zero cadence", "processing:\n  measurement_cadence: 0\n", "measurement_cadence"},
		{"bad edge type", "processing:\n  edge:\n    type: sideways\n", "processing.edge"},
		{"port range", "api:\n  port: 70000\n", "api.port"},
		{"same output ports", "output:\n  data_port: 9000\n  image_port: 9000\n", "must differ"},
		{"dtype", "output:\n  image_dtype: int32\n", "image_dtype"},
		{"auth mode", "api:\n  auth:\n    mode: oauth\n", "api.auth.mode"},
		{"prefix", "api:\n  prefix: psen\n", "api.prefix"},
		{"log level", "log:\n  level: loud\n", "log.level"},
		{"negative timeout", "processing:\n  receive_timeout: -1s\n", "receive_timeout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.msg) {
				t.Errorf("error %q does not mention %q", err, tc.msg)
			}
		})
	}
}

func TestLoad_InvalidROIWrapsErrInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "processing:\n  roi_signal: [-1, 2, 0, 1]\n"))
	if !errors.Is(err, roi.ErrInvalid) {
		t.Fatalf("err: got %v, want roi.ErrInvalid", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestAuthConfig_Key(t *testing.T) {
	t.Setenv("PSEN_TEST_KEY", "s3cret")
	a := AuthConfig{KeyEnv: "PSEN_TEST_KEY"}
	if a.Key() != "s3cret" {
		t.Errorf("Key: got %q", a.Key())
	}
	if a.EffectiveHeader() != "X-API-Key" {
		t.Errorf("EffectiveHeader: got %q", a.EffectiveHeader())
	}
	if (AuthConfig{}).Key() != "" {
		t.Error("Key without key_env should be empty")
	}
}

// watchROI runs WatchROI on the config at p and returns the settings it applies.
func watchROI(t *testing.T, p string) <-chan roi.Settings {
	t.Helper()
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	applied := make(chan roi.Settings, 8)
	errc := make(chan error, 1)
	go func() {
		errc <- WatchROI(ctx, p, cfg.Processing, func(s roi.Settings) error {
			applied <- s
			return nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("WatchROI: %v", err)
		}
	})

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	return applied
}

func rewrite(t *testing.T, p, content string) {
	t.Helper()
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestWatchROI_AppliesROIChange(t *testing.T) {
	p := writeConfig(t, "processing:\n  roi_signal: []\n")
	applied := watchROI(t, p)

	// An invalid write is ignored.
	rewrite(t, p, "processing:\n  roi_signal: [1]\n")
	time.Sleep(200 * time.Millisecond)
	rewrite(t, p, "processing:\n  roi_signal: [0, 10, 0, 10]\n")

	select {
	case s := <-applied:
		if want := (roi.Settings{Signal: roi.ROI{SizeX: 10, SizeY: 10}}); s != want {
			t.Errorf("applied %+v, want %+v", s, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatchROI_IgnoresChangesOutsideROIs(t *testing.T) {
	p := writeConfig(t, "processing:\n  roi_signal: [0, 10, 0, 10]\nlog:\n  level: info\n")
	applied := watchROI(t, p)

	rewrite(t, p, "processing:\n  roi_signal: [0, 10, 0, 10]\nlog:\n  level: debug\n")
	time.Sleep(200 * time.Millisecond)
	rewrite(t, p, "processing:\n  roi_signal: [0, 10, 0, 10]\n  background_window: 8\nlog:\n  level: debug\n")
	time.Sleep(300 * time.Millisecond)

	select {
	case s := <-applied:
		t.Fatalf("unexpected apply %+v", s)
	default:
	}

	// The watch is still live for a real ROI edit.
	rewrite(t, p, "processing:\n  roi_signal: [0, 20, 0, 10]\n  background_window: 8\n")
	select {
	case s := <-applied:
		if s.Signal.SizeX != 20 {
			t.Errorf("applied signal %+v, want size_x 20", s.Signal)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatchROI_FollowsRenameSave(t *testing.T) {
	p := writeConfig(t, "processing:\n  roi_signal: []\n")
	applied := watchROI(t, p)

	tmp := filepath.Join(filepath.Dir(p), ".config.yaml.swp")
	rewrite(t, tmp, "processing:\n  roi_background: [0, 5, 0, 5]\n")
	if err := os.Rename(tmp, p); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-applied:
		if want := (roi.Settings{Background: roi.ROI{SizeX: 5, SizeY: 5}}); s != want {
			t.Errorf("applied %+v, want %+v", s, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed after rename")
	}
}

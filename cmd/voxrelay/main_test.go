package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/vox-relay-service/internal/audio"
	"github.com/skypro1111/vox-relay-service/internal/capture"
	"github.com/skypro1111/vox-relay-service/internal/config"
	"github.com/skypro1111/vox-relay-service/internal/vox"
)

func TestInitLoggerLevels(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		logger := initLogger(config.LoggingConfig{Level: tt.level, Format: "text", Output: "stderr"})
		if !logger.Enabled(context.Background(), tt.expected) {
			t.Errorf("Level %s: expected %v to be enabled", tt.level, tt.expected)
		}
		if tt.expected > slog.LevelDebug && logger.Enabled(context.Background(), tt.expected-1) {
			t.Errorf("Level %s: expected levels below %v to be disabled", tt.level, tt.expected)
		}
	}
}

func TestInitLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxrelay.log")
	logger := initLogger(config.LoggingConfig{Level: "info", Format: "json", Output: path, MaxSizeMB: 1})

	logger.Info("Service starting", slog.String("service", serviceName))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected log file to be written: %v", err)
	}
	if !bytes.Contains(data, []byte(`"service":"vox-relay-service"`)) {
		t.Errorf("Expected JSON log line with service name, got %s", data)
	}
}

func TestNewSource(t *testing.T) {
	cfg := config.Default().Capture

	if _, ok := newSource(cfg, initLogger(config.LoggingConfig{Output: "stderr"})).(*capture.PortAudio); !ok {
		t.Errorf("Expected portaudio source by default")
	}

	cfg.Source = "udp"
	src := newSource(cfg, initLogger(config.LoggingConfig{Output: "stderr"}))
	if _, ok := src.(*capture.UDP); !ok {
		t.Errorf("Expected udp source, got %T", src)
	}
	if !strings.EqualFold(src.Name(), "udp") {
		t.Errorf("Expected name udp, got %s", src.Name())
	}
}

func TestNewRecorderConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Capture.Device = 3
	cfg.Vox.Convention = "reference"
	cfg.Vox.MaxSessionSeconds = 2

	rc, err := newRecorderConfig(cfg)
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	if rc.Device != 3 || rc.Format != audio.DetectionFormat {
		t.Errorf("Expected device 3 in the detection format, got %d %v", rc.Device, rc.Format)
	}
	if rc.Tick != time.Second || rc.QueueSize != 4 {
		t.Errorf("Expected 1s tick and queue 4, got %v %d", rc.Tick, rc.QueueSize)
	}
	if rc.Vox.Convention != vox.ConventionReference || rc.Vox.MaxSessionBytes != 32000 {
		t.Errorf("Expected reference convention capped at 32000 bytes, got %+v", rc.Vox)
	}
	if err := rc.Validate(); err != nil {
		t.Errorf("Expected recorder config to be valid, got: %v", err)
	}

	cfg.Vox.Convention = "absolute"
	if _, err := newRecorderConfig(cfg); err == nil {
		t.Errorf("Expected error for unknown convention but got none")
	}
}

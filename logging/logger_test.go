package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MonoDevPro/Godot2D-FloorsLevels/config"
)

func TestNewWritesToFile(t *testing.T) {
	cfg := config.Default().Logging
	cfg.File = filepath.Join(t.TempDir(), "test.log")
	cfg.Level = "info"

	log, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Named("peers").Infow("peer connected", "peer", 3)
	log.Debug("filtered out")
	Sync(log)

	data, err := os.ReadFile(cfg.File)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "peer connected") || !strings.Contains(out, "peers") {
		t.Errorf("log output missing entry: %q", out)
	}
	if strings.Contains(out, "filtered out") {
		t.Errorf("debug entry written at info level: %q", out)
	}
}

func TestNewRejectsBadLevelAndFormat(t *testing.T) {
	cfg := config.Default().Logging
	cfg.File = ""
	cfg.Level = "loud"
	if _, err := New(cfg); err == nil {
		t.Error("expected error for unknown level")
	}
	cfg.Level = "info"
	cfg.Format = "xml"
	if _, err := New(cfg); err == nil {
		t.Error("expected error for unknown format")
	}
}

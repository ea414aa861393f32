package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/zeroc-ice/ice-sub030/pkg/config"
)

func TestFileOutputJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "wire.log")
	logger, err := SetupLogger(config.LogConfig{Level: "warn", Format: "json", Outputs: []string{path}})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer zap.ReplaceGlobals(zap.NewNop())
	logger.Info("dropped")
	logger.Warn("accept failed", zap.String("protocol", "bt"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one entry above the level, got %q", data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("entry is not json: %v", err)
	}
	if entry["msg"] != "accept failed" || entry["protocol"] != "bt" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestRotatingOutput(t *testing.T) {
	dir := t.TempDir()
	c := config.LogConfig{
		Level:   "debug",
		Outputs: []string{"ignored.log"},
		Rotation: config.RotationConfig{
			Enable:   true,
			Filename: filepath.Join(dir, "rotated.log"),
		},
	}
	logger, err := SetupLogger(c)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer zap.ReplaceGlobals(zap.NewNop())
	logger.Debug("handshake completed")
	_ = logger.Sync()
	if _, err := os.Stat(filepath.Join(dir, "rotated.log")); err != nil {
		t.Fatalf("rotation file not written: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("WARNING") != zap.WarnLevel || ParseLevel("bogus") != zap.InfoLevel {
		t.Fatalf("unexpected level mapping")
	}
}

package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug", false).With().Str("component", "resolver").Logger()
	l.Debug().Uint64("height", 7).Msg("dispatch")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["component"] != "resolver" {
		t.Errorf("component = %v, want resolver", entry["component"])
	}
	if entry["height"] != float64(7) {
		t.Errorf("height = %v, want 7", entry["height"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", false)
	l.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}
}

func TestInit_File(t *testing.T) {
	saved := Logger
	t.Cleanup(func() { setRoot(saved) })

	path := filepath.Join(t.TempDir(), "node.log")
	if err := Init("info", true, path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Resolver.Info().Msg("resolver started")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"component":"resolver"`) {
		t.Fatalf("log file = %s, want resolver component", data)
	}
}

func TestInit_BadFile(t *testing.T) {
	saved := Logger
	t.Cleanup(func() { setRoot(saved) })

	if err := Init("info", false, filepath.Join(t.TempDir(), "missing", "node.log")); err == nil {
		t.Fatal("Init() with unwritable path should fail")
	}
}

func TestShortPeer(t *testing.T) {
	if got := ShortPeer("12D3KooWabcdefghijklmnop"); got != "12D3KooWabcdefgh" {
		t.Errorf("ShortPeer = %q", got)
	}
	if got := ShortPeer("short"); got != "short" {
		t.Errorf("ShortPeer = %q", got)
	}
}

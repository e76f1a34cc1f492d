package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestTranscriptWriter_WithDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	w := cfg.TranscriptWriter("ml")
	if w == nil {
		t.Fatal("expected a writer when Dir is set")
	}
	_, _ = w.Write([]byte("Proceeding to deploy MARKLOGIC in DEV-FULL\n"))
	closeIf(w)
	b, err := os.ReadFile(filepath.Join(dir, "ml.log"))
	if err != nil {
		t.Fatalf("transcript not created: %v", err)
	}
	if !strings.Contains(string(b), "MARKLOGIC") {
		t.Fatalf("unexpected transcript: %q", b)
	}
}

func TestTranscriptWriter_Disabled(t *testing.T) {
	if w := (Config{}).TranscriptWriter("ml"); w != nil {
		t.Fatal("expected nil writer without Dir")
	}
}

func TestRotationDefaultsAndOverrides(t *testing.T) {
	w := Config{File: FileConfig{Dir: t.TempDir()}}.TranscriptWriter("n")
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}

	cfg := Config{File: FileConfig{Dir: t.TempDir(), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	l = cfg.TranscriptWriter("n").(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestNewSloggerTo_JSON(t *testing.T) {
	var buf bytes.Buffer
	lg := Config{Slog: SlogConfig{Level: LevelDebug, Format: FormatJSON}}.NewSloggerTo(&buf)
	lg.Debug("run started", "job", "ml")
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if m["msg"] != "run started" || m["job"] != "ml" {
		t.Fatalf("unexpected record: %v", m)
	}
	if _, ok := m["time"]; ok {
		t.Fatal("time should be dropped without TimeStamps")
	}
}

func TestNewSloggerTo_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	lg := Config{Slog: SlogConfig{Level: LevelWarn}}.NewSloggerTo(&buf)
	lg.Info("hidden")
	lg.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	lg := Config{Slog: SlogConfig{Color: true}}.NewSloggerTo(&buf)
	lg.With("job", "fr").Error("run failed")
	out := buf.String()
	// the text handler may escape ESC, so match the rest of the sequence
	if !strings.Contains(out, "[31mERROR") {
		t.Fatalf("missing color prefix: %q", out)
	}
	if !strings.Contains(out, "job=fr") {
		t.Fatalf("attrs lost through With: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped: %q", out)
	}
}

func TestNewSlogger_FilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployr.log")
	lg, closer := Config{Slog: SlogConfig{Path: path}}.NewSlogger()
	lg.Info("hello file")
	closeIf(closer)
	b, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(b), "hello file") {
		t.Fatalf("log file: %q %v", b, err)
	}
}

package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skobkin/fieldsync/internal/config"
)

func TestFanoutWriter_ContinuesWhenOneDestinationFails(t *testing.T) {
	var dst bytes.Buffer
	w := newFanoutWriter(errorWriter{err: errors.New("broken stdout")}, &dst)

	n, err := w.Write([]byte("test"))
	if err != nil {
		t.Fatalf("write returned error: %v", err)
	}
	if n != len("test") {
		t.Fatalf("unexpected bytes written: got %d, want %d", n, len("test"))
	}
	if got := dst.String(); got != "test" {
		t.Fatalf("unexpected destination contents: got %q", got)
	}
}

func TestFanoutWriter_FailsWhenAllDestinationsFail(t *testing.T) {
	w := newFanoutWriter(errorWriter{err: errors.New("a")}, errorWriter{err: errors.New("b")})

	if _, err := w.Write([]byte("test")); err == nil || err.Error() != "a" {
		t.Fatalf("expected first error, got %v", err)
	}
}

func TestManagerConfigure_WritesJSONToLogFile(t *testing.T) {
	origDefault := slog.Default()
	t.Cleanup(func() { slog.SetDefault(origDefault) })

	var stdout bytes.Buffer
	logPath := filepath.Join(t.TempDir(), "app.log")
	m := NewManager()
	m.stdout = &stdout
	t.Cleanup(func() { _ = m.Close() })

	cfg := config.LoggingConfig{Level: "debug", Format: "json", LogToFile: true}
	if err := m.Configure(cfg, logPath); err != nil {
		t.Fatalf("configure manager: %v", err)
	}

	m.Logger("offline").Debug("file must receive this message", "retry_count", 2)

	if err := m.Close(); err != nil {
		t.Fatalf("close manager: %v", err)
	}

	cleanLogPath := filepath.Clean(logPath)
	// #nosec G304 -- logPath is created from t.TempDir() in this test.
	raw, err := os.ReadFile(cleanLogPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(raw, []byte(`"component":"offline"`)) {
		t.Fatalf("log file does not contain component attr, contents: %q", string(raw))
	}
	if !strings.Contains(stdout.String(), "file must receive this message") {
		t.Fatalf("stdout does not contain message, contents: %q", stdout.String())
	}
}

func TestManagerConfigure_RejectsUnknownLevelAndFormat(t *testing.T) {
	m := NewManager()
	if err := m.Configure(config.LoggingConfig{Level: "loud"}, ""); err == nil {
		t.Fatalf("expected level error")
	}
	if err := m.Configure(config.LoggingConfig{Level: "info", Format: "xml"}, ""); err == nil {
		t.Fatalf("expected format error")
	}
}

func TestManagerRedactsSecretAttributes(t *testing.T) {
	origDefault := slog.Default()
	t.Cleanup(func() { slog.SetDefault(origDefault) })

	var stdout bytes.Buffer
	m := NewManager()
	m.stdout = &stdout
	if err := m.Configure(config.LoggingConfig{Level: "info", Format: "json"}, ""); err != nil {
		t.Fatalf("configure manager: %v", err)
	}

	m.Logger("auth").Info("login", "user", "alice", "password", "hunter2", "Access_Token", "eyJabc")

	out := stdout.String()
	if strings.Contains(out, "hunter2") || strings.Contains(out, "eyJabc") {
		t.Fatalf("secret leaked into log output: %q", out)
	}
	if !strings.Contains(out, `"user":"alice"`) || !strings.Contains(out, redacted) {
		t.Fatalf("unexpected log output: %q", out)
	}
}

type errorWriter struct {
	err error
}

func (w errorWriter) Write(_ []byte) (int, error) {
	return 0, w.err
}

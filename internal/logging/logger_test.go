package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"faculty/internal/logging"
)

func TestNewLogger_JSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewLogger(logging.Options{Level: "warn", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hidden")
	logger.With("endpoint", "e1").Warn("shown", "id", "m1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"endpoint":"e1"`) || !strings.Contains(out, `"id":"m1"`) {
		t.Fatalf("missing attributes: %s", out)
	}
}

func TestNewLogger_RejectsUnknownFormat(t *testing.T) {
	if _, err := logging.NewLogger(logging.Options{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{" warning ", slog.LevelWarn},
		{"error", slog.LevelError},
	} {
		got, err := logging.ParseLevel(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := logging.NewLogger(logging.Options{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestComponent_TagsRecords(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewLogger(logging.Options{Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logging.Component(logger, "events").Info("relay")
	if !strings.Contains(buf.String(), `"component":"events"`) {
		t.Fatalf("missing component attribute: %s", buf.String())
	}
}

func TestFromContext_RoundTrip(t *testing.T) {
	logger := logging.Discard()
	ctx := logging.WithLogger(context.Background(), logger)
	if got := logging.FromContext(ctx); got != logger {
		t.Fatalf("expected stored logger back")
	}
	if logging.FromContext(context.Background()) == nil {
		t.Fatalf("expected fallback logger")
	}
}

package console

import (
	"bytes"
	"strings"
	"testing"
)

func TestConsoleLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Level: "warn", Output: &buf})

	l.Info("hidden")
	l.Warn("shown", "type", "Artifact")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "Artifact") {
		t.Fatalf("expected warn message with keyvals, got %q", out)
	}
}

func TestConsoleLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Level: "debug", Format: "json", Output: &buf})

	l.Debug("page fetched", "records", 10)

	out := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(out, "{") || !strings.Contains(out, `"msg":"page fetched"`) {
		t.Fatalf("expected json line, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "debug"},
		{"WARN", "warn"},
		{"warning", "warn"},
		{"error", "error"},
		{"", "info"},
		{"verbose", "info"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			if got := parseLevel(tc.in).String(); got != tc.want {
				t.Fatalf("parseLevel(%q) = %s, want %s", tc.in, got, tc.want)
			}
		})
	}
}

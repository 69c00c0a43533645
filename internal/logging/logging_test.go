package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_JSONLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "json", "gsd-test")
	l.Info().Msg("hidden")
	c := Component(l, "runner")
	c.Warn().Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("want 1 line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("json: %v", err)
	}
	if rec["app"] != "gsd-test" || rec["component"] != "runner" || rec["message"] != "shown" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "loud", "console", "gsd-test")
	l.Debug().Msg("hidden")
	l.Info().Msg("visible")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "visible") {
		t.Fatalf("unexpected output: %q", out)
	}
}

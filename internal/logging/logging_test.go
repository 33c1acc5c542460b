package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNormalizeLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"WARNING", "warn"},
		{"off", "disable"},
		{"", "info"},
		{" debug ", "debug"},
	}
	for _, tt := range tests {
		if got := normalizeLevel(tt.in); got != tt.want {
			t.Errorf("normalizeLevel(%q) got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewWritesPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New("[TEST] ", "info")
	l.SetOutput(&buf)
	l.Debugf("hidden")
	l.Infof("visible %d", 1)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %q", out)
	}
	if !strings.Contains(out, "[TEST] ") || !strings.Contains(out, "visible 1") {
		t.Fatalf("unexpected output %q", out)
	}
}

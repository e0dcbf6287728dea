package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/time/rate"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "quota"))

	log.Debug("hidden")
	log.Warn("denied", Int("max", 3), Err(nil), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["comp"] != "quota" || m["max"] != float64(3) || m["err"] != "boom" || m["level"] != "warn" {
		t.Fatalf("line = %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	zero.Info("dropped")
	if Nop().IsZero() {
		t.Fatalf("Nop is configured")
	}
	if Nop().Enabled(LevelError) {
		t.Fatalf("Nop must not be enabled")
	}
}

func TestServiceApplySwitchesFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	log.Info("one")

	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: second}})
	log.Info("suppressed")
	log.Error("two")

	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if !strings.Contains(string(a), `"one"`) || strings.Contains(string(a), "two") {
		t.Fatalf("a.log = %s", a)
	}
	if !strings.Contains(string(b), `"two"`) || strings.Contains(string(b), "suppressed") {
		t.Fatalf("b.log = %s", b)
	}
	if log.Enabled(LevelWarn) {
		t.Fatalf("level should follow Apply")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"warning": LevelWarn, " TRACE ": LevelTrace, "": LevelInfo, "nope": LevelInfo}
	for in, want := range cases {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestThrottlePerKey(t *testing.T) {
	th := NewThrottle(rate.Limit(1.0/3600), 1)
	if !th.Allow("send") || th.Allow("send") {
		t.Fatalf("second send line should be throttled")
	}
	if !th.Allow("lookup") {
		t.Fatalf("keys are independent")
	}
	var nilT *Throttle
	if !nilT.Allow("x") {
		t.Fatalf("nil throttle allows everything")
	}
}

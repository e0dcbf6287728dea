package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 15s
logging:
  level: debug
  console: true
quota:
  window: 1h
  global: 40
  send: 10
executor:
  max_attempts: 4
  base_delay: 12s
conversation:
  reply_timeout: 45m
  templates:
    initial: "Hi {name}"
fallback:
  enabled: false
targets: [alice, bob]
topic: gardening
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.PollTimeout != "15s" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Quota.Global != 40 || cfg.Quota.Send != 10 || cfg.Quota.Lookup != 0 {
		t.Fatalf("quota = %+v", cfg.Quota)
	}
	if cfg.Executor.MaxAttempts != 4 || cfg.Conversation.Templates.Initial != "Hi {name}" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Fallback.On() {
		t.Fatalf("fallback should be disabled")
	}
	if len(cfg.Targets) != 2 || cfg.Topic != "gardening" {
		t.Fatalf("targets = %v topic = %q", cfg.Targets, cfg.Topic)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.yaml":  "telegram:\n  token: x\n  owner_user_ids: [1]\n",
		"trailing.json": `{"telegram":{"token":"x"}} {"x":1}`,
		"broken.yml":    "telegram: [",
	}
	for name, body := range cases {
		p := writeFile(t, dir, name, body)
		if _, err := NewConfigManager(p).Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestFallbackDefaultsOn(t *testing.T) {
	p := writeFile(t, t.TempDir(), "c.json", `{"telegram":{"token":"x"}}`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Fallback.On() {
		t.Fatalf("omitted fallback section must stay enabled")
	}
}

func TestReloadPublishesOnlyChangedValidConfigs(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"telegram":{"token":"x"},"quota":{"global":10}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Quota.Global < 0 {
			return errors.New("quota.global must be >= 0")
		}
		return nil
	})
	sub := m.Subscribe(4)
	ctx := context.Background()

	if m.reload(ctx) {
		t.Fatalf("unchanged content must not publish")
	}
	writeFile(t, dir, "c.json", `{"telegram":{"token":"x"},"quota":{"global":-1}}`)
	if m.reload(ctx) {
		t.Fatalf("invalid config must not publish")
	}
	writeFile(t, dir, "c.json", `{"telegram":{"token":"x"},"quota":{"global":25}}`)
	if !m.reload(ctx) {
		t.Fatalf("changed config should publish")
	}
	got := <-sub
	if got.Quota.Global != 25 || m.Get().Quota.Global != 25 {
		t.Fatalf("published %+v", got.Quota)
	}

	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("unsubscribed channel should be closed")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused")
	sub := m.Subscribe(1)
	m.publish(&Config{Topic: "first"})
	m.publish(&Config{Topic: "second"})
	if got := <-sub; got.Topic != "second" {
		t.Fatalf("got %q, want second", got.Topic)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"telegram":{"token":"x"}}`)
	m := NewConfigManager(p)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		// Keep writing until the watcher is up and sees a change.
		writeFile(t, dir, "c.json", `{"telegram":{"token":"x"},"topic":"t`+strings.Repeat("x", i)+`"}`)
		select {
		case cfg := <-sub:
			if !strings.HasPrefix(cfg.Topic, "t") {
				t.Fatalf("unexpected topic %q", cfg.Topic)
			}
			return
		case <-deadline:
			t.Fatalf("no reload observed")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{Telegram: TelegramConfig{Token: "secret"}, Quota: QuotaConfig{Global: 10}}
	cur := &Config{Telegram: TelegramConfig{Token: "secret"}, Quota: QuotaConfig{Global: 20}, Storage: &StorageConfig{Driver: "file"}}

	sections, attrs := SummarizeConfigChange(old, cur)
	if strings.Join(sections, ",") != "storage,quota" {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if r := RestartRequired(sections); len(r) != 1 || r[0] != "storage" {
		t.Fatalf("RestartRequired = %v", r)
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("90s: %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative must fail")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil || !strings.Contains(err.Error(), "x:") {
		t.Fatalf("bad duration: %v", err)
	}
}

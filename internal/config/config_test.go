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
logging:
  level: debug
  console: true
highlight:
  username: alice
  follow_up: true
  rules:
    - "w:deploy"
    - "user:bob"
  categories:
    vip: [carol]
notifications:
  corner: top-left
  max_items: 3
  display_time: 8s
sources:
  stdin: true
overlay:
  enabled: true
  addr: 127.0.0.1:0
storage:
  driver: file
  path: ./data/chatalert
  retention: 720h
housekeeping:
  enabled: true
  prune_schedule: "0 3 * * *"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if cfg.Highlight.Username != "alice" || !cfg.Highlight.FollowUp {
		t.Fatalf("highlight = %+v", cfg.Highlight)
	}
	if got := cfg.Highlight.Rules; len(got) != 2 || got[0] != "w:deploy" {
		t.Fatalf("rules = %v", got)
	}
	if got := cfg.Highlight.Categories["vip"]; len(got) != 1 || got[0] != "carol" {
		t.Fatalf("categories = %v", cfg.Highlight.Categories)
	}
	if !cfg.Highlight.HighlightUsernameEnabled() {
		t.Fatal("HighlightUsernameEnabled() = false, want default true")
	}
	if cfg.Notifications.MaxItems == nil || *cfg.Notifications.MaxItems != 3 {
		t.Fatalf("max_items = %v, want 3", cfg.Notifications.MaxItems)
	}
	if cfg.Storage == nil || cfg.Storage.Retention != "720h" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown key", "c.json", `{"highlight":{"rulez":[]}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad duration", "c.json", `{"notifications":{"display_time":"soon"}}`, "notifications.display_time"},
		{"negative duration", "c.json", `{"storage":{"driver":"file","path":"x","retention":"-1h"}}`, "storage.retention"},
		{"missing token", "c.json", `{"sources":{"telegram":true}}`, "telegram.token"},
		{"forward without chat", "c.json", `{"telegram":{"token":"t"},"forwarding":{"enabled":true}}`, "forwarding.chat_id"},
		{"unknown driver", "c.json", `{"storage":{"driver":"mongo"}}`, "unknown driver"},
		{"empty screen", "c.json", `{"display":{"screens":[{"width":0,"height":10}]}}`, "display.screens[0]"},
		{"bad yaml", "c.yml", "highlight: [", "yaml"},
		{"two documents", "c.yaml", "logging: {level: info}\n---\nlogging: {level: debug}\n", "more than one document"},
		{"log format", "c.json", `{"logging":{"format":"xml"}}`, "logging.format"},
	}
	for _, tt := range tests {
		_, err := Decode(tt.file, []byte(tt.body))
		if err == nil {
			t.Errorf("%s: Decode() = nil, want error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: Decode() = %v, want it to mention %q", tt.name, err, tt.want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, false},
		{"0s", 5 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"-1s", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x", tt.raw, 5*time.Second)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDurationOrDefault(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDurationOrDefault(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseDurationForms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"30d", 30 * 24 * time.Hour, false},
		{" 1h30m ", 90 * time.Minute, false},
		{"0d", 0, false},
		{"-2d", 0, true},
		{"1.5d", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("storage.retention", tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseDurationField(%q) = %v, %v; want %v (err %v)", tt.raw, got, err, tt.want, tt.wantErr)
		}
	}

	if d, _ := ParseDurationIfSet("x", "0s", time.Minute); d != 0 {
		t.Errorf("ParseDurationIfSet(0s) = %v, want 0", d)
	}
	if d, _ := ParseDurationIfSet("x", "", time.Minute); d != time.Minute {
		t.Errorf("ParseDurationIfSet(\"\") = %v, want default", d)
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("c.yaml", []byte("\xEF\xBB\xBF# nothing configured\n"))
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if len(cfg.Highlight.Rules) != 0 {
		t.Fatalf("rules = %v, want none", cfg.Highlight.Rules)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"highlight":{"rules":["ping"]}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("Reload(unchanged) = %v, want ErrUnchanged", err)
	}

	writeFile(t, dir, "config.json", `{"highlight":{"rules":["ping","pong"]}}`)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if len(cfg.Highlight.Rules) > 2 {
			return errors.New("too many rules")
		}
		return nil
	})
	cfg, err := m.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	if len(cfg.Highlight.Rules) != 2 || len(m.Get().Highlight.Rules) != 2 {
		t.Fatalf("committed rules = %v", m.Get().Highlight.Rules)
	}
	select {
	case got := <-sub:
		if got != cfg {
			t.Fatal("subscriber got a different config")
		}
	default:
		t.Fatal("subscriber got nothing")
	}

	writeFile(t, dir, "config.json", `{"highlight":{"rules":["a","b","c"]}}`)
	if _, err := m.Reload(context.Background()); err == nil || !strings.Contains(err.Error(), "too many rules") {
		t.Fatalf("Reload(rejected) = %v", err)
	}
	if got := len(m.Get().Highlight.Rules); got != 2 {
		t.Fatalf("rejected config was committed: %d rules", got)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatal("slow subscriber did not receive the newest config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "highlight:\n  rules: [one]\n")
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Rewrite until the watcher (started asynchronously) notices.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if len(cfg.Highlight.Rules) != 2 {
				t.Fatalf("reloaded rules = %v", cfg.Highlight.Rules)
			}
			cancel()
			<-done
			return
		case <-tick.C:
			writeFile(t, dir, "config.yaml", "highlight:\n  rules: [one, two]\n")
		case <-deadline:
			t.Fatal("watch never published the change")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	old := &Config{Telegram: TelegramConfig{Token: "secret-1"}}
	cur := &Config{
		Telegram:  TelegramConfig{Token: "secret-2"},
		Highlight: HighlightConfig{Rules: []string{"x"}},
		Storage:   &StorageConfig{Driver: "file", Path: "p"},
	}
	changed, attrs := SummarizeConfigChange(old, cur)
	want := []string{"highlight", "storage", "telegram"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if got := RestartRequired(changed); strings.Join(got, ",") != "storage,telegram" {
		t.Fatalf("RestartRequired() = %v", got)
	}

	if changed, _ := SummarizeConfigChange(cur, cur); len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}
}

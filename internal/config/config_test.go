package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
channel:
  driver: console
logging:
  level: debug
  console: true
scheduler:
  timezone: Europe/Oslo
  missed_policy: fire
  retention_schedule: "@daily"
task_engine:
  workers: 3
storage:
  driver: sqlite
  path: ./data/remindbot.db
chat:
  enabled: true
  allowed_contacts: ["42", "7"]
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode err=%v", err)
	}
	if cfg.Scheduler.MissedPolicy != "fire" || cfg.Scheduler.Timezone != "Europe/Oslo" {
		t.Fatalf("scheduler=%+v", cfg.Scheduler)
	}
	if cfg.TaskEngine == nil || cfg.TaskEngine.Workers != 3 {
		t.Fatalf("task_engine=%+v", cfg.TaskEngine)
	}
	if len(cfg.Chat.AllowedContacts) != 2 || cfg.Chat.AllowedContacts[1] != "7" {
		t.Fatalf("chat=%+v", cfg.Chat)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		path string
		body string
		want string
	}{
		{"unknown field", "c.json", `{"channel":{"driver":"console"},"plugins":{}}`, "unknown field"},
		{"trailing data", "c.json", `{"channel":{"driver":"console"}}{}`, "trailing data"},
		{"bad policy", "c.json", `{"channel":{"driver":"console"},"scheduler":{"missed_policy":"retry"}}`, "scheduler.missed_policy"},
		{"bad duration", "c.json", `{"channel":{"driver":"console"},"http":{"read_timeout":"soon"}}`, "http.read_timeout"},
		{"telegram without token", "c.json", `{}`, "channel.token"},
		{"bad yaml", "c.yml", "channel: [", "yaml"},
	}
	for _, tc := range cases {
		_, err := Decode(tc.path, []byte(tc.body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err=%v want %q", tc.name, err, tc.want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Channel: ChannelConfig{Driver: "telegram", Token: "a"},
		HTTP:    HTTPConfig{Enabled: true, Token: "old-secret"},
		Chat:    ChatConfig{Enabled: false},
	}
	newCfg := &Config{
		Channel: ChannelConfig{Driver: "telegram", Token: "b"},
		HTTP:    HTTPConfig{Enabled: true, Token: "new-secret"},
		Chat:    ChatConfig{Enabled: true},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if got := strings.Join(changed, ","); got != "channel,chat,http" {
		t.Fatalf("changed=%s", got)
	}
	if got := strings.Join(restart, ","); got != "channel" {
		t.Fatalf("restart=%s", got)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}

	if changed, _, _ := SummarizeConfigChange(oldCfg, oldCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("WriteFile err=%v", err)
		}
	}
	write(`{"channel":{"driver":"console"},"chat":{"enabled":false}}`)

	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load err=%v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if !cfg.Chat.Enabled {
				t.Fatalf("published stale config %+v", cfg.Chat)
			}
			if !m.Get().Chat.Enabled {
				t.Fatalf("Get not updated")
			}
			cancel()
			<-done
			return
		case <-tick.C:
			// Rewrite until the watcher is up and sees it.
			write(`{"channel":{"driver":"console"},"chat":{"enabled":true}}`)
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}

func TestSourceExpandsEnvRefs(t *testing.T) {
	t.Parallel()
	env := map[string]string{"BOT_TOKEN": "123:abc", "LLM_KEY": "sk-test"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	body := `
channel:
  driver: telegram
  token: ${BOT_TOKEN}
llm:
  api_key: "${LLM_KEY}"
chat:
  system_prompt: "costs $5, not ${LLM_KEY}x"
`
	jb, format, err := sourceJSON("c.yaml", []byte(body), lookup)
	if err != nil || format != "yaml" {
		t.Fatalf("sourceJSON format=%s err=%v", format, err)
	}
	out := string(jb)
	for _, want := range []string{`"token":"123:abc"`, `"api_key":"sk-test"`, `"system_prompt":"costs $5, not sk-testx"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}

	_, _, err = sourceJSON("c.json", []byte(`{"http":{"token":"${NOPE}"}}`), lookup)
	if err == nil || !strings.Contains(err.Error(), "http.token") || !strings.Contains(err.Error(), "NOPE") {
		t.Fatalf("unset ref err=%v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"", 0},
		{" 90s ", 90 * time.Second},
		{"1h30m", 90 * time.Minute},
		{"30d", 30 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"1d12h", 36 * time.Hour},
		{"1w2d", 9 * 24 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("retention.messages", tc.raw)
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %v err=%v want %v", tc.raw, got, err, tc.want)
		}
	}
	for _, raw := range []string{"soon", "-1h", "-2d", "1d-2h", "d", "999999999999w"} {
		if _, err := ParseDurationField("retention.messages", raw); err == nil || !strings.Contains(err.Error(), "retention.messages") {
			t.Fatalf("%q: err=%v", raw, err)
		}
	}
	if got, err := ParseDurationOrDefault("x", "0s", time.Minute); err != nil || got != time.Minute {
		t.Fatalf("default got %v err=%v", got, err)
	}
}

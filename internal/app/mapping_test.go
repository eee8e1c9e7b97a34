package app

import (
	"strings"
	"testing"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/task/scheduler"
)

func TestMapSchedulerConfigRetention(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want string
	}{
		{"", "@daily"},
		{"off", ""},
		{"Disabled", ""},
		{"0 3 * * *", "0 3 * * *"},
		{"6h", "6h"},
	}
	for _, tc := range cases {
		cfg := &config.Config{Scheduler: config.SchedulerConfig{RetentionSchedule: tc.raw}}
		got, err := mapSchedulerConfig(cfg)
		if err != nil {
			t.Fatalf("%q: err=%v", tc.raw, err)
		}
		if got.RetentionSchedule != tc.want {
			t.Fatalf("%q: schedule=%q want %q", tc.raw, got.RetentionSchedule, tc.want)
		}
		if got.ExecutedRetention != defaultRetention || got.MessageRetention != defaultRetention {
			t.Fatalf("%q: retention=%v/%v", tc.raw, got.ExecutedRetention, got.MessageRetention)
		}
		if got.MissedPolicy != scheduler.MissedNotify {
			t.Fatalf("%q: policy=%q", tc.raw, got.MissedPolicy)
		}
	}
}

func TestMapStorageDefaults(t *testing.T) {
	t.Parallel()
	got, err := mapStorageConfig(&config.Config{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got.Driver != "sqlite" || got.Path != "./remindbot.db" || got.BusyTimeout != time.Second {
		t.Fatalf("storage=%+v", got)
	}
	got, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "file"}})
	if err != nil || got.Path != "./remindbot_store" {
		t.Fatalf("file storage=%+v err=%v", got, err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	base := func() *config.Config {
		return &config.Config{Channel: config.ChannelConfig{Driver: "console"}}
	}
	cases := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"timezone", func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"retention schedule", func(c *config.Config) { c.Scheduler.RetentionSchedule = "every tuesday" }, "scheduler.retention_schedule"},
		{"negative workers", func(c *config.Config) { c.TaskEngine = &config.TaskEngineConfig{Workers: -1} }, "task_engine"},
		{"retention", func(c *config.Config) { c.Retention.Messages = "a while" }, "retention.messages"},
	}
	if err := validate(base()); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(cfg)
		err := validate(cfg)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err=%v want %q", tc.name, err, tc.want)
		}
	}
}

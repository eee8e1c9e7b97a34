package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Config is the on-disk configuration (JSON or YAML).
//
// Duration fields are Go duration strings ("500ms", "10s", "24h"). Omitted
// sections fall back to runtime defaults.
type Config struct {
	Channel      ChannelConfig      `json:"channel"`
	Logging      LoggingConfig      `json:"logging"`
	LLM          LLMConfig          `json:"llm"`
	TimeParse    TimeParseConfig    `json:"timeparse"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	TaskEngine   *TaskEngineConfig  `json:"task_engine,omitempty"`
	Notifier     *NotifierConfig    `json:"notifier,omitempty"`
	Storage      StorageConfig      `json:"storage"`
	Retention    RetentionConfig    `json:"retention"`
	HTTP         HTTPConfig         `json:"http"`
	Chat         ChatConfig         `json:"chat"`
	Capabilities CapabilitiesConfig `json:"capabilities"`
	Systemd      SystemdConfig      `json:"systemd"`
}

// ChannelConfig selects the chat transport.
//
// Example:
//
//	"channel": { "driver": "telegram", "token": "123:abc", "admin_contact": "42" }
type ChannelConfig struct {
	Driver string `json:"driver"` // "telegram" (default) or "console"
	Token  string `json:"token,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// AdminContact receives WARN+ log lines when logging.channel is enabled.
	AdminContact string `json:"admin_contact,omitempty"`
}

type LoggingConfig struct {
	Level   string             `json:"level"`
	Console bool               `json:"console"`
	File    LoggingFile        `json:"file"`
	Channel LoggingChannelSink `json:"channel"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChannelSink struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`

	// RepeatWindow folds identical alerts into one summary ("1m" default).
	// Changing it needs a restart.
	RepeatWindow string `json:"repeat_window"`
}

// LLMConfig configures the completion provider used by chat replies,
// capabilities and the time-resolution fallback.
type LLMConfig struct {
	Provider    string        `json:"provider"` // "openai", "anthropic" or "none"
	BaseURL     string        `json:"base_url,omitempty"`
	APIKey      string        `json:"api_key,omitempty"`
	Model       string        `json:"model,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Timeout     string        `json:"timeout,omitempty"`
	RetryMax    int           `json:"retry_max,omitempty"`
	Breaker     BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	// TripFailures < 0 disables the breaker.
	TripFailures int    `json:"trip_failures,omitempty"`
	OpenTimeout  string `json:"open_timeout,omitempty"`
}

type TimeParseConfig struct {
	// Fallback enables the model-backed resolver after the rules miss.
	Fallback        bool    `json:"fallback"`
	FallbackTimeout string  `json:"fallback_timeout,omitempty"`
	MinConfidence   float64 `json:"min_confidence,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name (e.g. "Europe/Oslo"). Empty means Local.
	Timezone string `json:"timezone,omitempty"`
	// MissedPolicy is "skip", "notify" (default) or "fire".
	MissedPolicy string `json:"missed_policy,omitempty"`
	// RetentionSchedule is a cron expression, descriptor or interval.
	// Empty uses "@daily"; "off" disables the sweep.
	RetentionSchedule string `json:"retention_schedule,omitempty"`
	FireTimeout       string `json:"fire_timeout,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs fires.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - capability_concurrency: 0 (unbounded)
type TaskEngineConfig struct {
	Workers               int    `json:"workers,omitempty"`
	QueueSize             int    `json:"queue_size,omitempty"`
	DefaultTimeout        string `json:"default_timeout,omitempty"`
	MaxQueueDelay         string `json:"max_queue_delay,omitempty"`
	HistorySize           int    `json:"history_size,omitempty"`
	CapabilityConcurrency int    `json:"capability_concurrency,omitempty"`
}

// NotifierConfig controls outbound sends.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	Burst         int    `json:"burst,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindbot.db" }
type StorageConfig struct {
	Driver       string `json:"driver"` // "sqlite" (default) or "file"
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	CompactEvery int    `json:"compact_every,omitempty"`
}

type RetentionConfig struct {
	ExecutedTasks string `json:"executed_tasks,omitempty"` // default "720h"
	Messages      string `json:"messages,omitempty"`       // default "720h"
}

// HTTPConfig controls the task API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled        bool   `json:"enabled"`
	Addr           string `json:"addr,omitempty"`
	Token          string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure  bool   `json:"allow_insecure,omitempty"`
	Pprof          bool   `json:"pprof,omitempty"`
	ReadTimeout    string `json:"read_timeout,omitempty"`
	WriteTimeout   string `json:"write_timeout,omitempty"`
	IdleTimeout    string `json:"idle_timeout,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type ChatConfig struct {
	// Enabled turns on assistant replies to plain text.
	Enabled         bool     `json:"enabled"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	History         int      `json:"history,omitempty"`
	AllowedContacts []string `json:"allowed_contacts,omitempty"`
	DedupSize       int      `json:"dedup_size,omitempty"`
	Workers         int      `json:"workers,omitempty"`
	CommandTimeout  string   `json:"command_timeout,omitempty"`
}

type CapabilitiesConfig struct {
	// Enabled limits the built-in capabilities; empty enables all.
	Enabled      []string `json:"enabled,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// SystemdConfig controls sd_notify integration. It is a no-op outside a
// systemd unit with Type=notify.
type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// Validate checks enum fields and duration syntax. It does not touch the
// filesystem or network.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	oneOf := func(path, v string, allowed ...string) {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			return
		}
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: invalid value %q (want %s)", path, v, strings.Join(allowed, ", ")))
	}

	oneOf("channel.driver", c.Channel.Driver, "telegram", "console")
	if strings.EqualFold(strings.TrimSpace(c.Channel.Driver), "telegram") || strings.TrimSpace(c.Channel.Driver) == "" {
		if strings.TrimSpace(c.Channel.Token) == "" {
			errs = append(errs, errors.New("channel.token is required for the telegram driver"))
		}
	}
	oneOf("llm.provider", c.LLM.Provider, "openai", "openai-compatible", "deepseek", "anthropic", "claude", "none")
	oneOf("scheduler.missed_policy", c.Scheduler.MissedPolicy, "skip", "notify", "fire")
	oneOf("storage.driver", c.Storage.Driver, "sqlite", "sqlite3", "file")

	durations := map[string]string{
		"channel.poll_timeout":          c.Channel.PollTimeout,
		"logging.channel.repeat_window": c.Logging.Channel.RepeatWindow,
		"llm.timeout":                   c.LLM.Timeout,
		"llm.breaker.open_timeout":      c.LLM.Breaker.OpenTimeout,
		"timeparse.fallback_timeout":    c.TimeParse.FallbackTimeout,
		"scheduler.fire_timeout":        c.Scheduler.FireTimeout,
		"storage.busy_timeout":          c.Storage.BusyTimeout,
		"retention.executed_tasks":      c.Retention.ExecutedTasks,
		"retention.messages":            c.Retention.Messages,
		"http.read_timeout":             c.HTTP.ReadTimeout,
		"http.write_timeout":            c.HTTP.WriteTimeout,
		"http.idle_timeout":             c.HTTP.IdleTimeout,
		"http.request_timeout":          c.HTTP.RequestTimeout,
		"chat.command_timeout":          c.Chat.CommandTimeout,
	}
	if te := c.TaskEngine; te != nil {
		durations["task_engine.default_timeout"] = te.DefaultTimeout
		durations["task_engine.max_queue_delay"] = te.MaxQueueDelay
	}
	if n := c.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.send_timeout"] = n.SendTimeout
	}
	paths := make([]string, 0, len(durations))
	for path := range durations {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		_, err := ParseDurationField(path, durations[path])
		check(err)
	}
	return errors.Join(errs...)
}

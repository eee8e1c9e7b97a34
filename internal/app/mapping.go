package app

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/httpapi"
	"remindbot/internal/llm"
	"remindbot/internal/notifier"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/transport/router"
	logx "remindbot/pkg/logx"
)

const defaultRetention = 30 * 24 * time.Hour

func mapLogConfig(cfg *config.Config) logx.Config {
	// Validate already rejected a malformed window.
	window, _ := config.ParseDurationField("logging.channel.repeat_window", cfg.Logging.Channel.RepeatWindow)
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatSinkConfig{
			Enabled:      cfg.Logging.Channel.Enabled,
			Contact:      strings.TrimSpace(cfg.Channel.AdminContact),
			MinLevel:     cfg.Logging.Channel.MinLevel,
			RatePerSec:   cfg.Logging.Channel.RatePerSec,
			RepeatWindow: window,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./remindbot.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "file":
		if path == "" {
			path = "./remindbot_store"
		}
		return storage.Config{Driver: "file", Path: path, CompactEvery: sc.CompactEvery}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLLMConfig(cfg *config.Config) (llm.Config, error) {
	lc := cfg.LLM
	timeout, err := config.ParseDurationField("llm.timeout", lc.Timeout)
	if err != nil {
		return llm.Config{}, err
	}
	open, err := config.ParseDurationField("llm.breaker.open_timeout", lc.Breaker.OpenTimeout)
	if err != nil {
		return llm.Config{}, err
	}
	return llm.Config{
		Provider:            lc.Provider,
		BaseURL:             strings.TrimSpace(lc.BaseURL),
		APIKey:              strings.TrimSpace(lc.APIKey),
		Model:               strings.TrimSpace(lc.Model),
		MaxTokens:           lc.MaxTokens,
		Temperature:         lc.Temperature,
		Timeout:             timeout,
		RetryMax:            lc.RetryMax,
		BreakerTripFailures: lc.Breaker.TripFailures,
		BreakerOpenTimeout:  open,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := config.TaskEngineConfig{}
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size and history_size must be >= 0")
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	policy, err := scheduler.ParseMissedPolicy(cfg.Scheduler.MissedPolicy)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	sched := strings.TrimSpace(cfg.Scheduler.RetentionSchedule)
	switch strings.ToLower(sched) {
	case "":
		sched = "@daily"
	case "off", "none", "disabled":
		sched = ""
	}
	if sched != "" {
		if err := scheduler.ValidateSchedule(sched); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.retention_schedule: %w", err)
		}
	}

	fireTimeout, err := config.ParseDurationField("scheduler.fire_timeout", cfg.Scheduler.FireTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	execRet, err := config.ParseDurationOrDefault("retention.executed_tasks", cfg.Retention.ExecutedTasks, defaultRetention)
	if err != nil {
		return scheduler.Config{}, err
	}
	msgRet, err := config.ParseDurationOrDefault("retention.messages", cfg.Retention.Messages, defaultRetention)
	if err != nil {
		return scheduler.Config{}, err
	}
	capConc := 0
	if cfg.TaskEngine != nil {
		capConc = cfg.TaskEngine.CapabilityConcurrency
	}
	return scheduler.Config{
		Timezone:              strings.TrimSpace(cfg.Scheduler.Timezone),
		MissedPolicy:          policy,
		RetentionSchedule:     sched,
		ExecutedRetention:     execRet,
		MessageRetention:      msgRet,
		CapabilityConcurrency: capConc,
		FireTimeout:           fireTimeout,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{}, nil
	}
	n := *cfg.Notifier
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:    n.RatePerSec,
		Burst:         n.Burst,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
		HistorySize:   n.HistorySize,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	// WriteTimeout stays 0 unless set so /debug/pprof/profile can run long.
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.RequestTimeout, err = config.ParseDurationOrDefault("http.request_timeout", h.RequestTimeout, 30*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	c := cfg.Chat
	timeout, err := config.ParseDurationField("chat.command_timeout", c.CommandTimeout)
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{
		Chat:            c.Enabled,
		SystemPrompt:    c.SystemPrompt,
		History:         c.History,
		AllowedContacts: c.AllowedContacts,
		DedupSize:       c.DedupSize,
		Workers:         c.Workers,
		CommandTimeout:  timeout,
	}, nil
}

// validate runs every mapper so a reload is rejected before anything is
// applied.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLLMConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	_, err := mapRouterConfig(cfg)
	return err
}

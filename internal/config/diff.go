package config

import (
	"reflect"
	"sort"
	"strings"

	logx "remindbot/pkg/logx"
)

// restartSections are applied only at startup.
var restartSections = map[string]bool{
	"capabilities": true,
	"channel":      true,
	"llm":          true,
	"storage":      true,
	"systemd":      true,
	"timeparse":    true,
}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never tokens or API keys), and
// (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	// Channel (never log token)
	oc, nc := oldCfg.Channel, newCfg.Channel
	if !strings.EqualFold(strings.TrimSpace(oc.Driver), strings.TrimSpace(nc.Driver)) ||
		strings.TrimSpace(oc.PollTimeout) != strings.TrimSpace(nc.PollTimeout) ||
		strings.TrimSpace(oc.AdminContact) != strings.TrimSpace(nc.AdminContact) ||
		oc.Token != nc.Token {
		mark("channel",
			logx.String("channel.driver", strings.TrimSpace(nc.Driver)),
			logx.String("channel.poll_timeout", strings.TrimSpace(nc.PollTimeout)),
			logx.Bool("channel.token_changed", oc.Token != nc.Token),
			logx.Bool("channel.admin_set", strings.TrimSpace(nc.AdminContact) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.channel_enabled", newCfg.Logging.Channel.Enabled),
		)
	}

	// LLM (never log api_key)
	ol, nl := oldCfg.LLM, newCfg.LLM
	keyChanged := ol.APIKey != nl.APIKey
	ol.APIKey, nl.APIKey = "", ""
	if keyChanged || !reflect.DeepEqual(ol, nl) {
		mark("llm",
			logx.String("llm.provider", nl.Provider),
			logx.String("llm.model", nl.Model),
			logx.Bool("llm.base_url_set", strings.TrimSpace(nl.BaseURL) != ""),
			logx.Bool("llm.api_key_changed", keyChanged),
		)
	}

	if oldCfg.TimeParse != newCfg.TimeParse {
		mark("timeparse",
			logx.Bool("timeparse.fallback", newCfg.TimeParse.Fallback),
			logx.String("timeparse.fallback_timeout", newCfg.TimeParse.FallbackTimeout),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.missed_policy", newCfg.Scheduler.MissedPolicy),
			logx.String("scheduler.retention_schedule", newCfg.Scheduler.RetentionSchedule),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || oTE != nTE {
		mark("task_engine",
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
			logx.Int("task_engine.capability_concurrency", nTE.CapabilityConcurrency),
		)
	}

	var oN, nN NotifierConfig
	if oldCfg.Notifier != nil {
		oN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		nN = *newCfg.Notifier
	}
	if oN != nN {
		mark("notifier",
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Int("notifier.retry_max", nN.RetryMax),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Retention != newCfg.Retention {
		mark("retention",
			logx.String("retention.executed_tasks", newCfg.Retention.ExecutedTasks),
			logx.String("retention.messages", newCfg.Retention.Messages),
		)
	}

	// HTTP (never log token)
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	tokenChanged := oh.Token != nh.Token
	oh.Token, nh.Token = "", ""
	if tokenChanged || oh != nh {
		mark("http",
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.allow_insecure", nh.AllowInsecure),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Chat, newCfg.Chat) {
		mark("chat",
			logx.Bool("chat.enabled", newCfg.Chat.Enabled),
			logx.Int("chat.history", newCfg.Chat.History),
			logx.Int("chat.allowed_contacts", len(newCfg.Chat.AllowedContacts)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Capabilities, newCfg.Capabilities) {
		mark("capabilities", logx.Int("capabilities.enabled_count", len(newCfg.Capabilities.Enabled)))
	}

	if oldCfg.Systemd != newCfg.Systemd {
		mark("systemd", logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

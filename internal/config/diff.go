package config

import (
	"reflect"
	"strings"

	logx "outreach/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and log fields
// describing the new values. Secrets (the bot token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot != nt {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}
	if oldCfg.Quota != newCfg.Quota {
		q := newCfg.Quota
		changed = append(changed, "quota")
		attrs = append(attrs,
			logx.String("quota.window", q.Window),
			logx.Int("quota.global", q.Global),
			logx.Int("quota.lookup", q.Lookup),
			logx.Int("quota.send", q.Send),
			logx.Int("quota.poll", q.Poll),
		)
	}
	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.max_attempts", newCfg.Executor.MaxAttempts),
			logx.String("executor.base_delay", newCfg.Executor.BaseDelay),
		)
	}
	if oldCfg.Watcher != newCfg.Watcher {
		changed = append(changed, "watcher")
		attrs = append(attrs,
			logx.String("watcher.initial_interval", newCfg.Watcher.InitialInterval),
			logx.String("watcher.max_interval", newCfg.Watcher.MaxInterval),
		)
	}
	if oldCfg.Conversation != newCfg.Conversation {
		changed = append(changed, "conversation")
		attrs = append(attrs, logx.String("conversation.reply_timeout", newCfg.Conversation.ReplyTimeout))
	}
	if !reflect.DeepEqual(oldCfg.Fallback, newCfg.Fallback) {
		changed = append(changed, "fallback")
		attrs = append(attrs,
			logx.Bool("fallback.enabled", newCfg.Fallback.On()),
			logx.Float64("fallback.rate_per_min", newCfg.Fallback.RatePerMin),
		)
	}
	if !reflect.DeepEqual(oldCfg.Targets, newCfg.Targets) || oldCfg.Topic != newCfg.Topic {
		changed = append(changed, "targets")
		attrs = append(attrs, logx.Int("targets.count", len(newCfg.Targets)))
	}
	return changed, attrs
}

// RestartRequired reports sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "telegram", "storage", "fallback", "targets":
			out = append(out, s)
		}
	}
	return out
}

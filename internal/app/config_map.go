package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"outreach/internal/action"
	"outreach/internal/config"
	"outreach/internal/conversation"
	"outreach/internal/quota"
	"outreach/internal/reply"
	"outreach/internal/storage"
	"outreach/internal/transport/telegram"
	logx "outreach/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, errors.New("telegram.token is required")
	}
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	httpTimeout, err := config.ParseDurationField("telegram.http_timeout", tc.HTTPTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	if tc.InboxLimit < 0 {
		return telegram.Config{}, errors.New("telegram.inbox_limit must be >= 0")
	}
	return telegram.Config{
		Token:       strings.TrimSpace(tc.Token),
		APIURL:      strings.TrimSpace(tc.APIURL),
		PollTimeout: poll,
		HTTPTimeout: httpTimeout,
		InboxLimit:  tc.InboxLimit,
	}, nil
}

func mapQuotaConfig(cfg *config.Config) (quota.Config, error) {
	qc := cfg.Quota
	window, err := config.ParseDurationField("quota.window", qc.Window)
	if err != nil {
		return quota.Config{}, err
	}
	for key, v := range map[string]int{"global": qc.Global, "lookup": qc.Lookup, "send": qc.Send, "poll": qc.Poll} {
		if v < 0 {
			return quota.Config{}, fmt.Errorf("quota.%s must be >= 0", key)
		}
	}
	out := quota.DefaultConfig()
	if window > 0 {
		out.Window = window
	}
	if qc.Global > 0 {
		out.Global = qc.Global
	}
	for sc, v := range map[quota.Scope]int{quota.ScopeLookup: qc.Lookup, quota.ScopeSend: qc.Send, quota.ScopePoll: qc.Poll} {
		if v > 0 {
			out.Scopes[sc] = v
		}
	}
	return out, nil
}

func mapExecutorConfig(cfg *config.Config) (action.Config, error) {
	ec := cfg.Executor
	if ec.MaxAttempts < 0 {
		return action.Config{}, errors.New("executor.max_attempts must be >= 0")
	}
	if ec.Jitter < 0 || ec.Jitter >= 1 {
		return action.Config{}, errors.New("executor.jitter must be in [0, 1)")
	}
	if ec.Growth != 0 && ec.Growth < 1 {
		return action.Config{}, errors.New("executor.growth must be >= 1")
	}
	if ec.TransientFactor != 0 && ec.TransientFactor < 1 {
		return action.Config{}, errors.New("executor.transient_factor must be >= 1")
	}
	d := action.DefaultConfig()
	out := action.Config{MaxAttempts: ec.MaxAttempts, Growth: ec.Growth, Jitter: ec.Jitter, TransientFactor: ec.TransientFactor}
	var err error
	if out.BaseDelay, err = config.ParseDurationOrDefault("executor.base_delay", ec.BaseDelay, d.BaseDelay); err != nil {
		return action.Config{}, err
	}
	if out.MaxDelay, err = config.ParseDurationOrDefault("executor.max_delay", ec.MaxDelay, d.MaxDelay); err != nil {
		return action.Config{}, err
	}
	if out.CooldownMin, err = config.ParseDurationOrDefault("executor.cooldown_min", ec.CooldownMin, d.CooldownMin); err != nil {
		return action.Config{}, err
	}
	if out.CooldownMax, err = config.ParseDurationOrDefault("executor.cooldown_max", ec.CooldownMax, d.CooldownMax); err != nil {
		return action.Config{}, err
	}
	if out.CooldownMax < out.CooldownMin {
		return action.Config{}, errors.New("executor.cooldown_max must be >= executor.cooldown_min")
	}
	return out, nil
}

func mapWatcherConfig(cfg *config.Config) (reply.Config, error) {
	wc := cfg.Watcher
	if wc.PollAttempts < 0 {
		return reply.Config{}, errors.New("watcher.poll_attempts must be >= 0")
	}
	if wc.Jitter < 0 {
		return reply.Config{}, errors.New("watcher.jitter must be >= 0")
	}
	if (wc.Growth != 0 && wc.Growth < 1) || (wc.FailureGrowth != 0 && wc.FailureGrowth < 1) {
		return reply.Config{}, errors.New("watcher growth factors must be >= 1")
	}
	d := reply.DefaultConfig()
	out := reply.Config{Growth: wc.Growth, FailureGrowth: wc.FailureGrowth, Jitter: wc.Jitter, PollAttempts: wc.PollAttempts}
	var err error
	if out.InitialInterval, err = config.ParseDurationOrDefault("watcher.initial_interval", wc.InitialInterval, d.InitialInterval); err != nil {
		return reply.Config{}, err
	}
	if out.MaxInterval, err = config.ParseDurationOrDefault("watcher.max_interval", wc.MaxInterval, d.MaxInterval); err != nil {
		return reply.Config{}, err
	}
	return out, nil
}

func mapConversationConfig(cfg *config.Config) (conversation.Config, conversation.Templates, error) {
	cc := cfg.Conversation
	if cc.LookupAttempts < 0 || cc.SendAttempts < 0 {
		return conversation.Config{}, conversation.Templates{}, errors.New("conversation attempts must be >= 0")
	}
	out := conversation.Config{LookupAttempts: cc.LookupAttempts, SendAttempts: cc.SendAttempts}
	var err error
	if out.ReplyTimeout, err = config.ParseDurationField("conversation.reply_timeout", cc.ReplyTimeout); err != nil {
		return conversation.Config{}, conversation.Templates{}, err
	}
	if out.PauseMin, err = config.ParseDurationField("conversation.pause_min", cc.PauseMin); err != nil {
		return conversation.Config{}, conversation.Templates{}, err
	}
	if out.PauseMax, err = config.ParseDurationField("conversation.pause_max", cc.PauseMax); err != nil {
		return conversation.Config{}, conversation.Templates{}, err
	}
	t := conversation.Templates{
		Initial:  cc.Templates.Initial,
		FollowUp: cc.Templates.FollowUp,
		Final:    cc.Templates.Final,
	}
	return out, t, nil
}

// mapFallbackLimit returns the token bucket for the fallback channel:
// 6 calls a minute, burst 1 by default.
func mapFallbackLimit(cfg *config.Config) (rate.Limit, int, error) {
	fc := cfg.Fallback
	if fc.RatePerMin < 0 || fc.Burst < 0 {
		return 0, 0, errors.New("fallback.rate_per_min and fallback.burst must be >= 0")
	}
	perMin := fc.RatePerMin
	if perMin == 0 {
		perMin = 6
	}
	burst := fc.Burst
	if burst == 0 {
		burst = 1
	}
	return rate.Limit(perMin / 60), burst, nil
}

// validate rejects a config any mapping would refuse. Used before a reload
// is committed.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQuotaConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWatcherConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapConversationConfig(cfg); err != nil {
		return err
	}
	_, _, err := mapFallbackLimit(cfg)
	return err
}

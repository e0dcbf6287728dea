package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("45m", "12s"); omitted or zero values take the component
// defaults.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`

	Quota        QuotaConfig        `json:"quota"`
	Executor     ExecutorConfig     `json:"executor"`
	Watcher      WatcherConfig      `json:"watcher"`
	Conversation ConversationConfig `json:"conversation"`
	Fallback     FallbackConfig     `json:"fallback"`

	// Targets and Topic are used when the command line names none.
	Targets []string `json:"targets,omitempty"`
	Topic   string   `json:"topic,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL overrides https://api.telegram.org.
	APIURL      string `json:"api_url,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
	InboxLimit  int    `json:"inbox_limit,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls seen-message persistence and the audit log.
//
//	"storage": { "driver": "sqlite", "path": "./outreach.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// QuotaConfig caps actions per window. Applied live on reload.
type QuotaConfig struct {
	Window string `json:"window,omitempty"`
	Global int    `json:"global,omitempty"`
	Lookup int    `json:"lookup,omitempty"`
	Send   int    `json:"send,omitempty"`
	Poll   int    `json:"poll,omitempty"`
}

type ExecutorConfig struct {
	MaxAttempts     int     `json:"max_attempts,omitempty"`
	BaseDelay       string  `json:"base_delay,omitempty"`
	Growth          float64 `json:"growth,omitempty"`
	Jitter          float64 `json:"jitter,omitempty"`
	TransientFactor float64 `json:"transient_factor,omitempty"`
	MaxDelay        string  `json:"max_delay,omitempty"`
	CooldownMin     string  `json:"cooldown_min,omitempty"`
	CooldownMax     string  `json:"cooldown_max,omitempty"`
}

type WatcherConfig struct {
	InitialInterval string  `json:"initial_interval,omitempty"`
	MaxInterval     string  `json:"max_interval,omitempty"`
	Growth          float64 `json:"growth,omitempty"`
	FailureGrowth   float64 `json:"failure_growth,omitempty"`
	Jitter          float64 `json:"jitter,omitempty"`
	PollAttempts    int     `json:"poll_attempts,omitempty"`
}

type ConversationConfig struct {
	ReplyTimeout   string          `json:"reply_timeout,omitempty"`
	PauseMin       string          `json:"pause_min,omitempty"`
	PauseMax       string          `json:"pause_max,omitempty"`
	LookupAttempts int             `json:"lookup_attempts,omitempty"`
	SendAttempts   int             `json:"send_attempts,omitempty"`
	Templates      TemplatesConfig `json:"templates"`
}

// TemplatesConfig holds the stage texts. {name} and {topic} are substituted.
type TemplatesConfig struct {
	Initial  string `json:"initial,omitempty"`
	FollowUp string `json:"follow_up,omitempty"`
	Final    string `json:"final,omitempty"`
}

// FallbackConfig controls the raw Bot API fallback channel. Enabled is a
// pointer so an omitted section keeps the fallback on.
type FallbackConfig struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	RatePerMin float64 `json:"rate_per_min,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

func (f FallbackConfig) On() bool { return f.Enabled == nil || *f.Enabled }

package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Fanout     FanoutConfig     `json:"fanout"`
	Notifier   *NotifierConfig  `json:"notifier,omitempty"`
	Ingress    IngressConfig    `json:"ingress"`
	Tenants    TenantsConfig    `json:"tenants"`
}

// TelegramConfig controls how tenant bots talk to the Bot API.
//
// Mode "polling" runs one long poller per tenant. Mode "webhook" expects
// updates on the ingress server at /webhook/<token>.
type TelegramConfig struct {
	Mode        string `json:"mode"`
	PollTimeout string `json:"poll_timeout"`
	// APIURL overrides the Bot API base URL (local bot-api servers).
	APIURL string `json:"api_url,omitempty"`
	// Offline skips the getMe round trip on spawn.
	Offline bool `json:"offline,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards error logs to an operator chat through one tenant bot.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	TenantID   int64  `json:"tenant_id"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the SQLite job store.
//
// Example:
//
//	"storage": { "path": "./botfleet.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls broadcast triggers.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// MisfireGrace: overdue one-off jobs found at boot fire only when they
	// are late by less than this. Older ones are marked MISSED.
	MisfireGrace string `json:"misfire_grace,omitempty"`
	// RetryDelay spaces retries of a one-off whose tenant was down at fire
	// time. Retries stop once the job is late by MisfireGrace.
	RetryDelay string `json:"retry_delay,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "10m"
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// FanoutConfig paces per-recipient deliveries of one broadcast pass.
type FanoutConfig struct {
	RatePerSec  int    `json:"rate_per_sec"`
	Burst       int    `json:"burst,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// NotifierConfig controls the async owner-report pipeline.
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// IngressConfig controls the HTTP server (webhooks, health, metrics).
type IngressConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	// PublicURL is the externally reachable base for webhook registration.
	PublicURL string `json:"public_url,omitempty"`
	// Secret is compared against X-Telegram-Bot-Api-Secret-Token (do not log).
	Secret      string `json:"secret,omitempty"`
	ReadTimeout string `json:"read_timeout,omitempty"`
	// Pprof mounts /debug/pprof. Non-loopback addrs need PprofToken.
	Pprof      bool   `json:"pprof,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"`
}

// TenantsConfig controls the per-tenant runtimes.
type TenantsConfig struct {
	SyncInterval   string `json:"sync_interval,omitempty"`
	MailboxSize    int    `json:"mailbox_size,omitempty"`
	ReplyCacheSize int    `json:"reply_cache_size,omitempty"`
}

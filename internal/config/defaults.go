package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// Resolved holds parsed, defaulted values derived from Config.
type Resolved struct {
	Mode         string
	PollTimeout  time.Duration
	BusyTimeout  time.Duration
	Location     *time.Location
	MisfireGrace time.Duration
	RetryDelay   time.Duration

	EngineWorkers   int
	EngineQueue     int
	EngineTimeout   time.Duration
	EngineHistory   int
	FanoutRate      int
	FanoutBurst     int
	FanoutTimeout   time.Duration
	IngressAddr     string
	IngressTimeout  time.Duration
	SyncInterval    time.Duration
	MailboxSize     int
	ReplyCacheSize  int
	Notifier        NotifierConfig
	NotifierRetry   time.Duration
	NotifierMaxWait time.Duration
	NotifierDedup   time.Duration
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

// Resolve validates cfg and returns effective settings. It never mutates cfg.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		return Resolved{}, errors.New("config is nil")
	}
	var (
		r   Resolved
		all []error
	)
	collect := func(e error) {
		if e != nil {
			all = append(all, e)
		}
	}

	r.Mode = strings.ToLower(strings.TrimSpace(cfg.Telegram.Mode))
	switch r.Mode {
	case "":
		r.Mode = ModePolling
	case ModePolling, ModeWebhook:
	default:
		collect(fmt.Errorf("telegram.mode: unknown mode %q", cfg.Telegram.Mode))
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		collect(errors.New("storage.path: required"))
	}

	r.Location = time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, lerr := time.LoadLocation(tz)
		if lerr != nil {
			collect(fmt.Errorf("scheduler.timezone: %w", lerr))
		} else {
			r.Location = loc
		}
	}

	te := cfg.TaskEngine
	r.EngineWorkers = positiveOr(te.Workers, 2)
	r.EngineQueue = positiveOr(te.QueueSize, 256)
	r.EngineHistory = positiveOr(te.HistorySize, 200)

	r.FanoutRate = positiveOr(cfg.Fanout.RatePerSec, 25)
	r.FanoutBurst = positiveOr(cfg.Fanout.Burst, 1)

	r.IngressAddr = strings.TrimSpace(cfg.Ingress.Addr)
	if r.IngressAddr == "" {
		r.IngressAddr = "127.0.0.1:8080"
	}
	if r.Mode == ModeWebhook && !cfg.Ingress.Enabled {
		collect(errors.New("telegram.mode=webhook requires ingress.enabled"))
	}

	r.MailboxSize = positiveOr(cfg.Tenants.MailboxSize, 64)
	r.ReplyCacheSize = positiveOr(cfg.Tenants.ReplyCacheSize, 1024)

	r.Notifier = DefaultNotifier()
	if cfg.Notifier != nil {
		r.Notifier = *cfg.Notifier
	}
	r.Notifier.Workers = positiveOr(r.Notifier.Workers, 2)
	r.Notifier.QueueSize = positiveOr(r.Notifier.QueueSize, 512)
	r.Notifier.RatePerSec = positiveOr(r.Notifier.RatePerSec, 3)

	collect(resolveDurations(
		durationField{"telegram.poll_timeout", cfg.Telegram.PollTimeout, 30 * time.Second, &r.PollTimeout},
		durationField{"storage.busy_timeout", cfg.Storage.BusyTimeout, 5 * time.Second, &r.BusyTimeout},
		durationField{"scheduler.misfire_grace", cfg.Scheduler.MisfireGrace, 10 * time.Minute, &r.MisfireGrace},
		durationField{"scheduler.retry_delay", cfg.Scheduler.RetryDelay, 15 * time.Second, &r.RetryDelay},
		durationField{"task_engine.default_timeout", te.DefaultTimeout, 10 * time.Minute, &r.EngineTimeout},
		durationField{"fanout.send_timeout", cfg.Fanout.SendTimeout, 15 * time.Second, &r.FanoutTimeout},
		durationField{"ingress.read_timeout", cfg.Ingress.ReadTimeout, 10 * time.Second, &r.IngressTimeout},
		durationField{"tenants.sync_interval", cfg.Tenants.SyncInterval, time.Minute, &r.SyncInterval},
		durationField{"notifier.retry_base", r.Notifier.RetryBase, 500 * time.Millisecond, &r.NotifierRetry},
		durationField{"notifier.retry_max_delay", r.Notifier.RetryMaxDelay, 10 * time.Second, &r.NotifierMaxWait},
		durationField{"notifier.dedup_window", r.Notifier.DedupWindow, time.Minute, &r.NotifierDedup},
	))

	if a := cfg.Logging.Alerts; a.Enabled && (a.TenantID == 0 || a.ChatID == 0) {
		collect(errors.New("logging.alerts: tenant_id and chat_id are required when enabled"))
	}

	if len(all) > 0 {
		return Resolved{}, errors.Join(all...)
	}
	return r, nil
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

package config

import (
	"reflect"
	"sort"
	"strings"

	logx "botfleet/pkg/logx"
)

// Section names reported by SummarizeChange.
const (
	SectionTelegram   = "telegram"
	SectionLogging    = "logging"
	SectionStorage    = "storage"
	SectionScheduler  = "scheduler"
	SectionTaskEngine = "task_engine"
	SectionFanout     = "fanout"
	SectionNotifier   = "notifier"
	SectionIngress    = "ingress"
	SectionTenants    = "tenants"
)

// SummarizeChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (ingress secret) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, SectionTelegram)
		attrs = append(attrs,
			logx.String("telegram.mode", newCfg.Telegram.Mode),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.offline", newCfg.Telegram.Offline),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, SectionStorage)
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, SectionScheduler)
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.misfire_grace", newCfg.Scheduler.MisfireGrace),
			logx.String("scheduler.retry_delay", newCfg.Scheduler.RetryDelay),
		)
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, SectionTaskEngine)
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}
	if !reflect.DeepEqual(oldCfg.Fanout, newCfg.Fanout) {
		changed = append(changed, SectionFanout)
		attrs = append(attrs,
			logx.Int("fanout.rate_per_sec", newCfg.Fanout.RatePerSec),
			logx.Int("fanout.burst", newCfg.Fanout.Burst),
		)
	}

	oldN, newN := DefaultNotifier(), DefaultNotifier()
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	if oldN != newN {
		changed = append(changed, SectionNotifier)
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	oi, ni := oldCfg.Ingress, newCfg.Ingress
	if oi.Enabled != ni.Enabled || oi.Addr != ni.Addr || oi.PublicURL != ni.PublicURL ||
		oi.ReadTimeout != ni.ReadTimeout || oi.Secret != ni.Secret ||
		oi.Pprof != ni.Pprof || oi.PprofToken != ni.PprofToken {
		changed = append(changed, SectionIngress)
		attrs = append(attrs,
			logx.Bool("ingress.enabled", ni.Enabled),
			logx.String("ingress.addr", ni.Addr),
			logx.Bool("ingress.secret_set", strings.TrimSpace(ni.Secret) != ""),
			logx.Bool("ingress.pprof", ni.Pprof),
		)
	}
	if !reflect.DeepEqual(oldCfg.Tenants, newCfg.Tenants) {
		changed = append(changed, SectionTenants)
		attrs = append(attrs, logx.String("tenants.sync_interval", newCfg.Tenants.SyncInterval))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes only apply after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case SectionStorage, SectionTaskEngine, SectionTelegram:
			out = append(out, s)
		}
	}
	return out
}

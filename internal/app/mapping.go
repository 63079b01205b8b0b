package app

import (
	"strings"

	"botfleet/internal/config"
	"botfleet/internal/ingress"
	"botfleet/internal/notifier"
	"botfleet/internal/notifier/broadcast"
	"botfleet/internal/storage"
	"botfleet/internal/task/engine"
	"botfleet/internal/task/scheduler"
	"botfleet/internal/tenant"
	"botfleet/internal/transport/telegram"
	logx "botfleet/pkg/logx"
)

// settings is one validated config snapshot mapped onto component configs.
type settings struct {
	raw *config.Config
	res config.Resolved

	logging   logx.Config
	storage   storage.Config
	engine    engine.Config
	fanout    broadcast.Config
	notifier  notifier.Config
	scheduler scheduler.Config
	tenants   tenant.Config
	telegram  telegram.Config
	ingress   ingress.Config

	ingressOn bool
	alerts    config.LoggingAlerts
}

func mapSettings(cfg *config.Config) (settings, error) {
	res, err := config.Resolve(cfg)
	if err != nil {
		return settings{}, err
	}
	s := settings{raw: cfg, res: res, ingressOn: cfg.Ingress.Enabled, alerts: cfg.Logging.Alerts}

	s.logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
	s.storage = storage.Config{
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: res.BusyTimeout,
	}
	s.engine = engine.Config{
		Workers:        res.EngineWorkers,
		QueueSize:      res.EngineQueue,
		DefaultTimeout: res.EngineTimeout,
		HistorySize:    res.EngineHistory,
	}
	s.fanout = broadcast.Config{
		RatePerSec:  res.FanoutRate,
		Burst:       res.FanoutBurst,
		SendTimeout: res.FanoutTimeout,
	}
	n := res.Notifier
	s.notifier = notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       res.NotifierRetry,
		RetryMaxDelay:   res.NotifierMaxWait,
		DedupWindow:     res.NotifierDedup,
		DedupMaxEntries: n.DedupMaxEntries,
	}
	s.scheduler = scheduler.Config{
		Timezone:     strings.TrimSpace(cfg.Scheduler.Timezone),
		MisfireGrace: res.MisfireGrace,
		RetryDelay:   res.RetryDelay,
		FireTimeout:  res.EngineTimeout,
	}
	s.tenants = tenant.Config{
		MailboxSize:    res.MailboxSize,
		ReplyCacheSize: res.ReplyCacheSize,
		Webhook:        res.Mode == config.ModeWebhook,
		PublicURL:      strings.TrimRight(strings.TrimSpace(cfg.Ingress.PublicURL), "/"),
		WebhookSecret:  cfg.Ingress.Secret,
	}
	s.telegram = telegram.Config{
		PollTimeout: res.PollTimeout,
		APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
		Offline:     cfg.Telegram.Offline,
	}
	s.ingress = ingress.Config{
		Addr:        res.IngressAddr,
		Secret:      cfg.Ingress.Secret,
		ReadTimeout: res.IngressTimeout,
		Pprof:       cfg.Ingress.Pprof,
		PprofToken:  cfg.Ingress.PprofToken,
	}
	return s, nil
}

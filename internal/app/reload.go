package app

import (
	"context"
	"strings"
	"time"

	"botfleet/internal/config"
	logx "botfleet/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, newCfg)
		}
	}
}

// apply pushes a validated snapshot into every live component. Sections that
// need a restart are logged and otherwise left alone.
func (a *App) apply(ctx context.Context, newCfg *config.Config) {
	next, err := mapSettings(newCfg)
	if err != nil {
		a.log.Warn("config reload rejected; keeping previous", logx.Err(err))
		return
	}
	prev := a.settings()

	sections, attrs := config.SummarizeChange(prev.raw, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(next.logging)
	if next.alerts.Enabled {
		a.logs.SetAlertSink(a.notif.AlertSink(next.alerts.TenantID, next.alerts.ChatID))
	} else {
		a.logs.SetAlertSink(nil)
	}

	a.fanout.Apply(next.fanout)
	a.sched.Apply(next.scheduler)
	a.registry.Apply(next.tenants)

	wasOn := a.notif.Enabled()
	a.notif.Apply(next.notifier)
	switch {
	case wasOn && !next.notifier.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasOn && next.notifier.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	switch {
	case prev.ingressOn && !next.ingressOn:
		a.log.Info("ingress disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.ingress.Stop(stopCtx)
		cancel()
		a.ingress.Apply(ctx, next.ingress)
	case !prev.ingressOn && next.ingressOn:
		a.ingress.Apply(ctx, next.ingress)
		a.log.Info("ingress enabled via config")
		a.ingress.Start(ctx)
	default:
		a.ingress.Apply(ctx, next.ingress)
	}

	a.mu.Lock()
	a.cur = next
	a.mu.Unlock()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

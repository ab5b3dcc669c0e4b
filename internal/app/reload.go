package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"igpilot/internal/config"
	"igpilot/internal/eventbus"
	"igpilot/pkg/logx"
)

// restartOnly lists sections whose components are built once; a change is
// logged and takes effect on the next start.
var restartOnly = []string{"ops", "remote", "sessions", "storage", "vault"}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
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
			if a.applyConfig(ctx, lastApplied, newCfg) {
				lastApplied = newCfg
			}
		}
	}
}

// applyConfig pushes the live-reloadable parts of next into the running
// components. It reports whether next was applied.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) bool {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return true
	}
	res, err := next.Resolve()
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return false
	}

	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(res.Logging)
	a.quota.Apply(res.Quota)
	a.engine.Apply(ctx, res.Engine)
	a.sched.Apply(res.Scheduler)

	wasEnabled := a.notif.Enabled()
	a.notif.Apply(res.Notify)
	switch {
	case wasEnabled && !res.Notify.Enabled:
		a.log.Info("notify disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && res.Notify.Enabled:
		a.log.Info("notify enabled via config")
		a.notif.Start(ctx)
	}
	if prev != nil && prev.Notify != nil && next.Notify != nil && prev.Notify.Telegram != next.Notify.Telegram {
		a.log.Warn("notify.telegram changed; restart required for changes to take effect")
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	return true
}

package app

import (
	"context"
	"slices"
	"strings"

	"tasknotify/internal/config"
	"tasknotify/internal/eventbus"
	logx "tasknotify/pkg/logx"
)

// Sections that are only read at startup.
var restartSections = []string{"http", "storage", "realtime", "ingest", "push", "pprof"}

// reloadLoop applies hot-reloadable config: logging, email rate and the
// maintenance schedule.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
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
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(old, cfg *config.Config) {
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	sections, attrs := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(cfg))

	perSec, burst := cfg.Email.Rate()
	a.mail.SetRate(perSec, burst)
	if cfg.Email.ProviderOrDefault() != old.Email.ProviderOrDefault() {
		a.log.Warn("email provider changed; restart required for it to take effect")
	}

	if err := a.maint.Apply(cfg.Maintenance); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

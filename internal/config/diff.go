package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tasknotify/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets are reported only as "*_set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.AddrOrDefault()),
			logx.Bool("http.internal_token_set", set(newCfg.HTTP.InternalToken)),
			logx.Bool("http.jwt_secret_set", set(newCfg.HTTP.JWTSecret)),
			logx.Bool("http.restart_required", oldCfg.HTTP.AddrOrDefault() != newCfg.HTTP.AddrOrDefault()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.DriverOrDefault()),
			logx.Bool("storage.path_set", set(newCfg.Storage.Path)),
			logx.Bool("storage.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.Fanout, newCfg.Fanout) {
		changed = append(changed, "fanout")
		attrs = append(attrs,
			logx.String("fanout.base_url", newCfg.Fanout.BaseURL),
			logx.Duration("fanout.drain_timeout", newCfg.Fanout.DrainTimeoutOrDefault()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Email, newCfg.Email) {
		changed = append(changed, "email")
		perSec, burst := newCfg.Email.Rate()
		attrs = append(attrs,
			logx.String("email.provider", newCfg.Email.ProviderOrDefault()),
			logx.Any("email.rate_per_sec", perSec),
			logx.Int("email.burst", burst),
			logx.Bool("email.sendgrid_key_set", set(newCfg.Email.SendGrid.APIKey)),
			logx.Bool("email.smtp_password_set", set(newCfg.Email.SMTP.Password)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Push, newCfg.Push) {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Bool("push.enabled", newCfg.Push.Enabled()),
			logx.String("push.subject", newCfg.Push.Subject),
			logx.Int("push.ttl", newCfg.Push.TTLOrDefault()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Realtime, newCfg.Realtime) {
		changed = append(changed, "realtime")
		attrs = append(attrs,
			logx.String("realtime.driver", newCfg.Realtime.DriverOrDefault()),
			logx.String("realtime.redis_addr", newCfg.Realtime.Redis.Addr),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ingest, newCfg.Ingest) {
		changed = append(changed, "ingest")
		attrs = append(attrs,
			logx.Bool("ingest.kafka_enabled", newCfg.Ingest.Kafka.Enabled),
			logx.String("ingest.kafka_topic", newCfg.Ingest.Kafka.Topic),
			logx.Int("ingest.kafka_brokers", len(newCfg.Ingest.Kafka.Brokers)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.schedule", newCfg.Maintenance.ScheduleOrDefault()),
			logx.Duration("maintenance.retention", newCfg.Maintenance.RetentionOrDefault()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.prefix", newCfg.Pprof.PrefixOrDefault()),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

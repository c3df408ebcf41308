package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "tasknotify/pkg/logx"
)

// CronParser accepts an optional seconds field and descriptors like "@daily".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks cfg for values the service cannot start with. It is also
// installed as the hot-reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for path, raw := range map[string]string{
		"http.read_timeout":     cfg.HTTP.ReadTimeout,
		"http.write_timeout":    cfg.HTTP.WriteTimeout,
		"http.idle_timeout":     cfg.HTTP.IdleTimeout,
		"http.shutdown_timeout": cfg.HTTP.ShutdownTimeout,
		"storage.busy_timeout":  cfg.Storage.BusyTimeout,
		"fanout.drain_timeout":  cfg.Fanout.DrainTimeout,
		"push.timeout":          cfg.Push.Timeout,
		"ingest.kafka.max_wait": cfg.Ingest.Kafka.MaxWait,
		"maintenance.retention": cfg.Maintenance.Retention,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "sqlite3", "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", d))
	}

	if u := strings.TrimSpace(cfg.Fanout.BaseURL); u != "" {
		if pu, err := url.Parse(u); err != nil || pu.Scheme == "" || pu.Host == "" {
			add(fmt.Errorf("fanout.base_url: must be an absolute URL, got %q", u))
		}
	}

	switch p := strings.ToLower(strings.TrimSpace(cfg.Email.Provider)); p {
	case "", "log":
	case "smtp":
		if strings.TrimSpace(cfg.Email.SMTP.Host) == "" {
			add(errors.New("email.smtp.host: required for provider smtp"))
		}
		if strings.TrimSpace(cfg.Email.From) == "" {
			add(errors.New("email.from: required for provider smtp"))
		}
	case "sendgrid":
		if strings.TrimSpace(cfg.Email.SendGrid.APIKey) == "" {
			add(errors.New("email.sendgrid.api_key: required for provider sendgrid"))
		}
		if strings.TrimSpace(cfg.Email.From) == "" {
			add(errors.New("email.from: required for provider sendgrid"))
		}
	default:
		add(fmt.Errorf("email.provider: unknown provider %q", p))
	}
	if cfg.Email.RatePerSec < 0 || cfg.Email.Burst < 0 {
		add(errors.New("email.rate_per_sec and email.burst must be >= 0"))
	}

	if (cfg.Push.VAPIDPublicKey == "") != (cfg.Push.VAPIDPrivateKey == "") {
		add(errors.New("push: vapid_public_key and vapid_private_key must be set together"))
	}
	if cfg.Push.Enabled() && strings.TrimSpace(cfg.Push.Subject) == "" {
		add(errors.New("push.subject: required when VAPID keys are set"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Realtime.Driver)); d {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Realtime.Redis.Addr) == "" {
			add(errors.New("realtime.redis.addr: required for driver redis"))
		}
	default:
		add(fmt.Errorf("realtime.driver: unknown driver %q", d))
	}

	if k := cfg.Ingest.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			add(errors.New("ingest.kafka.brokers: required when enabled"))
		}
		if strings.TrimSpace(k.Topic) == "" {
			add(errors.New("ingest.kafka.topic: required when enabled"))
		}
		if strings.TrimSpace(k.GroupID) == "" {
			add(errors.New("ingest.kafka.group_id: required when enabled"))
		}
	}

	if m := cfg.Maintenance; m.Enabled {
		if _, err := CronParser.Parse(m.ScheduleOrDefault()); err != nil {
			add(fmt.Errorf("maintenance.schedule: %w", err))
		}
		if tz := strings.TrimSpace(m.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				add(fmt.Errorf("maintenance.timezone: %w", err))
			}
		}
	}

	return errors.Join(errs...)
}

func (c HTTPConfig) AddrOrDefault() string {
	if s := strings.TrimSpace(c.Addr); s != "" {
		return s
	}
	return DefaultHTTPAddr
}

func (c HTTPConfig) ShutdownTimeoutOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("http.shutdown_timeout", c.ShutdownTimeout, DefaultShutdownTimeout)
	return d
}

func (c FanoutConfig) DrainTimeoutOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("fanout.drain_timeout", c.DrainTimeout, DefaultDrainTimeout)
	return d
}

func (c EmailConfig) ProviderOrDefault() string {
	if s := strings.ToLower(strings.TrimSpace(c.Provider)); s != "" {
		return s
	}
	return DefaultEmailProvider
}

// Rate returns the effective limiter settings.
func (c EmailConfig) Rate() (perSec float64, burst int) {
	perSec, burst = c.RatePerSec, c.Burst
	if perSec <= 0 {
		perSec = DefaultEmailRatePerSec
	}
	if burst <= 0 {
		burst = DefaultEmailBurst
	}
	return perSec, burst
}

func (c PushConfig) TimeoutOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("push.timeout", c.Timeout, DefaultPushTimeout)
	return d
}

func (c PushConfig) TTLOrDefault() int {
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultPushTTL
}

func (c RealtimeConfig) DriverOrDefault() string {
	if s := strings.ToLower(strings.TrimSpace(c.Driver)); s != "" {
		return s
	}
	return DefaultRealtimeDriver
}

func (c RedisConfig) PrefixOrDefault() string {
	if c.Prefix != "" {
		return c.Prefix
	}
	return DefaultRedisPrefix
}

func (c KafkaConfig) MaxWaitOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("ingest.kafka.max_wait", c.MaxWait, DefaultKafkaMaxWait)
	return d
}

func (c MaintenanceConfig) ScheduleOrDefault() string {
	if s := strings.TrimSpace(c.Schedule); s != "" {
		return s
	}
	return DefaultMaintenanceSpec
}

func (c MaintenanceConfig) RetentionOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("maintenance.retention", c.Retention, DefaultRetention)
	return d
}

// Location returns the configured timezone, or time.Local.
func (c MaintenanceConfig) Location() *time.Location {
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

func (c PprofConfig) PrefixOrDefault() string {
	p := strings.TrimRight(strings.TrimSpace(c.Prefix), "/")
	if p == "" {
		return DefaultPprofPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (c StorageConfig) DriverOrDefault() string {
	if s := strings.ToLower(strings.TrimSpace(c.Driver)); s != "" {
		return s
	}
	return DefaultStorageDriver
}

func (c StorageConfig) PathOrDefault() string {
	if s := strings.TrimSpace(c.Path); s != "" {
		return s
	}
	return DefaultStoragePath
}

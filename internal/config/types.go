package config

import "time"

// Config is the service configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// String values may reference environment variables as ${NAME}.
type Config struct {
	HTTP        HTTPConfig        `json:"http"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Fanout      FanoutConfig      `json:"fanout"`
	Email       EmailConfig       `json:"email"`
	Push        PushConfig        `json:"push"`
	Realtime    RealtimeConfig    `json:"realtime"`
	Ingest      IngestConfig      `json:"ingest"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Pprof       PprofConfig       `json:"pprof,omitempty"`
}

// HTTPConfig controls the API server.
//
// WriteTimeout defaults to 0 (disabled) so realtime SSE streams stay open.
type HTTPConfig struct {
	Addr string `json:"addr,omitempty"` // default: ":8080"

	// InternalToken protects the service-to-service routes (deliver, push send,
	// mutations, user upsert). Sent as a bearer token. Do not log.
	InternalToken string `json:"internal_token"`
	// JWTSecret verifies HS256 user tokens on the user-facing routes. Do not log.
	JWTSecret string `json:"jwt_secret"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"` // default: "10s"
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

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tasknotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" or "memory"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// FanoutConfig controls the notification fan-out engine.
type FanoutConfig struct {
	// BaseURL is the public app URL used for links in email bodies.
	BaseURL string `json:"base_url"`
	// DrainTimeout bounds how long shutdown waits for in-flight dispatches.
	DrainTimeout string `json:"drain_timeout,omitempty"` // default: "15s"
}

// EmailConfig selects and configures the email provider.
//
// Provider is one of "log" (default, nothing is sent), "smtp" or "sendgrid".
type EmailConfig struct {
	Provider string `json:"provider"`
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`

	// RatePerSec limits outgoing messages. 0 uses the default (5/s).
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	SMTP     SMTPConfig     `json:"smtp,omitempty"`
	SendGrid SendGridConfig `json:"sendgrid,omitempty"`
}

type SMTPConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"` // do not log
	ImplicitTLS bool   `json:"implicit_tls,omitempty"`
}

type SendGridConfig struct {
	APIKey string `json:"api_key"` // do not log
}

// PushConfig configures Web Push (VAPID). Push is disabled unless both keys are set.
type PushConfig struct {
	VAPIDPublicKey  string `json:"vapid_public_key"`
	VAPIDPrivateKey string `json:"vapid_private_key"` // do not log
	Subject         string `json:"subject"`           // mailto: or https: contact
	TTL             int    `json:"ttl,omitempty"`     // seconds; default 86400
	Urgency         string `json:"urgency,omitempty"`
	Timeout         string `json:"timeout,omitempty"` // per-request; default "10s"
}

// Enabled reports whether VAPID keys are configured.
func (p PushConfig) Enabled() bool { return p.VAPIDPublicKey != "" && p.VAPIDPrivateKey != "" }

// RealtimeConfig selects the realtime pub/sub transport.
type RealtimeConfig struct {
	Driver string      `json:"driver"` // "memory" (default) or "redis"
	Buffer int         `json:"buffer,omitempty"`
	Redis  RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"` // default: "realtime:"
}

// IngestConfig controls mutation ingest besides POST /api/mutations.
type IngestConfig struct {
	Kafka KafkaConfig `json:"kafka,omitempty"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id"`
	MaxWait string   `json:"max_wait,omitempty"` // default: "1s"
}

// MaintenanceConfig controls the retention job.
//
// Schedule is a cron spec (seconds optional) or a descriptor like "@daily".
type MaintenanceConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"`  // default: "@daily"
	Retention string `json:"retention,omitempty"` // default: "720h"
	Timezone  string `json:"timezone,omitempty"`
}

// PprofConfig controls the optional pprof endpoints. They are mounted on the
// API server under Prefix and require the internal token unless AllowInsecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof"
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

const (
	DefaultHTTPAddr        = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultDrainTimeout    = 15 * time.Second
	DefaultEmailRatePerSec = 5
	DefaultEmailBurst      = 5
	DefaultPushTTL         = 86400
	DefaultPushTimeout     = 10 * time.Second
	DefaultRedisPrefix     = "realtime:"
	DefaultKafkaMaxWait    = time.Second
	DefaultMaintenanceSpec = "@daily"
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultPprofPrefix     = "/debug/pprof"
	DefaultStorageDriver   = "sqlite"
	DefaultStoragePath     = "./tasknotify.db"
	DefaultRealtimeDriver  = "memory"
	DefaultEmailProvider   = "log"
)

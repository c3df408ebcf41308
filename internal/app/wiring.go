package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tasknotify/internal/config"
	"tasknotify/internal/delivery/email"
	"tasknotify/internal/delivery/push"
	"tasknotify/internal/realtime"
	logx "tasknotify/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// newEmailSender builds the configured provider behind the rate limiter.
func newEmailSender(cfg config.EmailConfig, log logx.Logger) (*email.Limited, error) {
	var next email.Sender
	switch p := cfg.ProviderOrDefault(); p {
	case "log":
		next = email.LogSender{Log: log}
	case "smtp":
		s, err := email.NewSMTPSender(email.SMTPConfig{
			Host:        cfg.SMTP.Host,
			Port:        cfg.SMTP.Port,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			From:        cfg.From,
			FromName:    cfg.FromName,
			ImplicitTLS: cfg.SMTP.ImplicitTLS,
		})
		if err != nil {
			return nil, err
		}
		next = s
	case "sendgrid":
		s, err := email.NewSendGridSender(cfg.SendGrid.APIKey, cfg.From, cfg.FromName)
		if err != nil {
			return nil, err
		}
		next = s
	default:
		return nil, fmt.Errorf("unknown email.provider: %s", p)
	}
	perSec, burst := cfg.Rate()
	return email.NewLimited(next, perSec, burst), nil
}

// newPushSender returns nil when VAPID keys are not configured.
func newPushSender(cfg config.PushConfig) (*push.WebPushSender, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	return push.NewWebPushSender(push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subject:         cfg.Subject,
		TTL:             time.Duration(cfg.TTLOrDefault()) * time.Second,
		Urgency:         cfg.Urgency,
		Timeout:         cfg.TimeoutOrDefault(),
	}, nil)
}

func newTransport(ctx context.Context, cfg config.RealtimeConfig, opts realtime.Options) (realtime.Transport, error) {
	switch cfg.DriverOrDefault() {
	case "redis":
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rc.Ping(pctx).Err(); err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		return realtime.NewRedisTransport(rc, cfg.Redis.PrefixOrDefault(), opts)
	default:
		return realtime.NewMemoryTransport(opts), nil
	}
}

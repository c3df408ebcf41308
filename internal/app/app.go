// Package app wires the notification service together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"tasknotify/internal/config"
	"tasknotify/internal/delivery/email"
	"tasknotify/internal/delivery/push"
	"tasknotify/internal/eventbus"
	"tasknotify/internal/httpapi"
	"tasknotify/internal/ingest"
	"tasknotify/internal/maintenance"
	"tasknotify/internal/metrics"
	"tasknotify/internal/notify/classify"
	"tasknotify/internal/notify/fanout"
	"tasknotify/internal/realtime"
	"tasknotify/internal/runtime/supervisor"
	"tasknotify/internal/storage"
	logx "tasknotify/pkg/logx"
	"tasknotify/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sd   *systemd.Notifier

	store   storage.Store
	metrics *metrics.Metrics
	mail    *email.Limited
	push    *push.WebPushSender
	rt      realtime.Transport

	engine   *fanout.Engine
	proc     *ingest.Processor
	consumer *ingest.Consumer
	maint    *maintenance.Service
	server   *httpapi.Server
	draining chan struct{}
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
		sd:       systemd.New(),
		metrics:  metrics.New(),
		draining: make(chan struct{}),
	}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	if a.mail, err = newEmailSender(cfg.Email, log.With(logx.String("comp", "email"))); err != nil {
		return nil, err
	}
	if a.push, err = newPushSender(cfg.Push); err != nil {
		return nil, err
	}
	if a.push == nil {
		a.log.Warn("push disabled: vapid keys not configured")
	}

	rtOpts := realtime.Options{
		Log:      log.With(logx.String("comp", "realtime")),
		Observer: a.metrics,
		Buffer:   cfg.Realtime.Buffer,
	}
	if a.rt, err = newTransport(ctx, cfg.Realtime, rtOpts); err != nil {
		return nil, err
	}

	deps := fanout.Deps{
		Prefs:    a.store,
		Subs:     a.store,
		Notes:    a.store,
		Users:    a.store,
		Email:    a.mail,
		Inbox:    realtime.InboxNotifier{T: a.rt},
		Bus:      a.bus,
		Observer: a.metrics,
		Log:      log,
		BaseURL:  cfg.Fanout.BaseURL,
	}
	if a.push != nil {
		deps.Push = a.push
	}
	if a.engine, err = fanout.New(deps); err != nil {
		return nil, err
	}

	a.proc = ingest.NewProcessor(classify.New(log.With(logx.String("comp", "classify"))), a.engine, a.store,
		ingest.WithRecorder(a.metrics),
		ingest.WithBus(a.bus),
		ingest.WithLogger(log),
	)
	if cfg.Ingest.Kafka.Enabled {
		a.consumer = ingest.NewConsumer(ingest.NewKafkaReader(cfg.Ingest.Kafka), a.proc, log)
	}

	a.maint = maintenance.New(cfg.Maintenance, a.store,
		maintenance.WithLogger(log),
		maintenance.WithBus(a.bus),
		maintenance.WithRecorder(a.metrics),
	)

	var vapid string
	if a.push != nil {
		vapid = a.push.PublicKey()
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Engine:         a.engine,
		Ingest:         a.proc,
		Store:          a.store,
		Realtime:       a.rt,
		Metrics:        a.metrics,
		InternalToken:  cfg.HTTP.InternalToken,
		JWTSecret:      cfg.HTTP.JWTSecret,
		VAPIDPublicKey: vapid,
		Pprof:          cfg.Pprof,
		Draining:       a.draining,
		Health:         a.health,
		Log:            log,
	})
	a.server = httpapi.NewServer(cfg.HTTP, router, log)

	ok = true
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the bound HTTP address once the server is listening.
func (a *App) Addr() string { return a.server.Addr() }

func (a *App) health() any {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := newEmailSender(cfg.Email, logx.Nop()); err != nil {
			return fmt.Errorf("email: %w", err)
		}
		return nil
	})

	restart := []supervisor.RestartOption{
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithOnRestart(a.metrics.Restart),
	}
	a.sup.GoRestart("http.serve", a.server.Serve, restart...)
	if a.consumer != nil {
		a.sup.GoRestart("ingest.kafka", a.consumer.Run, restart...)
	}
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	select {
	case <-a.server.Ready():
	case <-a.sup.Context().Done():
		return a.sup.Err()
	}
	if _, err := a.sd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	}
	a.log.Info("app started", logx.String("addr", a.server.Addr()))
	return nil
}

// operationalEvents are mirrored to the log. Dispatch completions are
// already logged by the fanout engine.
var operationalEvents = []string{
	eventbus.TypeConfigReloaded,
	eventbus.TypeIngestRejected,
	eventbus.TypePushPruned,
	eventbus.TypeMaintenanceRun,
}

// logEvents mirrors operational bus events.
func (a *App) logEvents(c context.Context) {
	events, unsub := eventbus.SubscribeTypes(a.bus, 128, operationalEvents...)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Info("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	cfg := a.cfgm.Get()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	select {
	case <-a.draining:
	default:
		close(a.draining)
	}
	// Stop intake first so no new dispatches start, then drain the in-flight ones.
	step("http", cfg.HTTP.ShutdownTimeoutOrDefault(), a.server.Shutdown)
	a.sup.Cancel()
	step("fanout.drain", cfg.Fanout.DrainTimeoutOrDefault(), a.engine.Close)
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("supervisor", 3*time.Second, a.sup.Wait)
	a.closeResources()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.log.Warn("kafka reader close failed", logx.Err(err))
		}
	}
	if a.rt != nil {
		_ = a.rt.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
}

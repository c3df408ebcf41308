// Package maintenance runs retention jobs on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tasknotify/internal/config"
	"tasknotify/internal/eventbus"
	logx "tasknotify/pkg/logx"
)

// JobReadNotifications deletes read notifications older than the retention window.
const JobReadNotifications = "notifications.read"

// Pruner is the store side of the retention job.
type Pruner interface {
	PruneRead(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder receives per-run counts (metrics).
type Recorder interface {
	RowsPruned(job string, n int64)
}

// Run is the payload of the maintenance.run bus event.
type Run struct {
	Job     string        `json:"job"`
	Cutoff  time.Time     `json:"cutoff"`
	Deleted int64         `json:"deleted"`
	Took    time.Duration `json:"took"`
	Err     string        `json:"err,omitempty"`
}

type Service struct {
	store Pruner
	log   logx.Logger
	bus   eventbus.Bus
	rec   Recorder
	now   func() time.Time

	mu  sync.Mutex
	cfg config.MaintenanceConfig
	c   *cron.Cron
	ctx context.Context
}

type Option func(*Service)

func WithLogger(l logx.Logger) Option       { return func(s *Service) { s.log = l } }
func WithBus(b eventbus.Bus) Option         { return func(s *Service) { s.bus = b } }
func WithRecorder(r Recorder) Option        { return func(s *Service) { s.rec = r } }
func withClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg config.MaintenanceConfig, store Pruner, opts ...Option) *Service {
	s := &Service{store: store, cfg: cfg, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "maintenance"))
	return s
}

// Start schedules the jobs if maintenance is enabled. Jobs run with ctx
// until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	cl := cronLogger{s.log}
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLocation(s.cfg.Location()),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	spec := s.cfg.ScheduleOrDefault()
	if _, err := c.AddFunc(spec, func() { _, _ = s.RunNow(s.ctx) }); err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("retention scheduled",
		logx.String("schedule", spec),
		logx.Duration("retention", s.cfg.RetentionOrDefault()),
		logx.String("tz", s.cfg.Location().String()),
	)
	return nil
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.c = nil
}

// Stop stops scheduling and waits for a running job until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

// Apply swaps the config, rescheduling if anything changed.
func (s *Service) Apply(cfg config.MaintenanceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return nil
	}
	s.cfg = cfg
	if s.ctx == nil {
		return nil
	}
	s.stopLocked(s.ctx)
	return s.startLocked()
}

// RunNow runs the retention job immediately.
func (s *Service) RunNow(ctx context.Context) (Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	retention := s.cfg.RetentionOrDefault()
	s.mu.Unlock()

	start := s.now()
	r := Run{Job: JobReadNotifications, Cutoff: start.Add(-retention)}
	n, err := s.store.PruneRead(ctx, r.Cutoff)
	r.Deleted, r.Took = n, s.now().Sub(start)
	if err != nil {
		r.Err = err.Error()
		s.log.Warn("retention job failed", logx.String("job", r.Job), logx.Err(err))
	} else {
		s.log.Info("retention job finished",
			logx.String("job", r.Job),
			logx.Int64("deleted", n),
			logx.Time("cutoff", r.Cutoff),
		)
	}
	if s.rec != nil {
		s.rec.RowsPruned(r.Job, n)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeMaintenanceRun, Data: r})
	}
	return r, err
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

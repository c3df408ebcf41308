package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"tasknotify/internal/config"
	logx "tasknotify/pkg/logx"
)

// Server owns the listener. Serve runs one server instance and is meant to
// run under supervisor.GoRestart.
type Server struct {
	cfg     config.HTTPConfig
	handler http.Handler
	log     logx.Logger

	mu       sync.Mutex
	srv      *http.Server
	addr     string
	stopping bool
	ready    chan struct{}
	once     sync.Once
}

func NewServer(cfg config.HTTPConfig, h http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, handler: h, log: log.With(logx.String("comp", "http")), ready: make(chan struct{})}
}

// Ready is closed once the first listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address, empty before the first successful listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) timeouts() (read, write, idle time.Duration) {
	read, _ = config.ParseDurationOrDefault("http.read_timeout", s.cfg.ReadTimeout, 15*time.Second)
	// Streams are long-lived, so no write deadline unless configured.
	write, _ = config.ParseDurationOrDefault("http.write_timeout", s.cfg.WriteTimeout, 0)
	idle, _ = config.ParseDurationOrDefault("http.idle_timeout", s.cfg.IdleTimeout, 60*time.Second)
	return read, write, idle
}

// Serve listens and serves until ctx is cancelled or Shutdown is called.
// An unexpected exit returns an error so the supervisor restarts it.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return context.Canceled
	}
	s.mu.Unlock()

	addr := s.cfg.AddrOrDefault()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	read, write, idle := s.timeouts()
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: read,
		ReadTimeout:       read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeoutOrDefault())
			_ = srv.Shutdown(cctx)
			cancel()
		case <-stop:
		}
	}()

	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
	}
	stopping := s.stopping
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Open streams end when their request context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	return err
}

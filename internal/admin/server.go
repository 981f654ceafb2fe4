package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	rtsup "supertask/internal/runtime/supervisor"
	logx "supertask/pkg/logx"
	"sync"
	"time"
)

// Server owns the admin listener.
type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	h   http.Handler

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func NewServer(cfg Config, h http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Server{cfg: cfg, h: h, log: log.With(logx.String("comp", "admin"))}
}

// Start binds the listener and serves in the background. Bind errors are
// returned so a bad addr fails startup.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	cur := s.cfg
	addr := strings.TrimSpace(cur.Addr)

	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		return fmt.Errorf("admin refused to start on %s: non-loopback addr requires token or allow_insecure", addr)
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("admin running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.h,
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: cur.ReadTimeout,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
	}
	s.ln, s.srv = ln, srv
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.Go("admin.http", func(c context.Context) error {
		err := srv.Serve(ln)
		if c.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.log.Error("admin server exited", logx.Err(err))
		return err
	})
	s.log.Info("admin started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof),
	)
	return nil
}

// Addr is the bound address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests until ctx is
// done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		_ = srv.Close()
	}
	if sup != nil {
		_ = sup.Stop(shutdownCtx)
	}
	s.log.Info("admin stopped")
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

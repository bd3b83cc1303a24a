package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/wonny/aegis/intraday/pkg/config"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// Server serves the control API and the event stream
// ⭐ SSOT: API 서버 설정은 이 파일에서만
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
	env        string
	addr       string
}

// New creates the server; nothing is bound until Start
func New(cfg *config.Config, log *logger.Logger, router http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: log.WithComponent("api"),
		env:    cfg.Env,
	}
}

// Start binds the port before returning so a taken port fails startup.
// Serve errors arrive on the returned channel, which is closed when the
// server stops.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", s.httpServer.Addr, err)
	}
	s.addr = ln.Addr().String()

	s.logger.WithFields(map[string]interface{}{
		"addr": s.addr,
		"env":  s.env,
	}).Info("Control API listening")

	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("control API stopped: %w", err)
		}
	}()
	return errc, nil
}

// Addr is the bound address once Start succeeded
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown drains in-flight requests. Upgraded websocket connections are
// not tracked here; closing the event bus ends them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down control API")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

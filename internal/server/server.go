// Package server owns the HTTP surface (/ws upgrades, /health) and the
// process lifecycle: background sweepers, drain on shutdown, and the
// listener itself.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gameoverstudios/deeperhub/internal/config"
	"github.com/gameoverstudios/deeperhub/internal/dispatch"
	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/internal/security"
	"github.com/gameoverstudios/deeperhub/internal/ws"
)

// Task is a background goroutine bound to the server lifetime, such as a
// store sweeper. It returns when ctx is canceled.
type Task func(ctx context.Context)

// Server is the hub process: listener, connection workers, and background
// tasks under one lifecycle.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	clock      domain.Clock
	gate       *security.RequestGate
	registry   *ws.Registry
	dispatcher *dispatch.Dispatcher
	tasks      []Task

	startedAt time.Time
	connWG    sync.WaitGroup
	connCtx   context.Context
}

// Config holds server dependencies.
type Config struct {
	Cfg        *config.Config
	Logger     *slog.Logger
	Clock      domain.Clock
	Gate       *security.RequestGate
	Registry   *ws.Registry
	Dispatcher *dispatch.Dispatcher
	Tasks      []Task
}

// New wires the server.
func New(cfg Config) *Server {
	return &Server{
		cfg:        cfg.Cfg,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		gate:       cfg.Gate,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		tasks:      cfg.Tasks,
	}
}

// Run blocks until ctx is canceled or the listener fails. A bind failure
// is returned to the caller; clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	s.startedAt = s.clock.Now().UTC()

	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()
	s.connCtx = connCtx

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)

	addr := fmt.Sprintf(":%d", s.cfg.Hub.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, task := range s.tasks {
		task := task
		g.Go(func() error {
			task(gctx)
			return nil
		})
	}

	g.Go(func() error {
		s.logger.Info("hub listening",
			slog.Int("port", s.cfg.Hub.Port),
			slog.Int("max_connections", s.cfg.Hub.MaxConnections),
		)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown initiated, draining connections")

		s.registry.Drain()
		time.Sleep(domain.ShutdownDrainDelay)
		cancelConns()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}

		done := make(chan struct{})
		go func() {
			s.connWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(domain.GracefulShutdownTimeout):
			s.logger.Warn("shutdown deadline reached with workers still live")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("shutdown complete")
	return nil
}

// handleHealth reports liveness and connection counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":              "ok",
		"port":                s.cfg.Hub.Port,
		"max_connections":     s.registry.Max(),
		"current_connections": s.registry.Count(),
		"uptime_seconds":      int64(s.clock.Now().UTC().Sub(s.startedAt).Seconds()),
		"timestamp":           s.clock.Now().UTC().Format(time.RFC3339),
	})
}

// handleWS admits, upgrades, and hands the connection to its worker.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.gate.Admit(ctx, r); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, domain.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	if s.registry.Count() >= s.registry.Max() {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	ip := security.ClientIP(r)
	netConn, rw, err := ws.Upgrade(w, r)
	if err != nil {
		s.logger.InfoContext(ctx, "websocket upgrade refused",
			slog.String("ip", ip),
			slog.String("error", err.Error()),
		)
		return
	}

	conn := ws.NewConn(
		domain.GenerateConnectionID(),
		ip,
		netConn,
		rw,
		ws.Options{
			MaxFrameBytes:     int64(s.cfg.Hub.MaxFrameBytes),
			IdleTimeout:       s.cfg.Hub.IdleTimeout,
			HeartbeatInterval: s.cfg.Hub.HeartbeatInterval,
			WriteTimeout:      s.cfg.Hub.WriteTimeout,
			MailboxSize:       s.cfg.Broker.MailboxSize,
		},
		s.clock,
		s.logger,
		s.dispatcher,
	)

	if !s.registry.Add(conn) {
		conn.Close(ws.CloseGoingAway, "connection limit reached")
		netConn.Close()
		return
	}

	s.connWG.Add(1)
	go func() {
		defer s.connWG.Done()
		conn.Run(s.connCtx)
		s.dispatcher.ConnectionClosed(conn)
	}()
}

// Package server exposes the ticker and order book WebSocket endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fushengyk/marketws/internal/config"
	"github.com/fushengyk/marketws/internal/domain"
	"github.com/fushengyk/marketws/internal/source"
	"github.com/fushengyk/marketws/internal/stream"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	cfg      config.ServerConfig
	opts     stream.Options
	registry *source.Registry
	deps     stream.Deps
	logger   *zap.SugaredLogger

	router   *http.ServeMux
	upgrader websocket.Upgrader
	sessions atomic.Int64
}

func NewServer(cfg *config.Config, registry *source.Registry, deps stream.Deps, logger *zap.SugaredLogger) *Server {
	deps.Logger = logger
	s := &Server{
		cfg:      cfg.Server,
		opts:     stream.NewOptions(cfg.Server, cfg.Stream),
		registry: registry,
		deps:     deps,
		logger:   logger,
		router:   http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET "+s.cfg.TickerPath, s.handleStream(stream.KindTicker))
	s.router.HandleFunc("GET "+s.cfg.OrderBookPath, s.handleStream(stream.KindOrderBook))
	s.router.HandleFunc("GET "+s.cfg.HealthPath, s.handleHealth)
}

func (s *Server) Handler() http.Handler { return s.router }

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int64 { return s.sessions.Load() }

// Run serves until ctx ends. Every session is derived from ctx, so they
// are torn down with it.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("[Server] Listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStream(kind stream.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exchange := r.URL.Query().Get("exchange")
		if exchange == "" {
			exchange = s.cfg.DefaultExchange
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debugf("[Server] Upgrade failed: %v", err)
			return
		}

		src, err := s.registry.Get(exchange)
		if err != nil {
			s.logger.Warnf("[Server] Rejected %s session: %v", kind, err)
			s.reject(conn, err)
			return
		}

		s.sessions.Add(1)
		defer s.sessions.Add(-1)

		sess := stream.NewSession(kind, src, conn, s.opts, s.deps)
		if err := sess.Serve(r.Context()); err != nil && !isClientGone(err) {
			s.logger.Debugf("[Server] Session %s ended: %v", sess.ID(), err)
		}
	}
}

// reject reports a session establishment failure. Unknown exchanges close
// with 1008, a source that failed to start with 1011.
func (s *Server) reject(conn *websocket.Conn, cause error) {
	defer conn.Close()

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(map[string]string{"error": cause.Error()}); err != nil {
		return
	}
	code, reason := websocket.CloseInternalServerErr, "source unavailable"
	if domain.IsUnsupportedExchange(cause) {
		code, reason = websocket.ClosePolicyViolation, "unsupported exchange"
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

type healthResponse struct {
	Status    string   `json:"status"`
	Sessions  int64    `json:"sessions"`
	Exchanges []string `json:"exchanges"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:    "ok",
		Sessions:  s.sessions.Load(),
		Exchanges: s.registry.Exchanges(),
	})
}

func isClientGone(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed)
}

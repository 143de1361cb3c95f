package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/inconshreveable/log15"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/voicemesh/voicemesh/internal/model"
)

// maxConcurrentConns caps accepted transports; sessions within a transport
// are governed by max_sessions, not this.
const maxConcurrentConns = 1024

// Server is the worker's listener: it upgrades /ws (public) and
// /internal/ws (peer hop) to multiplexed session connections.
type Server struct {
	cfg    Config
	health Health
	mdl    model.Model
	pool   *UpstreamPool

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*Conn]struct{}

	log.Logger
}

// New wires a worker server from its explicit dependencies.
func New(cfg Config, health Health, mdl model.Model, logger log.Logger) *Server {
	return &Server{
		cfg:    cfg,
		health: health,
		mdl:    mdl,
		pool:   NewUpstreamPool(cfg.Password, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Bearer auth is the access control; origin checks would only
			// lock out browser clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  make(map[*Conn]struct{}),
		Logger: logger.New("obj", "server"),
	}
}

// Handler builds the worker's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS(false))
	mux.HandleFunc(internalPath, s.handleWS(true))
	return mux
}

// Run binds the listener and serves until ctx is canceled, then drains.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("server: bind %s: %w", s.cfg.Addr(), err)
	}
	ln = netutil.LimitListener(ln, maxConcurrentConns)
	s.Info("worker started", "addr", ln.Addr().String(),
		"max_sessions", s.cfg.MaxSessions, "controller", s.cfg.ControllerURL)

	srv := &http.Server{Handler: s.Handler()}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.pool.Close()
		// Hijacked WebSocket connections are invisible to Shutdown; closing
		// their transports unwinds the read loops and session tasks.
		s.mu.Lock()
		for conn := range s.conns {
			conn.ws.Close()
		}
		s.mu.Unlock()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	s.Info("worker stopped")
	return err
}

func (s *Server) handleWS(internal bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		s.Info("client connected", "remote", r.RemoteAddr, "internal", internal)
		conn := newConn(ws, internal, s.cfg, s.health, s.mdl, s.pool, s.Logger)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		conn.run(r.Context())
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.Info("client disconnected", "remote", r.RemoteAddr)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Password == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && token == s.cfg.Password
}

// Pool exposes the upstream pool, mainly for tests.
func (s *Server) Pool() *UpstreamPool {
	return s.pool
}

// Package relay is a reference fan-out server for docsync clients. It joins
// clients into per-document rooms, forwards changes, cursors, titles and chat
// between them and persists through a store.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ericfitz/docsync/internal/config"
	"github.com/ericfitz/docsync/internal/slogging"
	"github.com/ericfitz/docsync/internal/store"
	"github.com/ericfitz/docsync/internal/uuidgen"
)

// Server serves the relay websocket endpoint, health checks and metrics
type Server struct {
	cfg      config.RelayConfig
	hub      *Hub
	metrics  *Metrics
	verifier *TokenVerifier
	upgrader websocket.Upgrader
	engine   *gin.Engine
}

// NewServer wires a relay over s
func NewServer(cfg *config.Config, s store.Store) *Server {
	metrics := NewMetrics()
	srv := &Server{
		cfg:      cfg.Relay,
		metrics:  metrics,
		verifier: NewTokenVerifier(cfg.Relay.JWTSecret),
		hub: NewHub(HubOptions{
			Relay:        cfg.Relay,
			Transport:    cfg.Transport,
			FrameLogging: cfg.Logging.Frames,
		}, s, metrics),
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		CheckOrigin:      srv.checkOrigin,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws", srv.HandleWS)
	engine.GET("/healthz", srv.HandleHealth)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	srv.engine = engine
	return srv
}

// Handler returns the HTTP handler for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the room registry
func (s *Server) Hub() *Hub {
	return s.hub
}

// Metrics returns the relay collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// checkOrigin allows requests without an Origin header and, when an allow-list
// is configured, only the listed origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slogging.Get().WarnCtx(r.Context(), "Rejected websocket origin", slog.String("origin", origin))
	return false
}

// HandleWS authenticates and upgrades a client connection
func (s *Server) HandleWS(c *gin.Context) {
	claims, err := s.verifier.VerifyRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slogging.Get().Warn("Failed to upgrade connection: %v", err)
		return
	}

	client := newClient(s.hub, conn, uuidgen.MustNewForConnection(), claims)
	s.hub.register(client)
	slogging.Get().DebugCtx(c.Request.Context(), "Websocket upgraded",
		slog.String("client_id", client.ID),
		slog.String("remote_addr", c.Request.RemoteAddr))
	go client.WritePump()
	go client.ReadPump()
}

// HandleHealth reports liveness and a few counters
func (s *Server) HandleHealth(c *gin.Context) {
	s.hub.mu.Lock()
	rooms := len(s.hub.rooms)
	s.hub.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"rooms":   rooms,
	})
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slogging.Get().Info("Relay listening on %s", ln.Addr())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		slogging.Get().Info("Relay shutting down")
		// Hijacked websocket connections are not closed by Shutdown.
		s.hub.Close()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Package server exposes the HTTP side of the relay: the WebSocket gateway
// that speaks the line protocol over text frames, plus health and stats.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Gateway accepts WebSocket clients and runs them as ordinary Connections
// against the shared Registry.
type Gateway struct {
	cfg      Config
	registry *Registry
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader
	sessions *connSet
}

// NewGateway builds a gateway for the registry.
func NewGateway(cfg Config, registry *Registry, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.Named("gateway")
	origins := newOriginPolicy(cfg.AllowedOrigins, log)

	return &Gateway{
		cfg:      cfg,
		registry: registry,
		opts:     opts,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		sessions: newConnSet(),
	}
}

// WebSocketHandler upgrades GET requests and serves the session until the
// client leaves. The upgraded connection outlives the HTTP handler's
// bookkeeping, so it is tracked separately for Close.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	fc := newFrameConn(ws, r.RemoteAddr, g.cfg.MaxLineBytes, g.cfg.WriteTimeout)
	if !g.sessions.track(fc) {
		_ = fc.Close()
		return
	}
	defer g.sessions.done(fc)

	g.log.Debug("client connected", zap.String("remote", r.RemoteAddr))
	Serve(fc, g.registry, g.opts)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (g *Gateway) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "PrivateHive relay is running!")
}

// StatsHandler reports the registry's connection and room counts as JSON.
func (g *Gateway) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.registry.Stats()); err != nil {
		g.log.Warn("error writing stats response", zap.Error(err))
	}
}

// Close drops every gateway client that is still open and waits up to
// timeout for their sessions to return.
func (g *Gateway) Close(timeout time.Duration) error {
	g.sessions.closeAll()
	return g.sessions.wait(timeout)
}

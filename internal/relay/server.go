package relay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/relaywire/tunneld/internal/auth"
	"github.com/relaywire/tunneld/internal/session"
)

// Server is the main relay server that accepts public http traffic,
// agent websocket connections on /api/nodes/ws, and browser websocket
// connections on /api/web/ws.
type Server struct {
	cfg      *Config
	hub      *session.Hub
	upgrader websocket.Upgrader
}

// NewServer creates a configured relay server.
func NewServer(cfg *Config) *Server {
	var tokens auth.TokenValidator
	if cfg.Auth.SharedSecret != "" {
		tokens = auth.NewHMACValidator(cfg.Auth.SharedSecret)
	}

	sessCfg := session.DefaultConfig()
	if cfg.Tunnel.OutboundQueueCapacity > 0 {
		sessCfg.OutboundQueueCapacity = cfg.Tunnel.OutboundQueueCapacity
	}
	if cfg.Tunnel.WatermarkThreshold > 0 {
		sessCfg.WatermarkThreshold = cfg.Tunnel.WatermarkThreshold
	}
	if cfg.Tunnel.AuthTimeout > 0 {
		sessCfg.AuthTimeout = cfg.Tunnel.AuthTimeout
	}
	if cfg.Tunnel.HeartbeatInterval > 0 {
		sessCfg.HeartbeatInterval = cfg.Tunnel.HeartbeatInterval
	}
	if cfg.Tunnel.PingInterval > 0 {
		sessCfg.PingInterval = cfg.Tunnel.PingInterval
	}
	if cfg.Tunnel.PongTimeout > 0 {
		sessCfg.PongTimeout = cfg.Tunnel.PongTimeout
	}
	if cfg.Tunnel.AdapterInactivity > 0 {
		sessCfg.AdapterInactivity = cfg.Tunnel.AdapterInactivity
	}
	sessCfg.MaxTunnelsPerAgent = cfg.Tunnel.MaxTunnelsPerAgent

	return &Server{
		cfg: cfg,
		hub: session.NewHub(sessCfg, tokens),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the relay server and blocks until it exits.
func (s *Server) Run() error {
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go s.hub.RunIdleSweep(sweepCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/nodes/ws", s._handle_node_ws)
	mux.HandleFunc("/api/web/ws", s._handle_web_ws)
	mux.HandleFunc("/api/nodes", s._handle_nodes)
	mux.HandleFunc("/api/connections", s._handle_connections)

	slog.Info("relay server starting", "addr", s.cfg.Listen.Addr, "tls", s.cfg.TLS.Enabled)

	if s.cfg.TLS.Enabled {
		return http.ListenAndServeTLS(
			s.cfg.Listen.Addr,
			s.cfg.TLS.CertFile,
			s.cfg.TLS.KeyFile,
			mux,
		)
	}
	return http.ListenAndServe(s.cfg.Listen.Addr, mux)
}

// _handle_node_ws upgrades and serves an agent's persistent uplink.
func (s *Server) _handle_node_ws(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	session.ServeAgent(s.hub, conn)
}

// _handle_web_ws upgrades and serves a browser's tunnel-carrying
// socket. Auth is always required on this endpoint when the relay has
// a shared secret configured; an empty secret runs the relay tokenless
// end to end rather than locking out just one side.
func (s *Server) _handle_web_ws(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	session.ServeBrowser(s.hub, conn, s.cfg.Auth.SharedSecret != "")
}

// _handle_nodes reports the set of currently connected agents.
func (s *Server) _handle_nodes(w http.ResponseWriter, r *http.Request) {
	body, err := s.hub.MarshalNodes()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// _handle_connections reports the set of currently connected browsers
// and their open tunnels.
func (s *Server) _handle_connections(w http.ResponseWriter, r *http.Request) {
	body, err := s.hub.MarshalConnections()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

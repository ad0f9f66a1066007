// Package ws exposes the service over WebSocket plus a small read-only
// HTTP API. Each accepted connection gets a transport owned by the
// connection registry and a read loop that decodes inbound commands.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"jobcast/internal/config"
	"jobcast/internal/conn"
	"jobcast/internal/history"
	"jobcast/internal/session"
)

type Server struct {
	cfg      *config.Holder
	conns    *conn.Registry
	sessions *session.Registry
	history  *history.Log
	log      zerolog.Logger

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(cfg *config.Holder, conns *conn.Registry, sessions *session.Registry, hist *history.Log, log zerolog.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		conns:          conns,
		sessions:       sessions,
		history:        hist,
		log:            log.With().Str("component", "ws").Logger(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range cfg.Current().Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/api/sessions", securityHeaders(http.HandlerFunc(s.handleSessions)))
	mux.Handle("/api/sessions/", securityHeaders(http.HandlerFunc(s.handleSessionByID)))
	mux.Handle("/api/connections", securityHeaders(http.HandlerFunc(s.handleConnections)))
	mux.Handle("/api/events/recent", securityHeaders(http.HandlerFunc(s.handleRecentEvents)))
	mux.Handle("/api/health", securityHeaders(http.HandlerFunc(s.handleHealth)))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	wsc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade")
		return
	}

	t := newTransport(wsc)
	if _, err := s.conns.Admit(clientID, t); err != nil {
		if errors.Is(err, conn.ErrDuplicateClient) {
			// The transport was never admitted, so nothing else writes on
			// this socket; a direct write is safe and flushes before close.
			_ = wsc.WriteMessage(websocket.TextMessage, newErrorFrame("", "client_id already connected"))
		}
		s.log.Warn().Err(err).Str("client", clientID).Msg("admission refused")
		_ = t.Close()
		return
	}

	s.log.Info().Str("client", clientID).Str("remote", r.RemoteAddr).Msg("client connected")

	go s.readLoop(clientID, wsc)
}

// readLoop is the per-connection receive task. Any read error means the
// peer is gone; Remove is the single cleanup path.
func (s *Server) readLoop(clientID string, wsc *websocket.Conn) {
	defer func() {
		s.conns.Remove(clientID)
		s.log.Info().Str("client", clientID).Msg("client disconnected")
	}()

	for {
		_, data, err := wsc.ReadMessage()
		if err != nil {
			return
		}
		s.conns.Touch(clientID)
		s.handleCommand(clientID, data)
	}
}

func (s *Server) handleCommand(clientID string, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.sendError(clientID, "", "malformed command")
		return
	}

	switch cmd.Action {
	case ActionStartJob:
		sessionID, err := s.sessions.CreateSession(clientID, cmd.Payload)
		if err != nil {
			s.sendError(clientID, ActionStartJob, err.Error())
			return
		}
		s.conns.MarkSubscribed(clientID, sessionID)

	case ActionSubscribe:
		if err := s.sessions.Subscribe(cmd.SessionID, clientID); err != nil {
			s.sendError(clientID, ActionSubscribe, err.Error())
			return
		}
		s.conns.MarkSubscribed(clientID, cmd.SessionID)

	case ActionUnsubscribe:
		s.sessions.Unsubscribe(cmd.SessionID, clientID)
		s.conns.MarkUnsubscribed(clientID, cmd.SessionID)

	case ActionPing:
		// Touch already happened on receive; a ping has no reply.

	default:
		s.sendError(clientID, cmd.Action, "unknown action")
	}
}

func (s *Server) sendError(clientID string, action Action, message string) {
	if err := s.conns.Send(clientID, newErrorFrame(action, message)); err != nil {
		s.log.Debug().Err(err).Str("client", clientID).Msg("error frame not delivered")
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, s.sessions.Snapshots())
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/api/sessions/"))
	if err != nil || sessionID == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	snap, ok := s.sessions.GetStatus(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, s.conns.Snapshots())
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, s.history.Recent())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int{
		"active_connections": s.conns.Count(),
		"active_sessions":    s.sessions.ActiveCount(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.Current().Server.AuthToken
	if token == "" {
		return true
	}

	if r.URL.Query().Get("token") == token {
		return true
	}

	if r.Header.Get("X-Jobcast-Token") == token {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	return http.ListenAndServe(addr, mux)
}

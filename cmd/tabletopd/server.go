package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"vttcore/internal/config"
	"vttcore/internal/connmanager"
	"vttcore/internal/transport"
)

// Server exposes the session WebSocket upgrade path and a couple of health
// endpoints over HTTP, mirroring cmd/explorer's router/Server split with
// gorilla/mux standing in for explorer's own use of it.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	manager    *connmanager.Manager
	log        *logrus.Entry
}

// NewServer builds the router and underlying http.Server, wiring wsPath to
// the ConnectionManager's accept path.
func NewServer(cfg *config.Config, manager *connmanager.Manager, log *logrus.Entry) *Server {
	s := &Server{router: mux.NewRouter(), manager: manager, log: log}
	s.routes(cfg.Server.WSPath)
	s.httpServer = &http.Server{Addr: cfg.Server.ListenAddr, Handler: s.router}
	return s
}

func (s *Server) routes(wsPath string) {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/sessions", s.handleSessions).Methods("GET")
	s.router.HandleFunc(wsPath, s.handleWS).Methods("GET")
}

func (s *Server) Start() error { return s.httpServer.ListenAndServe() }

func (s *Server) Shutdown(ctx context.Context) error {
	s.manager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"sessions": s.manager.SessionCodes()})
}

// handleWS upgrades the request and hands the connection to the
// ConnectionManager, which looks up or creates the named session and adds
// the connection to that session's broker.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionCode, clientID, userID, username := q.Get("session"), q.Get("client_id"), q.Get("user_id"), q.Get("username")
	if sessionCode == "" || clientID == "" || userID == "" {
		http.Error(w, "session, client_id and user_id query parameters are required", http.StatusBadRequest)
		return
	}

	conn, err := transport.Upgrade(w, r)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	go func() {
		if err := s.manager.Accept(context.Background(), sessionCode, clientID, userID, username, conn); err != nil {
			s.log.WithError(err).WithField("session_code", sessionCode).Warn("session accept failed")
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

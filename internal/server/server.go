// Package server wires the REST surface and the WebSocket gateway onto
// one mux.
package server

import (
	"net/http"

	"github.com/peterje/periscope/internal/api"
	"github.com/peterje/periscope/internal/db"
	"github.com/peterje/periscope/internal/models"
	"github.com/peterje/periscope/internal/session"
	"github.com/peterje/periscope/internal/stats"
	"github.com/peterje/periscope/internal/tmux"
	"github.com/peterje/periscope/internal/topology"
	"github.com/peterje/periscope/internal/ws"
)

type Server struct {
	mux   *http.ServeMux
	tmux  *tmux.Client
	tools []models.ToolStatus
}

func New(tc *tmux.Client, engine *session.Engine, topo *topology.Synchronizer, store *db.Store, tools []models.ToolStatus) *Server {
	s := &Server{
		mux:   http.NewServeMux(),
		tmux:  tc,
		tools: tools,
	}
	s.routes(engine, topo, store)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes(engine *session.Engine, topo *topology.Synchronizer, store *db.Store) {
	sessions := api.NewSessionsHandler(s.tmux, store)
	settings := api.NewSettingsHandler(store)
	history := api.NewHistoryHandler(store)
	wsHandler := ws.NewHandler(engine, s.tmux, topo, store)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	// Sessions (REST view; live streaming goes over /ws)
	s.mux.HandleFunc("GET /api/sessions", sessions.HandleList)
	s.mux.HandleFunc("POST /api/sessions", sessions.HandleCreate)
	s.mux.HandleFunc("DELETE /api/sessions/{name}", sessions.HandleDelete)

	// Connection history
	s.mux.HandleFunc("GET /api/history", history.HandleList)

	// Settings
	s.mux.HandleFunc("GET /api/settings", settings.HandleList)
	s.mux.HandleFunc("GET /api/settings/{key}", settings.HandleGet)
	s.mux.HandleFunc("PUT /api/settings/{key}", settings.HandlePut)
	s.mux.HandleFunc("DELETE /api/settings/{key}", settings.HandleDelete)

	// WebSocket
	s.mux.Handle("GET /ws", wsHandler)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{
		Status: "ok",
		Tools:  s.tools,
		Tmux:   s.tmux.EnsureServer(r.Context()) == nil,
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, stats.Collect())
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/peterje/periscope/internal/db"
	"github.com/peterje/periscope/internal/tmux"
)

// SessionsHandler serves the REST view of tmux sessions. These are
// conveniences around the same Process Adapter the WebSocket gateway
// uses; all live streaming goes through the gateway instead.
type SessionsHandler struct {
	tmux  *tmux.Client
	store *db.Store
}

func NewSessionsHandler(tc *tmux.Client, store *db.Store) *SessionsHandler {
	return &SessionsHandler{tmux: tc, store: store}
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.tmux.ListSessions(r.Context())
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	name := body.Name
	if name == "" {
		name = fmt.Sprintf("session-%s", uuid.New().String()[:8])
	}

	if err := h.tmux.CreateSession(r.Context(), name); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.store.RecordEvent("session-created", name, "", "via REST")
	WriteJSON(w, http.StatusCreated, map[string]any{"success": true, "sessionName": name})
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		WriteError(w, http.StatusBadRequest, "missing session name")
		return
	}

	if err := h.tmux.KillSession(r.Context(), name); err != nil {
		if errors.Is(err, tmux.ErrSessionNotFound) {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.store.RecordEvent("session-killed", name, "", "via REST")
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/peterje/periscope/internal/db"
)

// SettingsHandler persists small UI preferences (theme, default mode,
// font size) keyed by name.
type SettingsHandler struct {
	store *db.Store
}

func NewSettingsHandler(store *db.Store) *SettingsHandler {
	return &SettingsHandler{store: store}
}

func (h *SettingsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	settings, err := h.store.ListSettings()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, settings)
}

func (h *SettingsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	setting, err := h.store.GetSetting(key)
	if errors.Is(err, sql.ErrNoRows) {
		WriteError(w, http.StatusNotFound, "setting not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, setting)
}

func (h *SettingsHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.store.SetSetting(key, body.Value); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *SettingsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := h.store.DeleteSetting(key); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HistoryHandler exposes the connection event log.
type HistoryHandler struct {
	store *db.Store
}

func NewHistoryHandler(store *db.Store) *HistoryHandler {
	return &HistoryHandler{store: store}
}

func (h *HistoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}
	events, err := h.store.RecentEvents(limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, events)
}

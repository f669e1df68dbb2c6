package models

import "time"

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConnectionEvent is one row of attach/detach/mutation history.
type ConnectionEvent struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	SessionName string    `json:"session_name"`
	ClientID    string    `json:"client_id"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToolStatus reports whether an external binary was found on PATH.
type ToolStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type HealthResponse struct {
	Status string       `json:"status"`
	Tools  []ToolStatus `json:"tools"`
	Tmux   bool         `json:"tmux"`
}

// Package protocol defines the WebSocket wire protocol between browser
// clients and the server. Each message is one JSON object with a "type"
// discriminant. The set of inbound types is closed: unknown or malformed
// frames decode to an error, never to a silently ignored message.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/peterje/periscope/internal/tmux"
)

// Error codes carried on error frames.
const (
	CodeProtocol        = "protocol-error"
	CodeSessionNotFound = "session-not-found"
	CodeWindowNotFound  = "window-not-found"
	CodeAttachConflict  = "attach-conflict"
	CodeSubprocess      = "subprocess-failure"
	CodeTimeout         = "subprocess-timeout"
	CodePtySpawn        = "pty-spawn-failure"
	CodeInternal        = "internal-error"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// ClientMessage is implemented by every inbound message variant.
type ClientMessage interface{ clientMessage() }

type ListSessions struct{}

type AttachSession struct {
	SessionName string `json:"sessionName"`
	Cols        int    `json:"cols"`
	Rows        int    `json:"rows"`
	// Mode is "direct" or "isolated"; empty means the server default.
	Mode string `json:"mode,omitempty"`
}

type Input struct {
	Data string `json:"data"`
}

type Resize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type ListWindows struct {
	SessionName string `json:"sessionName"`
}

type CreateSession struct {
	Name string `json:"name,omitempty"`
}

type KillSession struct {
	SessionName string `json:"sessionName"`
}

type RenameSession struct {
	SessionName string `json:"sessionName"`
	NewName     string `json:"newName"`
}

type CreateWindow struct {
	SessionName string `json:"sessionName"`
	WindowName  string `json:"windowName,omitempty"`
}

type KillWindow struct {
	SessionName string `json:"sessionName"`
	WindowIndex int    `json:"windowIndex"`
}

type RenameWindow struct {
	SessionName string `json:"sessionName"`
	WindowIndex int    `json:"windowIndex"`
	NewName     string `json:"newName"`
}

type SelectWindow struct {
	SessionName string `json:"sessionName"`
	WindowIndex int    `json:"windowIndex"`
}

type Ping struct{}

type GetStats struct{}

type AudioControl struct {
	Action string `json:"action"` // "start" or "stop"
}

func (*ListSessions) clientMessage()  {}
func (*AttachSession) clientMessage() {}
func (*Input) clientMessage()         {}
func (*Resize) clientMessage()        {}
func (*ListWindows) clientMessage()   {}
func (*CreateSession) clientMessage() {}
func (*KillSession) clientMessage()   {}
func (*RenameSession) clientMessage() {}
func (*CreateWindow) clientMessage()  {}
func (*KillWindow) clientMessage()    {}
func (*RenameWindow) clientMessage()  {}
func (*SelectWindow) clientMessage()  {}
func (*Ping) clientMessage()          {}
func (*GetStats) clientMessage()      {}
func (*AudioControl) clientMessage()  {}

// DecodeClient parses one inbound frame. The returned error wraps
// ErrUnknownType or ErrMalformed so the gateway can reply without
// tearing down the connection.
func DecodeClient(data []byte) (ClientMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	decode := func(dst ClientMessage) (ClientMessage, error) {
		if err := json.Unmarshal(data, dst); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, envelope.Type, err)
		}
		return dst, nil
	}

	switch envelope.Type {
	case "list-sessions":
		return &ListSessions{}, nil
	case "attach-session":
		return decode(&AttachSession{})
	case "input":
		return decode(&Input{})
	case "resize":
		return decode(&Resize{})
	case "list-windows":
		return decode(&ListWindows{})
	case "create-session":
		return decode(&CreateSession{})
	case "kill-session":
		return decode(&KillSession{})
	case "rename-session":
		return decode(&RenameSession{})
	case "create-window":
		return decode(&CreateWindow{})
	case "kill-window":
		return decode(&KillWindow{})
	case "rename-window":
		return decode(&RenameWindow{})
	case "select-window":
		return decode(&SelectWindow{})
	case "ping":
		return &Ping{}, nil
	case "get-stats":
		return &GetStats{}, nil
	case "audio-control":
		return decode(&AudioControl{})
	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}
}

// ServerMessage is any outbound frame. All variants are plain structs with
// a fixed Type; Encode marshals them for the wire.
type ServerMessage any

func Encode(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

type SessionsList struct {
	Type     string                `json:"type"`
	Sessions []tmux.SessionSummary `json:"sessions"`
}

func NewSessionsList(sessions []tmux.SessionSummary) SessionsList {
	return SessionsList{Type: "sessions-list", Sessions: sessions}
}

type Attached struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	Mode        string `json:"mode"`
}

func NewAttached(sessionName, mode string) Attached {
	return Attached{Type: "attached", SessionName: sessionName, Mode: mode}
}

type Output struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func NewOutput(data string) Output {
	return Output{Type: "output", Data: data}
}

type Disconnected struct {
	Type string `json:"type"`
}

func NewDisconnected() Disconnected {
	return Disconnected{Type: "disconnected"}
}

type WindowsList struct {
	Type        string        `json:"type"`
	SessionName string        `json:"sessionName"`
	Windows     []tmux.Window `json:"windows"`
}

func NewWindowsList(sessionName string, windows []tmux.Window) WindowsList {
	return WindowsList{Type: "windows-list", SessionName: sessionName, Windows: windows}
}

type MutationResult struct {
	Type        string `json:"type"`
	Success     bool   `json:"success"`
	SessionName string `json:"sessionName,omitempty"`
	WindowIndex *int   `json:"windowIndex,omitempty"`
	Error       string `json:"error,omitempty"`
}

func NewMutationResult(typ string, err error) MutationResult {
	m := MutationResult{Type: typ, Success: err == nil}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

type TmuxUpdate struct {
	Type  string        `json:"type"`
	Event TopologyEvent `json:"event"`
}

func NewTmuxUpdate(event TopologyEvent) TmuxUpdate {
	return TmuxUpdate{Type: "tmux-update", Event: event}
}

// TopologyEvent describes one structural change observed by the
// synchronizer between two polling cycles.
type TopologyEvent struct {
	Kind        string `json:"kind"` // session-added, window-renamed, ...
	SessionName string `json:"sessionName"`
	WindowIndex *int   `json:"windowIndex,omitempty"`
	OldName     string `json:"oldName,omitempty"`
	NewName     string `json:"newName,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: "error", Message: message, Code: code}
}

type Pong struct {
	Type string `json:"type"`
}

func NewPong() Pong {
	return Pong{Type: "pong"}
}

type Stats struct {
	Type  string `json:"type"`
	Stats any    `json:"stats"`
}

func NewStats(stats any) Stats {
	return Stats{Type: "stats", Stats: stats}
}

type AudioStatus struct {
	Type      string `json:"type"`
	Streaming bool   `json:"streaming"`
	Error     string `json:"error,omitempty"`
}

func NewAudioStatus(streaming bool, err error) AudioStatus {
	s := AudioStatus{Type: "audio-status", Streaming: streaming}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

type AudioData struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64-encoded chunk
}

func NewAudioData(data string) AudioData {
	return AudioData{Type: "audio-data", Data: data}
}

// Package protocol defines the wire events exchanged between viewers,
// the relay, and host daemons. Every websocket frame is an Envelope;
// payload shapes are fixed per message type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types. Viewer-origin types are forwarded to the room's host,
// host-origin types are fanned out to every viewer in the room.
const (
	// Rendezvous.
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeJoin       = "join"
	TypeStatus     = "status"
	TypeError      = "error"

	// Agent conversation.
	TypeMessage  = "message"
	TypeResponse = "response"
	TypeActivity = "activity"
	TypeResult   = "result"

	// Permission bridging.
	TypePermissionRequest  = "permission_request"
	TypePermissionResponse = "permission_response"

	// Ad-hoc command execution.
	TypeCommandRun    = "command.run"
	TypeCommandOutput = "command.output"
	TypeCommandExit   = "command.exit"

	// Workspace discovery.
	TypeWorkspaceScan     = "workspace.scan"
	TypeWorkspaceProjects = "workspace.projects"
	TypeWorkspaceChanged  = "workspace.changed"
	TypeBrowse            = "fs.browse"
	TypeEntries           = "fs.entries"
	TypeProjectCreate     = "project.create"
	TypeProjectCreated    = "project.created"

	// Interactive terminal sessions.
	TypeTerminalAttach = "terminal.attach"
	TypeTerminalInput  = "terminal.input"
	TypeTerminalResize = "terminal.resize"
	TypeTerminalDetach = "terminal.detach"
	TypeTerminalOutput = "terminal.output"
	TypeTerminalStatus = "terminal.status"
)

// Envelope wraps every frame on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a payload into a ready-to-send envelope.
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

type Register struct {
	Code       string `json:"code"`
	WorkingDir string `json:"working_dir,omitempty"`
}

type Registered struct {
	OK bool `json:"ok"`
}

type Join struct {
	Code string `json:"code"`
}

// Status reports host connectivity for a room.
type Status struct {
	State      string `json:"state"` // "connected" or "disconnected"
	WorkingDir string `json:"working_dir,omitempty"`
}

// Message is a viewer's instruction to the agent. The relay tags Sender
// before forwarding; viewers never set it themselves.
type Message struct {
	Content     string `json:"content"`
	WorkingDir  string `json:"working_dir,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	AutoApprove bool   `json:"auto_approve,omitempty"`
	Sender      string `json:"sender,omitempty"`
}

// Response is a streamed content delta from the agent.
type Response struct {
	Content string `json:"content"`
	Kind    string `json:"kind"` // "text" or "error"
	Done    bool   `json:"done"`
}

// Activity describes what the agent is currently doing.
type Activity struct {
	Kind    string          `json:"kind"` // "tool_use", "progress", "status"
	Tool    string          `json:"tool,omitempty"`
	Message string          `json:"message"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// Result closes an agent turn.
type Result struct {
	Result     string  `json:"result,omitempty"`
	IsError    bool    `json:"is_error"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
}

type PermissionRequest struct {
	RequestID   string   `json:"request_id"`
	Action      string   `json:"action"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
}

type PermissionResponse struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

// Error is delivered to a single sender, never broadcast.
type Error struct {
	Message string `json:"message"`
}

type CommandRun struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
}

type CommandOutput struct {
	ID     string `json:"id"`
	Stream string `json:"stream"` // "stdout" or "stderr"
	Data   string `json:"data"`
}

type CommandExit struct {
	ID         string `json:"id"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

type WorkspaceScan struct {
	Root string `json:"root"`
}

// Project is one discovered project directory under the workspace root.
type Project struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Framework string `json:"framework,omitempty"`
}

type WorkspaceProjects struct {
	Root      string    `json:"root"`
	Projects  []Project `json:"projects"`
	ScannedAt int64     `json:"scanned_at"` // unix millis
}

type WorkspaceChanged struct {
	Root string `json:"root"`
}

type Browse struct {
	Path string `json:"path"`
}

// FileEntry is one directory listing entry.
type FileEntry struct {
	Name string `json:"name"`
	Type string `json:"type"` // "file", "directory", "symlink"
}

type Entries struct {
	Path    string      `json:"path"`
	Entries []FileEntry `json:"entries"`
}

type ProjectCreate struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

type ProjectCreated struct {
	Path  string `json:"path"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type TerminalAttach struct {
	TerminalID string `json:"terminal_id"`
	WorkingDir string `json:"working_dir,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

type TerminalInput struct {
	TerminalID string `json:"terminal_id"`
	Data       string `json:"data"` // base64
}

type TerminalResize struct {
	TerminalID string `json:"terminal_id"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

type TerminalDetach struct {
	TerminalID string `json:"terminal_id"`
}

type TerminalOutput struct {
	TerminalID string `json:"terminal_id"`
	Data       string `json:"data"` // base64
}

type TerminalStatus struct {
	TerminalID string `json:"terminal_id"`
	Status     string `json:"status"` // "attached", "closed", "error"
	Message    string `json:"message,omitempty"`
}

package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Handshake headers carried by the agent's upgrade request.
const (
	HeaderAgentID     = "X-Agent-ID"
	HeaderAgentSecret = "X-Agent-Secret"
)

// MessageType is the envelope discriminant.
type MessageType string

const (
	// Agent -> control plane pushes.
	TypeHeartbeat   MessageType = "HEARTBEAT"
	TypeShellOutput MessageType = "SHELL_OUTPUT"
	TypeShellExit   MessageType = "SHELL_EXIT"

	// Control plane -> agent correlated requests.
	TypeFileAction     MessageType = "FILE_ACTION"
	TypeDatabaseAction MessageType = "DATABASE_ACTION"
	TypeWebAction      MessageType = "WEB_ACTION"
	TypeSSLAction      MessageType = "SSL_ACTION"
	TypeExecCommand    MessageType = "EXEC_COMMAND"

	// Control plane -> agent fire-and-forget shell pushes.
	TypeShellStart MessageType = "SHELL_START"
	TypeShellInput MessageType = "SHELL_INPUT"
	TypeShellStop  MessageType = "SHELL_STOP"

	// Agent -> control plane reply. Replies are matched by requestId, so
	// agents may also echo the request type instead.
	TypeResponse MessageType = "RESPONSE"
)

// Envelope is the single wire shape in both directions. Which optional
// fields are meaningful depends on Type.
type Envelope struct {
	RequestID string          `json:"requestId,omitempty"`
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ShellID   string          `json:"shellId,omitempty"`
	Stream    string          `json:"stream,omitempty"`
	Code      *int            `json:"code,omitempty"`
}

// ShellOptions are sent with SHELL_START.
type ShellOptions struct {
	Cwd  string `json:"cwd,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// StreamKind labels a shell output record.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
	StreamSystem StreamKind = "system"
)

// ShellRecord is one buffered unit of shell output.
type ShellRecord struct {
	Stream    StreamKind `json:"stream"`
	Data      string     `json:"data"`
	Timestamp time.Time  `json:"timestamp"`
}

var (
	// ErrTunnelNotActive is returned when no live connection exists for an agent.
	ErrTunnelNotActive = errors.New("tunnel not active")
	// ErrTunnelTimeout is returned when the agent does not answer in time.
	ErrTunnelTimeout = errors.New("tunnel request timed out")
	// ErrShellNotFound is returned when polling an unknown shell session.
	ErrShellNotFound = errors.New("shell session not found")

	// Handshake failures.
	ErrMissingCredentials = errors.New("missing agent credentials")
	ErrInvalidCredentials = errors.New("invalid agent credentials")
	ErrNodeSuspended      = errors.New("node suspended")
)

// AgentError is a reply that carried an error instead of data.
type AgentError struct {
	Type    MessageType
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent error (%s): %s", e.Type, e.Message)
}

// decodeText extracts a string payload. Agents send shell output as a
// JSON string; anything else is passed through verbatim.
func decodeText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

package tunnel

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/observability"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
)

// DefaultRequestTimeout bounds how long a correlated request waits for a reply.
const DefaultRequestTimeout = 10 * time.Second

// NodeStore is the slice of the registry the tunnel manager needs.
type NodeStore interface {
	GetNode(ctx context.Context, nodeID string) (*store.Node, error)
	UpdateNodeConnection(ctx context.Context, nodeID string, status store.NodeStatus, mode store.ConnectionMode) error
	UpdateNodeMetrics(ctx context.Context, nodeID string, m store.Metrics, seenAt time.Time) error
}

// Sender is one live agent connection. Send must be safe for concurrent use.
type Sender interface {
	Send(env Envelope) error
	Close() error
}

// Options tunes a Manager. Zero values pick defaults.
type Options struct {
	RequestTimeout time.Duration
	ShellCapacity  int
	// HeartbeatRate and HeartbeatBurst bound heartbeat store writes across all agents.
	HeartbeatRate  float64
	HeartbeatBurst int
	Logger         *slog.Logger
}

// Manager owns the live agent connections, the pending request table
// and the interactive shell buffers.
type Manager struct {
	nodes   NodeStore
	logger  *slog.Logger
	timeout time.Duration

	mu    sync.RWMutex
	conns map[string]Sender

	pending          *pendingTable
	shells           *shellRegistry
	heartbeatLimiter *rate.Limiter
	newID            func() string
	now              func() time.Time
}

// NewManager creates a tunnel manager backed by nodes.
func NewManager(nodes NodeStore, opts Options) *Manager {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.HeartbeatRate <= 0 {
		opts.HeartbeatRate = 200
	}
	if opts.HeartbeatBurst <= 0 {
		opts.HeartbeatBurst = 400
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		nodes:            nodes,
		logger:           opts.Logger.With("component", "tunnel"),
		timeout:          opts.RequestTimeout,
		conns:            make(map[string]Sender),
		pending:          newPendingTable(),
		shells:           newShellRegistry(opts.ShellCapacity),
		heartbeatLimiter: rate.NewLimiter(rate.Limit(opts.HeartbeatRate), opts.HeartbeatBurst),
		newID:            uuid.NewString,
		now:              time.Now,
	}
}

// Authenticate checks handshake credentials against the registry.
func (m *Manager) Authenticate(ctx context.Context, agentID, secret string) (*store.Node, error) {
	if agentID == "" || secret == "" {
		return nil, ErrMissingCredentials
	}
	node, err := m.nodes.GetNode(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup node %s: %w", agentID, err)
	}
	if node == nil || node.AgentSecret == "" ||
		subtle.ConstantTimeCompare([]byte(node.AgentSecret), []byte(secret)) != 1 {
		return nil, ErrInvalidCredentials
	}
	if node.Status == store.StatusSuspended {
		return nil, ErrNodeSuspended
	}
	return node, nil
}

// Register makes conn the live connection for agentID. A previous
// connection for the same agent is closed.
func (m *Manager) Register(ctx context.Context, agentID string, conn Sender) {
	m.mu.Lock()
	prior := m.conns[agentID]
	m.conns[agentID] = conn
	count := len(m.conns)
	m.mu.Unlock()

	observability.TunnelConnections.Set(float64(count))
	if prior != nil && prior != conn {
		m.logger.Info("replacing existing tunnel", "agent_id", agentID)
		_ = prior.Close()
	}

	if err := m.nodes.UpdateNodeConnection(ctx, agentID, store.StatusActive, store.ModeTunnel); err != nil {
		m.logger.Error("failed to record tunnel connection", "agent_id", agentID, "error", err)
	}
	m.logger.Info("agent tunnel established", "agent_id", agentID)
}

// Unregister drops conn if it is still the live connection for agentID.
// It reports whether an entry was removed.
func (m *Manager) Unregister(agentID string, conn Sender) bool {
	m.mu.Lock()
	current, ok := m.conns[agentID]
	removed := ok && current == conn
	if removed {
		delete(m.conns, agentID)
	}
	count := len(m.conns)
	m.mu.Unlock()

	if removed {
		observability.TunnelConnections.Set(float64(count))
		m.logger.Info("agent tunnel closed", "agent_id", agentID)
	}
	return removed
}

// Disconnect closes the live connection of agentID, if any. Used when a
// node is deleted or suspended.
func (m *Manager) Disconnect(agentID string) bool {
	m.mu.Lock()
	conn, ok := m.conns[agentID]
	delete(m.conns, agentID)
	count := len(m.conns)
	m.mu.Unlock()

	if !ok {
		return false
	}
	observability.TunnelConnections.Set(float64(count))
	_ = conn.Close()
	m.logger.Info("agent tunnel disconnected", "agent_id", agentID)
	return true
}

// IsConnected reports whether agentID has a live tunnel.
func (m *Manager) IsConnected(agentID string) bool {
	return m.conn(agentID) != nil
}

func (m *Manager) conn(agentID string) Sender {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[agentID]
}

// SendCommand sends a correlated request to agentID and waits for the
// reply, the request timeout, or ctx cancellation, whichever comes first.
func (m *Manager) SendCommand(ctx context.Context, agentID string, msgType MessageType, data interface{}) (json.RawMessage, error) {
	conn := m.conn(agentID)
	if conn == nil {
		observability.TunnelRequests.WithLabelValues(string(msgType), "not_active").Inc()
		return nil, fmt.Errorf("%w: %s", ErrTunnelNotActive, agentID)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}

	requestID := m.newID()
	timeout := m.timeout
	replies := m.pending.add(requestID, agentID, msgType, timeout, func() error {
		return fmt.Errorf("%w: %s to %s after %s", ErrTunnelTimeout, msgType, agentID, timeout)
	})
	observability.PendingRequests.Set(float64(m.pending.len()))

	if err := conn.Send(Envelope{RequestID: requestID, Type: msgType, Data: payload}); err != nil {
		m.pending.complete(requestID, result{err: fmt.Errorf("send %s to %s: %w", msgType, agentID, err)})
	}

	var r result
	select {
	case r = <-replies:
	case <-ctx.Done():
		m.pending.complete(requestID, result{err: ctx.Err()})
		r = <-replies
	}
	observability.PendingRequests.Set(float64(m.pending.len()))
	observability.TunnelRequests.WithLabelValues(string(msgType), outcome(r.err)).Inc()
	return r.data, r.err
}

func outcome(err error) string {
	var agentErr *AgentError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &agentErr):
		return "agent_error"
	case errors.Is(err, ErrTunnelTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "write_error"
	}
}

// HandleMessage routes one inbound envelope from agentID.
func (m *Manager) HandleMessage(ctx context.Context, agentID string, env Envelope) {
	switch env.Type {
	case TypeHeartbeat:
		m.handleHeartbeat(ctx, agentID, env)
	case TypeShellOutput:
		stream := StreamKind(env.Stream)
		if stream != StreamStderr {
			stream = StreamStdout
		}
		if !m.shells.append(agentID, env.ShellID, stream, decodeText(env.Data)) {
			observability.TunnelDroppedMessages.WithLabelValues("unknown_shell").Inc()
		}
	case TypeShellExit:
		code := 0
		if env.Code != nil {
			code = *env.Code
		}
		if !m.shells.exit(agentID, env.ShellID, code) {
			observability.TunnelDroppedMessages.WithLabelValues("unknown_shell").Inc()
		}
	default:
		if env.RequestID == "" {
			observability.TunnelDroppedMessages.WithLabelValues("unknown_type").Inc()
			m.logger.Debug("dropping message without request id", "agent_id", agentID, "type", env.Type)
			return
		}
		var r result
		if env.Error != "" {
			r.err = &AgentError{Type: env.Type, Message: env.Error}
		} else {
			r.data = env.Data
		}
		if !m.pending.completeFrom(env.RequestID, agentID, r) {
			observability.TunnelDroppedMessages.WithLabelValues("unmatched").Inc()
			m.logger.Debug("dropping unmatched reply", "agent_id", agentID, "request_id", env.RequestID)
		}
	}
}

func (m *Manager) handleHeartbeat(ctx context.Context, agentID string, env Envelope) {
	if !m.heartbeatLimiter.Allow() {
		observability.TunnelDroppedMessages.WithLabelValues("heartbeat_throttled").Inc()
		return
	}
	var metrics store.Metrics
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &metrics); err != nil {
			m.logger.Warn("malformed heartbeat", "agent_id", agentID, "error", err)
			return
		}
	}
	if err := m.nodes.UpdateNodeMetrics(ctx, agentID, metrics, m.now()); err != nil {
		m.logger.Error("failed to record heartbeat", "agent_id", agentID, "error", err)
	}
}

// StartShell opens an interactive shell on agentID. An empty shellID is
// replaced by a generated one, which is returned.
func (m *Manager) StartShell(agentID, shellID string, opts ShellOptions) (string, error) {
	conn := m.conn(agentID)
	if conn == nil {
		return "", fmt.Errorf("%w: %s", ErrTunnelNotActive, agentID)
	}
	if shellID == "" {
		shellID = m.newID()
	}
	payload, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	m.shells.create(shellID, agentID)
	if err := conn.Send(Envelope{Type: TypeShellStart, ShellID: shellID, Data: payload}); err != nil {
		m.shells.remove(shellID)
		return "", fmt.Errorf("start shell on %s: %w", agentID, err)
	}
	return shellID, nil
}

// SendInput forwards keystrokes to a running shell.
func (m *Manager) SendInput(shellID, input string) error {
	conn, err := m.shellConn(shellID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(base64.StdEncoding.EncodeToString([]byte(input)))
	if err != nil {
		return err
	}
	return conn.Send(Envelope{Type: TypeShellInput, ShellID: shellID, Data: payload})
}

// StopShell asks the agent to terminate the shell and forgets its buffer.
func (m *Manager) StopShell(shellID string) error {
	conn, err := m.shellConn(shellID)
	m.shells.remove(shellID)
	if err != nil {
		return err
	}
	return conn.Send(Envelope{Type: TypeShellStop, ShellID: shellID})
}

// PollOutput drains the buffered output of a shell.
func (m *Manager) PollOutput(shellID string) ([]ShellRecord, error) {
	records, ok := m.shells.drain(shellID)
	if !ok {
		return nil, ErrShellNotFound
	}
	return records, nil
}

// ShellOwner returns the agent a shell session runs on.
func (m *Manager) ShellOwner(shellID string) (string, bool) {
	return m.shells.owner(shellID)
}

func (m *Manager) shellConn(shellID string) (Sender, error) {
	agentID, ok := m.shells.owner(shellID)
	if !ok {
		return nil, ErrShellNotFound
	}
	conn := m.conn(agentID)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrTunnelNotActive, agentID)
	}
	return conn, nil
}

// Shutdown closes every live connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]Sender)
	m.mu.Unlock()

	for id, c := range conns {
		if err := c.Close(); err != nil {
			m.logger.Debug("close tunnel", "agent_id", id, "error", err)
		}
	}
	observability.TunnelConnections.Set(0)
}

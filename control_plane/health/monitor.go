package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/observability"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/secret"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/streaming"
)

// Registry is the part of the store the monitor reads and writes.
type Registry interface {
	ListNodes(ctx context.Context) ([]*store.Node, error)
	UpdateNodeStatus(ctx context.Context, nodeID string, status store.NodeStatus, m *store.Metrics, seenAt time.Time) error
	AppendMetricSample(ctx context.Context, sample store.MetricSample) error
	AppendNotification(ctx context.Context, n *store.Notification) error
}

// TunnelPresence reports live tunnels.
type TunnelPresence interface {
	IsConnected(agentID string) bool
}

// Options configures a Monitor.
type Options struct {
	Interval      time.Duration
	StartDelay    time.Duration
	LocalAgentURL string
	AgentPort     int
	// PingPorts are tried in order; any open port means the machine is up.
	PingPorts []int
	Logger    *slog.Logger
}

// Monitor periodically re-evaluates every node's status.
type Monitor struct {
	store     Registry
	tunnels   TunnelPresence
	probe     Probe
	publisher streaming.Publisher
	cipher    secret.Cipher
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex // held for a whole tick
	prev map[string]store.NodeStatus
}

// NewMonitor creates a Monitor.
func NewMonitor(s Registry, tunnels TunnelPresence, probe Probe, publisher streaming.Publisher, cipher secret.Cipher, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.StartDelay <= 0 {
		opts.StartDelay = 5 * time.Second
	}
	if opts.AgentPort == 0 {
		opts.AgentPort = 4000
	}
	if len(opts.PingPorts) == 0 {
		opts.PingPorts = []int{22, 80, 443}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cipher == nil {
		cipher = secret.Plaintext{}
	}
	return &Monitor{
		store:     s,
		tunnels:   tunnels,
		probe:     probe,
		publisher: publisher,
		cipher:    cipher,
		opts:      opts,
		logger:    opts.Logger.With("component", "health"),
		now:       time.Now,
		prev:      make(map[string]store.NodeStatus),
	}
}

// Start runs the poll loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	m.logger.Info("starting node health monitor", "interval", m.opts.Interval, "start_delay", m.opts.StartDelay)

	first := time.NewTimer(m.opts.StartDelay)
	defer first.Stop()
	select {
	case <-ctx.Done():
		return
	case <-first.C:
		m.Tick(ctx)
	}

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

type observation struct {
	status  store.NodeStatus
	metrics *store.Metrics
}

// Tick evaluates every node once. Concurrent calls are serialized.
func (m *Monitor) Tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.now()
	defer func() {
		observability.HealthTickDuration.Observe(time.Since(start).Seconds())
	}()

	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		m.logger.Error("failed to list nodes", "error", err)
		return
	}

	counts := make(map[store.NodeStatus]int)
	for _, n := range nodes {
		if ctx.Err() != nil {
			return
		}
		status, err := m.check(ctx, n)
		if err != nil {
			m.logger.Error("health check failed", "node_id", n.ID, "error", err)
		}
		counts[status]++
	}

	for _, s := range []store.NodeStatus{
		store.StatusUnknown, store.StatusActive, store.StatusOnline, store.StatusOffline,
		store.StatusSuspended, store.StatusDeployFailed, store.StatusConnectionError,
	} {
		observability.NodesByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// check evaluates one node and persists the outcome. It returns the
// status the node is considered to be in afterwards.
func (m *Monitor) check(ctx context.Context, n *store.Node) (store.NodeStatus, error) {
	prev, seen := m.prev[n.ID]
	if !seen {
		prev = n.Status
	}
	if n.Status == store.StatusSuspended {
		m.prev[n.ID] = n.Status
		return n.Status, nil
	}

	obs := m.evaluate(ctx, n)
	now := m.now()

	if obs.metrics != nil {
		if err := m.store.AppendMetricSample(ctx, store.NewMetricSample(n.ID, *obs.metrics, now)); err != nil {
			m.logger.Warn("failed to append metric sample", "node_id", n.ID, "error", err)
		}
	}

	if obs.status == prev {
		m.prev[n.ID] = prev
		return prev, nil
	}

	if err := m.store.UpdateNodeStatus(ctx, n.ID, obs.status, obs.metrics, now); err != nil {
		return prev, fmt.Errorf("persist status %s: %w", obs.status, err)
	}
	m.prev[n.ID] = obs.status
	observability.NodeStatusTransitions.WithLabelValues(string(prev), string(obs.status)).Inc()
	m.logger.Info("node status changed", "node_id", n.ID, "name", n.Name, "from", prev, "to", obs.status)

	if kind, ok := alertFor(prev, obs.status); ok {
		m.alert(ctx, n, kind, prev, obs.status, now)
	}
	return obs.status, nil
}

func (m *Monitor) evaluate(ctx context.Context, n *store.Node) observation {
	if n.IsLocal {
		metrics, err := m.probe.Heartbeat(ctx, m.opts.LocalAgentURL, n.AgentSecret)
		if err != nil {
			m.logger.Debug("local heartbeat failed", "error", err)
			return observation{status: store.StatusConnectionError}
		}
		return observation{status: store.StatusActive, metrics: &metrics}
	}

	if n.ConnectionMode == store.ModeTunnel {
		if m.tunnels != nil && m.tunnels.IsConnected(n.ID) {
			return observation{status: store.StatusActive}
		}
		return observation{status: m.ping(ctx, n.Host)}
	}

	sshPort := n.SSHPort
	if sshPort == 0 {
		sshPort = 22
	}
	if !m.probe.PortOpen(ctx, n.Host, sshPort) {
		return observation{status: m.ping(ctx, n.Host)}
	}

	if !n.HasSSHCredentials() {
		return observation{status: m.agentStatus(ctx, n.Host)}
	}
	password, err := m.cipher.Decrypt(n.SSHSecret)
	if err != nil {
		m.logger.Warn("cannot decrypt ssh secret", "node_id", n.ID, "error", err)
		return observation{status: m.ping(ctx, n.Host)}
	}
	metrics, err := m.probe.CollectSSH(ctx, sshx.Credentials{
		Host:     n.Host,
		Port:     sshPort,
		User:     n.SSHUser,
		Password: password,
	})
	if err != nil {
		m.logger.Debug("ssh probe failed", "node_id", n.ID, "error", err)
		return observation{status: m.ping(ctx, n.Host)}
	}
	return observation{status: m.agentStatus(ctx, n.Host), metrics: &metrics}
}

func (m *Monitor) agentStatus(ctx context.Context, host string) store.NodeStatus {
	if m.probe.PortOpen(ctx, host, m.opts.AgentPort) {
		return store.StatusActive
	}
	return store.StatusOnline
}

func (m *Monitor) ping(ctx context.Context, host string) store.NodeStatus {
	for _, port := range m.opts.PingPorts {
		if m.probe.PortOpen(ctx, host, port) {
			return store.StatusOnline
		}
	}
	return store.StatusOffline
}

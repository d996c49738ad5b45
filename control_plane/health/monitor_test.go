package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/dispatch"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/logging"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/secret"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
)

type fakeProbe struct {
	mu           sync.Mutex
	open         map[string]bool
	heartbeat    store.Metrics
	heartbeatErr error
	sshMetrics   store.Metrics
	sshErr       error
	sshCalls     int
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{open: make(map[string]bool)}
}

func (p *fakeProbe) setOpen(host string, port int, open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open[fmt.Sprintf("%s:%d", host, port)] = open
}

func (p *fakeProbe) Heartbeat(ctx context.Context, baseURL, secret string) (store.Metrics, error) {
	return p.heartbeat, p.heartbeatErr
}

func (p *fakeProbe) PortOpen(ctx context.Context, host string, port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open[fmt.Sprintf("%s:%d", host, port)]
}

func (p *fakeProbe) CollectSSH(ctx context.Context, creds sshx.Credentials) (store.Metrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sshCalls++
	return p.sshMetrics, p.sshErr
}

type countingStore struct {
	*store.MemoryStore
	statusWrites int
}

func (s *countingStore) UpdateNodeStatus(ctx context.Context, id string, status store.NodeStatus, m *store.Metrics, seen time.Time) error {
	s.statusWrites++
	return s.MemoryStore.UpdateNodeStatus(ctx, id, status, m, seen)
}

type recordingPublisher struct {
	topics []string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fakeTunnels map[string]bool

func (f fakeTunnels) IsConnected(id string) bool { return f[id] }

func newMonitor(t *testing.T, nodes ...*store.Node) (*Monitor, *countingStore, *fakeProbe, *recordingPublisher, fakeTunnels) {
	t.Helper()
	s := &countingStore{MemoryStore: store.NewMemoryStore()}
	for _, n := range nodes {
		if err := s.CreateNode(context.Background(), n); err != nil {
			t.Fatalf("create node: %v", err)
		}
	}
	probe := newFakeProbe()
	pub := &recordingPublisher{}
	tunnels := fakeTunnels{}
	m := NewMonitor(s, tunnels, probe, pub, secret.Plaintext{}, Options{
		LocalAgentURL: "http://127.0.0.1:4000",
		AgentPort:     4000,
		PingPorts:     []int{22, 80},
		Logger:        logging.Discard(),
	})
	return m, s, probe, pub, tunnels
}

func samples(t *testing.T, s *countingStore, nodeID string) int {
	t.Helper()
	list, err := s.ListMetricSamples(context.Background(), nodeID, time.Time{})
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	return len(list)
}

func notifications(t *testing.T, s *countingStore, nodeID string) []*store.Notification {
	t.Helper()
	list, err := s.ListNotifications(context.Background(), nodeID, 0)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	return list
}

func TestTick_SteadyStateSkipsRegistryWrite(t *testing.T) {
	m, s, probe, _, _ := newMonitor(t, &store.Node{ID: "local", Host: "127.0.0.1", IsLocal: true})
	probe.heartbeat = store.Metrics{CPU: 10, RAM: 20, Disk: 30, Uptime: 99}
	ctx := context.Background()

	m.Tick(ctx)
	if s.statusWrites != 1 {
		t.Fatalf("first tick should persist unknown->active, got %d writes", s.statusWrites)
	}
	n, _ := s.GetNode(ctx, "local")
	if n.Status != store.StatusActive || n.CPU != 10 {
		t.Errorf("expected active with gauges, got %s cpu=%v", n.Status, n.CPU)
	}

	m.Tick(ctx)
	m.Tick(ctx)
	if s.statusWrites != 1 {
		t.Errorf("steady ticks must not write the registry, got %d writes", s.statusWrites)
	}
	if got := samples(t, s, "local"); got != 3 {
		t.Errorf("expected a metric sample per successful probe, got %d", got)
	}
	if len(notifications(t, s, "local")) != 0 {
		t.Error("unknown->active must not alert")
	}
}

func TestTick_LocalHeartbeatFailure(t *testing.T) {
	m, s, probe, _, _ := newMonitor(t, &store.Node{ID: "local", Host: "127.0.0.1", IsLocal: true})
	probe.heartbeatErr = errors.New("connection refused")

	m.Tick(context.Background())
	n, _ := s.GetNode(context.Background(), "local")
	if n.Status != store.StatusConnectionError {
		t.Errorf("expected connection_error, got %s", n.Status)
	}
	if got := samples(t, s, "local"); got != 0 {
		t.Errorf("failed probe must not append samples, got %d", got)
	}
}

func TestTick_DownAndRecoveredAreEdgeTriggered(t *testing.T) {
	m, s, probe, pub, _ := newMonitor(t, &store.Node{ID: "n1", Name: "web-1", Host: "10.0.0.5", Status: store.StatusOnline})
	ctx := context.Background()

	// Everything closed: online -> offline.
	m.Tick(ctx)
	m.Tick(ctx)
	notes := notifications(t, s, "n1")
	if len(notes) != 1 || notes[0].Kind != store.NotificationDown {
		t.Fatalf("expected exactly one down alert, got %+v", notes)
	}
	if notes[0].From != store.StatusOnline || notes[0].To != store.StatusOffline {
		t.Errorf("unexpected transition %s->%s", notes[0].From, notes[0].To)
	}
	if s.statusWrites != 1 {
		t.Errorf("expected one write, got %d", s.statusWrites)
	}

	// SSH and agent port open, no credentials: offline -> active.
	probe.setOpen("10.0.0.5", 22, true)
	probe.setOpen("10.0.0.5", 4000, true)
	m.Tick(ctx)
	m.Tick(ctx)
	notes = notifications(t, s, "n1")
	if len(notes) != 2 || notes[0].Kind != store.NotificationRecovered {
		t.Fatalf("expected a single recovered alert on top, got %+v", notes)
	}
	if len(pub.topics) != 2 {
		t.Errorf("each alert should be published once, got %d", len(pub.topics))
	}
}

func TestTick_UnknownToOfflineDoesNotAlert(t *testing.T) {
	m, s, _, _, _ := newMonitor(t, &store.Node{ID: "n1", Host: "10.0.0.5"})

	m.Tick(context.Background())
	n, _ := s.GetNode(context.Background(), "n1")
	if n.Status != store.StatusOffline {
		t.Fatalf("expected offline, got %s", n.Status)
	}
	if len(notifications(t, s, "n1")) != 0 {
		t.Error("unknown->offline must not alert")
	}
}

func TestTick_OnlineToActiveDoesNotAlert(t *testing.T) {
	m, s, probe, _, _ := newMonitor(t, &store.Node{ID: "n1", Host: "10.0.0.5", Status: store.StatusOnline})
	probe.setOpen("10.0.0.5", 22, true)
	probe.setOpen("10.0.0.5", 4000, true)

	m.Tick(context.Background())
	if len(notifications(t, s, "n1")) != 0 {
		t.Error("recovered fires only from offline")
	}
}

func TestTick_TunnelNode(t *testing.T) {
	m, s, probe, _, tunnels := newMonitor(t, &store.Node{ID: "nat", Host: "192.168.1.20", ConnectionMode: store.ModeTunnel})
	ctx := context.Background()

	tunnels["nat"] = true
	m.Tick(ctx)
	n, _ := s.GetNode(ctx, "nat")
	if n.Status != store.StatusActive {
		t.Fatalf("live tunnel should be active, got %s", n.Status)
	}

	delete(tunnels, "nat")
	probe.setOpen("192.168.1.20", 80, true)
	m.Tick(ctx)
	n, _ = s.GetNode(ctx, "nat")
	if n.Status != store.StatusOnline {
		t.Fatalf("tunnel gone but host reachable should be online, got %s", n.Status)
	}
}

func TestTick_SSHProbe(t *testing.T) {
	m, s, probe, _, _ := newMonitor(t, &store.Node{ID: "n1", Host: "10.0.0.5", SSHUser: "root", SSHSecret: "pw", SSHPort: 22})
	probe.setOpen("10.0.0.5", 22, true)
	probe.sshMetrics = store.Metrics{CPU: 55.5, RAM: 40, Disk: 12, Uptime: 7200}
	ctx := context.Background()

	m.Tick(ctx)
	n, _ := s.GetNode(ctx, "n1")
	if n.Status != store.StatusOnline {
		t.Errorf("agent port closed should be online, got %s", n.Status)
	}
	if n.CPU != 55.5 {
		t.Errorf("gauges should ride along with the status change, got cpu=%v", n.CPU)
	}
	if got := samples(t, s, "n1"); got != 1 {
		t.Errorf("expected one sample, got %d", got)
	}

	probe.sshErr = errors.New("auth failed")
	m.Tick(ctx)
	n, _ = s.GetNode(ctx, "n1")
	if n.Status != store.StatusOnline {
		t.Errorf("ssh failure should degrade to ping (22 open), got %s", n.Status)
	}
	if got := samples(t, s, "n1"); got != 1 {
		t.Errorf("failed ssh probe must not append a sample, got %d", got)
	}
}

func TestTick_SSHPortClosedSkipsSSH(t *testing.T) {
	m, _, probe, _, _ := newMonitor(t, &store.Node{ID: "n1", Host: "10.0.0.5", SSHUser: "root", SSHSecret: "pw"})
	probe.setOpen("10.0.0.5", 80, true)

	m.Tick(context.Background())
	if probe.sshCalls != 0 {
		t.Errorf("closed ssh port must not trigger an ssh session, got %d", probe.sshCalls)
	}
}

func TestTick_SuspendedNodeUntouched(t *testing.T) {
	m, s, _, _, _ := newMonitor(t, &store.Node{ID: "n1", Host: "10.0.0.5", Status: store.StatusSuspended})
	m.Tick(context.Background())
	if s.statusWrites != 0 {
		t.Errorf("suspended nodes are not re-evaluated, got %d writes", s.statusWrites)
	}
}

func TestParseMetrics(t *testing.T) {
	out := "87.5\n8000000000 2000000000\n42% 1000000 420000\n3600\n"
	m, err := parseMetrics(out)
	if err != nil {
		t.Fatalf("parseMetrics: %v", err)
	}
	if m.CPU != 12.5 || m.RAM != 25 || m.Disk != 42 || m.Uptime != 3600 {
		t.Errorf("unexpected gauges %+v", m)
	}
	if m.DiskTotal != 1000000*1024 || m.DiskUsed != 420000*1024 || m.MemTotal != 8000000000 {
		t.Errorf("unexpected totals %+v", m)
	}

	if _, err := parseMetrics("87.5\n"); err == nil {
		t.Error("short output should fail")
	}
}

func TestNetProbe_Heartbeat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != dispatch.HeartbeatPath || r.Header.Get("X-Agent-Secret") != "s" {
			http.Error(w, "nope", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"status":"ok","metrics":{"cpu":3,"ram":4,"disk":5,"uptime":6,"version":"1.2.0"}}`))
	}))
	defer srv.Close()

	p := NewNetProbe(nil, time.Second)
	m, err := p.Heartbeat(context.Background(), srv.URL, "s")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if m.CPU != 3 || m.AgentVersion != "1.2.0" {
		t.Errorf("unexpected metrics %+v", m)
	}
	if _, err := p.Heartbeat(context.Background(), srv.URL, "wrong"); err == nil {
		t.Error("non-200 heartbeat should fail")
	}

	flat, err := decodeHeartbeat([]byte(`{"cpu":1,"ram":2,"disk":3,"uptime":4}`))
	if err != nil || flat.RAM != 2 {
		t.Errorf("top-level gauges should decode, got %+v (%v)", flat, err)
	}
}

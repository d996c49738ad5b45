package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/logging"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
)

type fakeSender struct {
	sent   chan Envelope
	err    error
	closed atomic.Bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan Envelope, 16)}
}

func (f *fakeSender) Send(env Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.sent <- env
	return nil
}

func (f *fakeSender) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeSender) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-f.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound envelope")
		return Envelope{}
	}
}

func newTestManager(t *testing.T, timeout time.Duration) (*Manager, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	if err := s.CreateNode(context.Background(), &store.Node{ID: "agent-1", Name: "web-1", Host: "10.0.0.2", AgentSecret: "s3cret"}); err != nil {
		t.Fatalf("create node: %v", err)
	}
	return NewManager(s, Options{RequestTimeout: timeout, Logger: logging.Discard()}), s
}

func TestSendCommand_NotActiveFailsFast(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)

	start := time.Now()
	_, err := m.SendCommand(context.Background(), "agent-1", TypeFileAction, map[string]string{"action": "list"})
	if !errors.Is(err, ErrTunnelNotActive) {
		t.Fatalf("expected ErrTunnelNotActive, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("not-active error should be immediate, took %v", time.Since(start))
	}
}

func TestSendCommand_ReplyResolvesRequest(t *testing.T) {
	m, _ := newTestManager(t, 5*time.Second)
	conn := newFakeSender()
	m.Register(context.Background(), "agent-1", conn)

	go func() {
		req := <-conn.sent
		m.HandleMessage(context.Background(), "agent-1", Envelope{
			RequestID: req.RequestID,
			Type:      TypeResponse,
			Data:      json.RawMessage(`{"entries":[]}`),
		})
	}()

	data, err := m.SendCommand(context.Background(), "agent-1", TypeFileAction, map[string]string{"action": "list"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if string(data) != `{"entries":[]}` {
		t.Errorf("unexpected reply data %s", data)
	}
	if n := m.pending.len(); n != 0 {
		t.Errorf("pending table should be empty, has %d", n)
	}
}

func TestSendCommand_AgentErrorReply(t *testing.T) {
	m, _ := newTestManager(t, 5*time.Second)
	conn := newFakeSender()
	m.Register(context.Background(), "agent-1", conn)

	go func() {
		req := <-conn.sent
		m.HandleMessage(context.Background(), "agent-1", Envelope{RequestID: req.RequestID, Type: req.Type, Error: "permission denied"})
	}()

	_, err := m.SendCommand(context.Background(), "agent-1", TypeExecCommand, map[string]string{"command": "ls"})
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected AgentError, got %v", err)
	}
	if agentErr.Message != "permission denied" {
		t.Errorf("unexpected agent error message %q", agentErr.Message)
	}
}

func TestSendCommand_TimeoutThenLateReplyDropped(t *testing.T) {
	m, _ := newTestManager(t, 50*time.Millisecond)
	conn := newFakeSender()
	m.Register(context.Background(), "agent-1", conn)

	_, err := m.SendCommand(context.Background(), "agent-1", TypeFileAction, nil)
	if !errors.Is(err, ErrTunnelTimeout) {
		t.Fatalf("expected ErrTunnelTimeout, got %v", err)
	}

	req := conn.next(t)
	if m.pending.completeFrom(req.RequestID, "agent-1", result{data: json.RawMessage(`{}`)}) {
		t.Error("late reply must not complete an already timed-out request")
	}
}

func TestHandleMessage_DuplicateReplyIgnored(t *testing.T) {
	m, _ := newTestManager(t, 5*time.Second)
	conn := newFakeSender()
	m.Register(context.Background(), "agent-1", conn)

	type outcome struct {
		data json.RawMessage
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := m.SendCommand(context.Background(), "agent-1", TypeFileAction, map[string]string{"action": "stat"})
		done <- outcome{data, err}
	}()

	req := conn.next(t)
	m.HandleMessage(context.Background(), "agent-1", Envelope{RequestID: req.RequestID, Type: TypeResponse, Data: json.RawMessage(`"first"`)})

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendCommand did not return after the first reply")
	}
	if got.err != nil || string(got.data) != `"first"` {
		t.Fatalf("expected the first payload, got %s (%v)", got.data, got.err)
	}

	second := make(chan struct{})
	go func() {
		m.HandleMessage(context.Background(), "agent-1", Envelope{RequestID: req.RequestID, Type: TypeResponse, Data: json.RawMessage(`"second"`)})
		close(second)
	}()
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second reply blocked")
	}

	if n := m.pending.len(); n != 0 {
		t.Errorf("pending table should be empty, has %d", n)
	}
	if m.pending.completeFrom(req.RequestID, "agent-1", result{data: json.RawMessage(`"third"`)}) {
		t.Error("a settled request must not complete twice")
	}
}

func TestSendCommand_WriteFailureRejectsImmediately(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	conn := newFakeSender()
	conn.err = errors.New("broken pipe")
	m.Register(context.Background(), "agent-1", conn)

	start := time.Now()
	_, err := m.SendCommand(context.Background(), "agent-1", TypeWebAction, nil)
	if err == nil || errors.Is(err, ErrTunnelTimeout) {
		t.Fatalf("expected write error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("write failure should not wait for the timeout")
	}
	if n := m.pending.len(); n != 0 {
		t.Errorf("pending table should be empty, has %d", n)
	}
}

func TestSendCommand_ContextCancel(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	conn := newFakeSender()
	m.Register(context.Background(), "agent-1", conn)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-conn.sent
		cancel()
	}()

	_, err := m.SendCommand(ctx, "agent-1", TypeSSLAction, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := m.pending.len(); n != 0 {
		t.Errorf("pending table should be empty, has %d", n)
	}
}

func TestHandleMessage_ReplyFromOtherAgentIgnored(t *testing.T) {
	m, _ := newTestManager(t, 200*time.Millisecond)
	conn := newFakeSender()
	m.Register(context.Background(), "agent-1", conn)

	go func() {
		req := <-conn.sent
		m.HandleMessage(context.Background(), "agent-2", Envelope{RequestID: req.RequestID, Type: TypeResponse, Data: json.RawMessage(`"spoofed"`)})
	}()

	_, err := m.SendCommand(context.Background(), "agent-1", TypeFileAction, nil)
	if !errors.Is(err, ErrTunnelTimeout) {
		t.Fatalf("reply from another agent must not resolve the request, got %v", err)
	}
}

func TestRegister_ReplacesPriorConnection(t *testing.T) {
	m, s := newTestManager(t, time.Second)
	first := newFakeSender()
	second := newFakeSender()

	m.Register(context.Background(), "agent-1", first)
	m.Register(context.Background(), "agent-1", second)

	if !first.closed.Load() {
		t.Error("prior connection should be closed on replacement")
	}
	if m.Unregister("agent-1", first) {
		t.Error("stale connection must not unregister the replacement")
	}
	if !m.IsConnected("agent-1") {
		t.Error("replacement connection should stay registered")
	}

	n, _ := s.GetNode(context.Background(), "agent-1")
	if n.Status != store.StatusActive || n.ConnectionMode != store.ModeTunnel {
		t.Errorf("expected active/tunnel, got %s/%s", n.Status, n.ConnectionMode)
	}

	if !m.Unregister("agent-1", second) {
		t.Error("live connection should unregister")
	}
	if m.IsConnected("agent-1") {
		t.Error("agent should be disconnected")
	}
}

func TestHandleMessage_HeartbeatUpdatesMetrics(t *testing.T) {
	m, s := newTestManager(t, time.Second)

	m.HandleMessage(context.Background(), "agent-1", Envelope{
		Type: TypeHeartbeat,
		Data: json.RawMessage(`{"cpu":12.5,"ram":40,"disk":71,"uptime":3600,"version":"2.1.0"}`),
	})

	n, _ := s.GetNode(context.Background(), "agent-1")
	if n.CPU != 12.5 || n.RAM != 40 || n.Disk != 71 || n.Uptime != 3600 {
		t.Errorf("gauges not applied: %+v", n)
	}
	if n.AgentVersion != "2.1.0" {
		t.Errorf("expected version 2.1.0, got %q", n.AgentVersion)
	}
	if n.LastSeen == nil {
		t.Error("last seen should be set by heartbeat")
	}
}

func TestShellLifecycle(t *testing.T) {
	m, _ := newTestManager(t, time.Second)
	conn := newFakeSender()
	m.Register(context.Background(), "agent-1", conn)

	shellID, err := m.StartShell("agent-1", "", ShellOptions{Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("StartShell: %v", err)
	}
	if env := conn.next(t); env.Type != TypeShellStart || env.ShellID != shellID {
		t.Fatalf("unexpected start envelope %+v", env)
	}

	if err := m.SendInput(shellID, "ls -la\n"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	input := conn.next(t)
	var encoded string
	if err := json.Unmarshal(input.Data, &encoded); err != nil {
		t.Fatalf("input payload: %v", err)
	}
	if decoded, _ := base64.StdEncoding.DecodeString(encoded); string(decoded) != "ls -la\n" {
		t.Errorf("input not base64 encoded as expected: %q", encoded)
	}

	m.HandleMessage(context.Background(), "agent-1", Envelope{Type: TypeShellOutput, ShellID: shellID, Stream: "stdout", Data: json.RawMessage(`"total 0\n"`)})
	m.HandleMessage(context.Background(), "agent-1", Envelope{Type: TypeShellOutput, ShellID: shellID, Stream: "stderr", Data: json.RawMessage(`"warn\n"`)})

	records, err := m.PollOutput(shellID)
	if err != nil {
		t.Fatalf("PollOutput: %v", err)
	}
	if len(records) != 2 || records[0].Data != "total 0\n" || records[1].Stream != StreamStderr {
		t.Fatalf("unexpected records %+v", records)
	}
	if again, _ := m.PollOutput(shellID); len(again) != 0 {
		t.Errorf("drained buffer should be empty, got %d", len(again))
	}

	code := 0
	m.HandleMessage(context.Background(), "agent-1", Envelope{Type: TypeShellExit, ShellID: shellID, Code: &code})
	records, err = m.PollOutput(shellID)
	if err != nil || len(records) != 1 || records[0].Stream != StreamSystem {
		t.Fatalf("expected system exit record, got %+v (%v)", records, err)
	}
	if _, err := m.PollOutput(shellID); !errors.Is(err, ErrShellNotFound) {
		t.Errorf("exited shell should be destroyed after drain, got %v", err)
	}
}

func TestStartShell_NotActive(t *testing.T) {
	m, _ := newTestManager(t, time.Second)
	if _, err := m.StartShell("agent-1", "sh-1", ShellOptions{}); !errors.Is(err, ErrTunnelNotActive) {
		t.Fatalf("expected ErrTunnelNotActive, got %v", err)
	}
}

func TestDisconnect_ClosesLiveConnection(t *testing.T) {
	m, _ := newTestManager(t, time.Second)
	conn := newFakeSender()
	m.Register(context.Background(), "agent-1", conn)

	if !m.Disconnect("agent-1") {
		t.Fatal("Disconnect reported no connection")
	}
	if !conn.closed.Load() {
		t.Error("connection was not closed")
	}
	if m.IsConnected("agent-1") {
		t.Error("agent still connected")
	}
	if m.Disconnect("agent-1") {
		t.Error("second Disconnect should be a no-op")
	}
	// The read loop's own unregister must not fail after a disconnect.
	if m.Unregister("agent-1", conn) {
		t.Error("Unregister removed an entry that was already gone")
	}
}

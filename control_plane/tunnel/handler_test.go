package tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/logging"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
)

func newTestServer(t *testing.T) (*Manager, *store.MemoryStore, *httptest.Server) {
	t.Helper()
	m, s := newTestManager(t, 2*time.Second)
	h := NewHandler(m, HandlerOptions{HandshakeRate: 100, HandshakeBurst: 100, Logger: logging.Discard()})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return m, s, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(srv *httptest.Server, agentID, secret string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if agentID != "" {
		header.Set(HeaderAgentID, agentID)
	}
	if secret != "" {
		header.Set(HeaderAgentSecret, secret)
	}
	return websocket.DefaultDialer.Dial(wsURL(srv), header)
}

func TestHandshake_Rejections(t *testing.T) {
	_, s, srv := newTestServer(t)
	if err := s.CreateNode(context.Background(), &store.Node{ID: "agent-frozen", Host: "10.0.0.9", AgentSecret: "x", Status: store.StatusSuspended}); err != nil {
		t.Fatalf("create node: %v", err)
	}

	tests := []struct {
		name    string
		agentID string
		secret  string
		status  int
	}{
		{"missing headers", "", "", http.StatusUnauthorized},
		{"missing secret", "agent-1", "", http.StatusUnauthorized},
		{"unknown agent", "agent-404", "s3cret", http.StatusForbidden},
		{"wrong secret", "agent-1", "nope", http.StatusForbidden},
		{"suspended node", "agent-frozen", "x", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := dial(srv, tt.agentID, tt.secret)
			if err == nil {
				conn.Close()
				t.Fatal("expected handshake to fail")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("expected status %d, got %+v", tt.status, resp)
			}
		})
	}
}

func TestHandshake_RateLimited(t *testing.T) {
	m, _ := newTestManager(t, time.Second)
	h := NewHandler(m, HandlerOptions{HandshakeRate: 0.001, HandshakeBurst: 1, Logger: logging.Discard()})
	srv := httptest.NewServer(h)
	defer srv.Close()

	_, resp, _ := dial(srv, "", "")
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("first attempt should reach authentication, got %+v", resp)
	}
	_, resp, _ = dial(srv, "", "")
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second attempt should be rate limited, got %+v", resp)
	}
}

func TestTunnel_EndToEnd(t *testing.T) {
	m, s, srv := newTestServer(t)

	agent, _, err := dial(srv, "agent-1", "s3cret")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer agent.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !m.IsConnected("agent-1") {
		if time.Now().After(deadline) {
			t.Fatal("agent never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Fake agent: answer every request by echoing its payload.
	go func() {
		for {
			var req Envelope
			if err := agent.ReadJSON(&req); err != nil {
				return
			}
			_ = agent.WriteJSON(Envelope{RequestID: req.RequestID, Type: TypeResponse, Data: req.Data})
		}
	}()

	data, err := m.SendCommand(context.Background(), "agent-1", TypeFileAction, map[string]string{"action": "list", "path": "/"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	var echoed map[string]string
	if err := json.Unmarshal(data, &echoed); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if echoed["action"] != "list" || echoed["path"] != "/" {
		t.Errorf("unexpected echo %v", echoed)
	}

	n, _ := s.GetNode(context.Background(), "agent-1")
	if n.ConnectionMode != store.ModeTunnel || n.Status != store.StatusActive {
		t.Errorf("expected active tunnel node, got %s/%s", n.Status, n.ConnectionMode)
	}

	agent.Close()
	deadline = time.Now().Add(2 * time.Second)
	for m.IsConnected("agent-1") {
		if time.Now().After(deadline) {
			t.Fatal("agent should be unregistered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

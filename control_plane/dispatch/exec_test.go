package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/resolver"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
)

func failingAgent(status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent down", status)
	}))
}

// deadAgentURL returns an address nothing listens on.
func deadAgentURL() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func TestDispatchExec_LocalFallbackConfinedToJail(t *testing.T) {
	d := newDispatcher(&fakeTunnel{}, &fakeDialer{})
	var gotDir, gotCmd string
	d.local = func(ctx context.Context, dir, command string) (ExecResult, error) {
		gotDir, gotCmd = dir, command
		return ExecResult{Stdout: "done", Via: "local"}, nil
	}

	target := &resolver.Target{
		Mode: store.ModeDirect, IsLocal: true, BaseURL: deadAgentURL(),
		Root: "/home/alice", JailRoot: "/home/alice", Path: "/project",
	}
	out, err := d.DispatchExec(context.Background(), resolver.Caller{UserID: "alice", Role: "user"}, target, "ls")
	if err != nil {
		t.Fatalf("DispatchExec: %v", err)
	}
	if gotDir != "/home/alice" || gotCmd != "ls" {
		t.Errorf("expected ls in jail root, got %q in %q", gotCmd, gotDir)
	}
	var res ExecResult
	if err := json.Unmarshal(out, &res); err != nil || res.Via != "local" || res.Stdout != "done" {
		t.Errorf("unexpected result %s (%v)", out, err)
	}

	_, err = d.DispatchExec(context.Background(), resolver.Caller{UserID: "root", Role: resolver.RoleAdmin}, target, "ls")
	if err != nil {
		t.Fatalf("admin DispatchExec: %v", err)
	}
	if gotDir != "/home/alice/project" {
		t.Errorf("admin should run in the requested path, got %q", gotDir)
	}
}

func TestDispatchExec_RemoteFallsBackToSSH(t *testing.T) {
	conn := &fakeConn{}
	d := newDispatcher(&fakeTunnel{}, &fakeDialer{conn: conn})

	out, err := d.DispatchExec(context.Background(), resolver.Caller{UserID: "alice"}, directTarget(deadAgentURL()), "whoami")
	if err != nil {
		t.Fatalf("DispatchExec: %v", err)
	}
	if len(conn.commands) != 1 || !strings.HasPrefix(conn.commands[0], "cd '/srv/site' && ") {
		t.Errorf("expected command run inside jail, got %v", conn.commands)
	}
	var res ExecResult
	if err := json.Unmarshal(out, &res); err != nil || res.Via != "ssh" {
		t.Errorf("unexpected result %s", out)
	}
}

func TestDispatchExec_AgentRejectionIsFinal(t *testing.T) {
	srv := failingAgent(http.StatusForbidden)
	defer srv.Close()

	dialer := &fakeDialer{conn: &fakeConn{}}
	d := newDispatcher(&fakeTunnel{}, dialer)

	_, err := d.DispatchExec(context.Background(), resolver.Caller{UserID: "alice"}, directTarget(srv.URL), "rm -rf /")
	var httpErr *AgentHTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusForbidden {
		t.Fatalf("expected the agent's 403, got %v", err)
	}
	if dialer.dials.Load() != 0 {
		t.Error("a command refused by the agent must not be retried over ssh")
	}
}

func TestDispatchExec_UnauthorizedFallsBackToSSH(t *testing.T) {
	srv := failingAgent(http.StatusUnauthorized)
	defer srv.Close()

	conn := &fakeConn{}
	d := newDispatcher(&fakeTunnel{}, &fakeDialer{conn: conn})

	if _, err := d.DispatchExec(context.Background(), resolver.Caller{UserID: "alice"}, directTarget(srv.URL), "whoami"); err != nil {
		t.Fatalf("DispatchExec: %v", err)
	}
	if len(conn.commands) != 1 {
		t.Errorf("expected one ssh command, got %v", conn.commands)
	}
}

func TestDispatchExec_ServerErrorIsFinal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "migration failed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	conn := &fakeConn{}
	dialer := &fakeDialer{conn: conn}
	d := newDispatcher(&fakeTunnel{}, dialer)

	_, err := d.DispatchExec(context.Background(), resolver.Caller{UserID: "alice"}, directTarget(srv.URL), "./migrate.sh")
	var httpErr *AgentHTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected the agent's 500, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("agent called %d times", hits.Load())
	}
	if dialer.dials.Load() != 0 || len(conn.commands) != 0 {
		t.Errorf("command already reached the agent and must not run again, ran %v", conn.commands)
	}
}

func TestDispatchExec_TimeoutIsFinal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	d := newDispatcher(&fakeTunnel{}, &fakeDialer{conn: &fakeConn{}})
	var localRuns atomic.Int32
	d.local = func(ctx context.Context, dir, command string) (ExecResult, error) {
		localRuns.Add(1)
		return ExecResult{Via: "local"}, nil
	}

	target := &resolver.Target{
		Mode: store.ModeDirect, IsLocal: true, BaseURL: srv.URL,
		Root: "/srv/site", JailRoot: "/srv/site", Path: "/",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := d.DispatchExec(ctx, resolver.Caller{UserID: "alice"}, target, "./migrate.sh")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("agent called %d times", hits.Load())
	}
	if localRuns.Load() != 0 {
		t.Error("a timed out command must not be run again locally")
	}
}

func TestAgentUnreachable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"refused", fmt.Errorf("call: %w", syscall.ECONNREFUSED), true},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("no route to host")}, true},
		{"unauthorized", &AgentHTTPError{Status: http.StatusUnauthorized}, true},
		{"server error", &AgentHTTPError{Status: http.StatusInternalServerError}, false},
		{"forbidden", &AgentHTTPError{Status: http.StatusForbidden}, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), false},
		{"read", &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset")}, false},
	}
	for _, tc := range cases {
		if got := agentUnreachable(tc.err); got != tc.want {
			t.Errorf("%s: agentUnreachable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

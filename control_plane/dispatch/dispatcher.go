package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/observability"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/resolver"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/tunnel"
)

const maxResponseBytes = 64 << 20

// TunnelSender sends correlated requests over an agent tunnel.
type TunnelSender interface {
	SendCommand(ctx context.Context, agentID string, msgType tunnel.MessageType, data interface{}) (json.RawMessage, error)
}

// Options configures a Dispatcher.
type Options struct {
	// HTTPClient must not set a Timeout: each call is bounded by its
	// action's budget instead.
	HTTPClient *http.Client
	SSH        sshx.Dialer
	Logger     *slog.Logger
}

// Dispatcher executes actions against a resolved target. It never retries.
type Dispatcher struct {
	tunnels TunnelSender
	client  *http.Client
	ssh     sshx.Dialer
	logger  *slog.Logger
	local   localRunner
	budget  func(Endpoint) time.Duration
}

// New creates a Dispatcher.
func New(tunnels TunnelSender, opts Options) *Dispatcher {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.SSH == nil {
		opts.SSH = sshx.NewDialer(sshx.DefaultTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		tunnels: tunnels,
		client:  opts.HTTPClient,
		ssh:     opts.SSH,
		logger:  opts.Logger.With("component", "dispatch"),
		local:   runLocal,
		budget:  func(ep Endpoint) time.Duration { return ep.Timeout },
	}
}

// Dispatch runs action against target with payload. Resolved root and
// path always override same-named payload keys.
func (d *Dispatcher) Dispatch(ctx context.Context, target *resolver.Target, action Action, payload map[string]interface{}) (json.RawMessage, error) {
	ep, err := Lookup(action)
	if err != nil {
		return nil, err
	}
	body := requestBody(target, action, payload)

	start := time.Now()
	var out json.RawMessage
	if target.Mode == store.ModeTunnel {
		out, err = d.tunnels.SendCommand(ctx, target.AgentID, ep.Kind.MessageType(), body)
	} else {
		out, err = d.callAgent(ctx, target, ep, body)
		if err != nil && fallbackEligible(action) && target.HasSSHFallback() && fallbackTrigger(err) {
			out, err = d.sftpFallback(ctx, target, action, err)
		}
	}
	record(ep.Kind, target.Mode, start, err)
	return out, err
}

func requestBody(target *resolver.Target, action Action, payload map[string]interface{}) map[string]interface{} {
	body := make(map[string]interface{}, len(payload)+3)
	for k, v := range payload {
		body[k] = v
	}
	body["action"] = string(action)
	body["root"] = target.Root
	body["path"] = target.Path
	return body
}

func record(kind Kind, mode store.ConnectionMode, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.DispatchRequests.WithLabelValues(string(kind), string(mode), outcome).Inc()
	observability.DispatchLatency.WithLabelValues(string(kind), string(mode)).Observe(time.Since(start).Seconds())
}

// callAgent performs one direct HTTP call. GET endpoints carry the body
// as a query string, everything else as JSON.
func (d *Dispatcher) callAgent(ctx context.Context, target *resolver.Target, ep Endpoint, body map[string]interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, d.budget(ep))
	defer cancel()

	endpoint := target.BaseURL + ep.Path
	var reader io.Reader
	if ep.Method == http.MethodGet {
		q := url.Values{}
		for k, v := range body {
			q.Set(k, queryValue(v))
		}
		endpoint += "?" + q.Encode()
	} else {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(tunnel.HeaderAgentSecret, target.AgentSecret)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent %s %s %s: %w", target.AgentID, ep.Method, ep.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &AgentHTTPError{Status: resp.StatusCode, Body: string(data)}
	}
	return asJSON(data), nil
}

func queryValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case fmt.Stringer:
		return t.String()
	case float64, int, int64, bool:
		return fmt.Sprint(t)
	default:
		buf, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(buf)
	}
}

// asJSON passes JSON bodies through and wraps anything else as a JSON string.
func asJSON(data []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

// fallbackTrigger reports whether a read-only call may be served over SFTP
// instead: the agent is unreachable, refuses our secret or failed with 500.
func fallbackTrigger(err error) bool {
	var httpErr *AgentHTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusInternalServerError {
		return true
	}
	return agentUnreachable(err)
}

// agentUnreachable reports whether the request cannot have reached a
// working agent: the dial failed or the agent rejected our secret. A
// timeout or any other answer means the agent may have acted on it.
func agentUnreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *AgentHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusUnauthorized
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

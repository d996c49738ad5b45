package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 32 << 20 // file reads travel as a single message
)

// wsConn adapts a websocket to Sender. Writes are serialized.
type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, done: make(chan struct{})}
}

func (c *wsConn) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// HandlerOptions tunes the handshake endpoint.
type HandlerOptions struct {
	// HandshakeRate and HandshakeBurst bound upgrade attempts per remote address.
	HandshakeRate  float64
	HandshakeBurst int
	Logger         *slog.Logger
}

// Handler accepts agent tunnel connections.
type Handler struct {
	manager  *Manager
	upgrader websocket.Upgrader
	limiter  RateLimiter
	logger   *slog.Logger
}

// NewHandler returns the HTTP handler for the agent connect endpoint.
func NewHandler(m *Manager, opts HandlerOptions) *Handler {
	if opts.HandshakeRate <= 0 {
		opts.HandshakeRate = 1
	}
	if opts.HandshakeBurst <= 0 {
		opts.HandshakeBurst = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		manager: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; authentication is by header secret.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: NewTokenBucketLimiter(opts.HandshakeRate, opts.HandshakeBurst),
		logger:  opts.Logger.With("component", "tunnel"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(remoteIP(r)) {
		observability.TunnelHandshakeRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	agentID := r.Header.Get(HeaderAgentID)
	secret := r.Header.Get(HeaderAgentSecret)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	_, err := h.manager.Authenticate(ctx, agentID, secret)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, ErrMissingCredentials):
		observability.TunnelHandshakeRejected.WithLabelValues("missing_headers").Inc()
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	case errors.Is(err, ErrInvalidCredentials):
		observability.TunnelHandshakeRejected.WithLabelValues("invalid").Inc()
		h.logger.Warn("rejected agent handshake", "agent_id", agentID, "remote", r.RemoteAddr)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case errors.Is(err, ErrNodeSuspended):
		observability.TunnelHandshakeRejected.WithLabelValues("suspended").Inc()
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	default:
		h.logger.Error("agent handshake lookup failed", "agent_id", agentID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}
	conn := newWSConn(ws)

	regCtx, regCancel := context.WithTimeout(context.Background(), 5*time.Second)
	h.manager.Register(regCtx, agentID, conn)
	regCancel()

	defer func() {
		h.manager.Unregister(agentID, conn)
		_ = conn.Close()
	}()

	go conn.pingLoop()
	h.readLoop(agentID, conn)
}

func (h *Handler) readLoop(agentID string, conn *wsConn) {
	ws := conn.ws
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("agent tunnel read error", "agent_id", agentID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			observability.TunnelDroppedMessages.WithLabelValues("malformed").Inc()
			h.logger.Warn("malformed tunnel message", "agent_id", agentID, "error", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		h.manager.HandleMessage(ctx, agentID, env)
		cancel()
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

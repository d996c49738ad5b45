package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/deploy"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/dispatch"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/middleware"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/resolver"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/secret"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/tunnel"
)

const maxRequestBody = 1 << 20

type API struct {
	store      store.Store
	tunnels    *tunnel.Manager
	resolver   *resolver.Resolver
	dispatcher *dispatch.Dispatcher
	deployer   *deploy.Deployer
	cipher     secret.Cipher
	hub        *EventHub
	logger     *slog.Logger

	// shell id -> user id that opened it
	shellMu sync.Mutex
	shells  map[string]string
}

func NewAPI(s store.Store, tunnels *tunnel.Manager, res *resolver.Resolver, d *dispatch.Dispatcher, dep *deploy.Deployer, cipher secret.Cipher, hub *EventHub, logger *slog.Logger) *API {
	if cipher == nil {
		cipher = secret.Plaintext{}
	}
	return &API{
		store:      s,
		tunnels:    tunnels,
		resolver:   res,
		dispatcher: d,
		deployer:   dep,
		cipher:     cipher,
		hub:        hub,
		logger:     logger.With("component", "api"),
		shells:     make(map[string]string),
	}
}

// Routes builds the HTTP surface. authn validates bearer tokens.
func (a *API) Routes(authn func(http.Handler) http.Handler, agentConnect http.Handler) http.Handler {
	mux := http.NewServeMux()

	user := func(h http.HandlerFunc) http.Handler { return authn(h) }
	admin := func(h http.HandlerFunc) http.Handler { return authn(middleware.RequireAdmin(h)) }

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /agent/connect", agentConnect)

	// Node registry and deployment
	mux.Handle("POST /api/nodes", admin(a.handleRegisterNode))
	mux.Handle("GET /api/nodes", admin(a.handleListNodes))
	mux.Handle("GET /api/nodes/{id}", admin(a.handleGetNode))
	mux.Handle("DELETE /api/nodes/{id}", admin(a.handleDeleteNode))
	mux.Handle("POST /api/nodes/{id}/deploy", admin(a.handleDeploy))
	mux.Handle("POST /api/nodes/{id}/upgrade", admin(a.handleUpgrade))
	mux.Handle("GET /api/nodes/{id}/deployment", admin(a.handleDeploymentStatus))
	mux.Handle("GET /api/nodes/{id}/metrics", admin(a.handleMetricsHistory))
	mux.Handle("GET /api/nodes/{id}/notifications", admin(a.handleNotifications))
	mux.Handle("GET /api/events", admin(a.handleEvents))

	// Agent operations
	mux.Handle("POST /api/actions/{action}", user(a.handleAction))
	mux.Handle("POST /api/exec", user(a.handleExec))
	mux.Handle("POST /api/shell", user(a.handleShellStart))
	mux.Handle("POST /api/shell/{id}/input", user(a.handleShellInput))
	mux.Handle("POST /api/shell/{id}/stop", user(a.handleShellStop))
	mux.Handle("GET /api/shell/{id}/output", user(a.handleShellOutput))

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	var agentHTTP *dispatch.AgentHTTPError
	switch {
	case errors.Is(err, resolver.ErrNotFound),
		errors.Is(err, store.ErrNodeNotFound),
		errors.Is(err, tunnel.ErrShellNotFound):
		return http.StatusNotFound
	case errors.Is(err, resolver.ErrPermissionDenied):
		return http.StatusForbidden
	case deploy.IsInProgress(err),
		errors.Is(err, store.ErrLocalNode):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrUnknownAction),
		errors.Is(err, deploy.ErrNoCredentials):
		return http.StatusBadRequest
	case errors.Is(err, tunnel.ErrTunnelTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &agentHTTP) && agentHTTP.Status >= 400 && agentHTTP.Status < 500 && agentHTTP.Status != http.StatusUnauthorized:
		return agentHTTP.Status
	default:
		return http.StatusBadGateway
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func caller(r *http.Request) resolver.Caller {
	c, _ := middleware.CallerFromContext(r.Context())
	return c
}

// -- Node Registry --

type registerNodeRequest struct {
	Name           string               `json:"name"`
	Host           string               `json:"host"`
	IsLocal        bool                 `json:"is_local"`
	ConnectionMode store.ConnectionMode `json:"connection_mode"`
	SSHUser        string               `json:"ssh_user"`
	SSHPassword    string               `json:"ssh_password"`
	SSHPort        int                  `json:"ssh_port"`
}

type registerNodeResponse struct {
	*store.Node
	// AgentSecret is only ever returned here.
	AgentSecret string `json:"agent_secret"`
}

func newAgentSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (a *API) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Host == "" && !req.IsLocal {
		http.Error(w, "host is required", http.StatusBadRequest)
		return
	}
	switch req.ConnectionMode {
	case "":
		req.ConnectionMode = store.ModeDirect
	case store.ModeDirect, store.ModeTunnel:
	default:
		http.Error(w, "connection_mode must be direct or tunnel", http.StatusBadRequest)
		return
	}
	if req.SSHPort == 0 {
		req.SSHPort = 22
	}

	agentSecret, err := newAgentSecret()
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	node := &store.Node{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Host:           req.Host,
		IsLocal:        req.IsLocal,
		ConnectionMode: req.ConnectionMode,
		SSHUser:        req.SSHUser,
		SSHPort:        req.SSHPort,
		AgentSecret:    agentSecret,
		Status:         store.StatusUnknown,
	}
	if node.IsLocal && node.Host == "" {
		node.Host = "127.0.0.1"
	}
	if req.SSHPassword != "" {
		sealed, err := a.cipher.Encrypt(req.SSHPassword)
		if err != nil {
			a.logger.Error("failed to encrypt ssh secret", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		node.SSHSecret = sealed
	}

	if err := a.store.CreateNode(r.Context(), node); err != nil {
		if errors.Is(err, store.ErrLocalNode) {
			a.writeError(w, r, err)
			return
		}
		a.logger.Error("failed to register node", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.logger.Info("node registered", "node_id", node.ID, "host", node.Host, "mode", node.ConnectionMode)
	writeJSON(w, http.StatusCreated, registerNodeResponse{Node: node, AgentSecret: agentSecret})
}

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := a.store.ListNodes(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (a *API) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := a.store.GetNode(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if node == nil {
		a.writeError(w, r, store.ErrNodeNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*store.Node
		TunnelConnected bool `json:"tunnel_connected"`
	}{node, a.tunnels.IsConnected(node.ID)})
}

func (a *API) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.store.DeleteNode(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrLocalNode) || errors.Is(err, store.ErrNodeNotFound) {
			a.writeError(w, r, err)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.tunnels.Disconnect(id)
	a.logger.Info("node deleted", "node_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var db deploy.DBConfig
	if !decodeBody(w, r, &db) {
		return
	}
	if db.User == "" {
		http.Error(w, "database user is required", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if err := a.deployer.Deploy(r.Context(), id, db); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.deployer.Status(id))
}

func (a *API) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.deployer.Upgrade(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.deployer.Status(id))
}

func (a *API) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deployer.Status(r.PathValue("id")))
}

// handleMetricsHistory returns samples newer than ?since= (a duration, default 24h).
func (a *API) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "since must be a positive duration", http.StatusBadRequest)
			return
		}
		window = d
	}
	samples, err := a.store.ListMetricSamples(r.Context(), r.PathValue("id"), time.Now().Add(-window))
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	notes, err := a.store.ListNotifications(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

// -- Dispatch --

type actionRequest struct {
	resolver.Reference
	Payload map[string]interface{} `json:"payload"`
}

func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	action := dispatch.Action(r.PathValue("action"))
	if _, err := dispatch.Lookup(action); err != nil {
		a.writeError(w, r, err)
		return
	}
	var req actionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target, err := a.resolver.Resolve(r.Context(), caller(r), req.Reference)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	result, err := a.dispatcher.Dispatch(r.Context(), target, action, req.Payload)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(result)
}

type execRequest struct {
	resolver.Reference
	Command string `json:"command"`
}

func (a *API) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		http.Error(w, "command is required", http.StatusBadRequest)
		return
	}
	c := caller(r)
	target, err := a.resolver.Resolve(r.Context(), c, req.Reference)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	result, err := a.dispatcher.DispatchExec(r.Context(), c, target, req.Command)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(result)
}

// -- Event stream --

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Authenticated by bearer token, not origin.
		return true
	},
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	a.hub.Register(conn)
	defer a.hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to detect disconnections
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

package main

import (
	"fmt"
	"net/http"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/resolver"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/tunnel"
)

type shellStartRequest struct {
	resolver.Reference
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type shellInputRequest struct {
	Input string `json:"input"`
}

// handleShellStart opens an interactive shell on a tunnel-mode node.
// The shell starts in the resolved root joined with the requested path.
func (a *API) handleShellStart(w http.ResponseWriter, r *http.Request) {
	var req shellStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c := caller(r)
	target, err := a.resolver.Resolve(r.Context(), c, req.Reference)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if target.Mode != store.ModeTunnel {
		http.Error(w, "interactive shells require a tunnel connection", http.StatusBadRequest)
		return
	}

	shellID, err := a.tunnels.StartShell(target.AgentID, "", tunnel.ShellOptions{
		Cwd:  shellCwd(target),
		Cols: req.Cols,
		Rows: req.Rows,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.shellMu.Lock()
	a.shells[shellID] = c.UserID
	a.shellMu.Unlock()

	a.logger.Info("shell started", "shell_id", shellID, "agent_id", target.AgentID, "user_id", c.UserID)
	writeJSON(w, http.StatusCreated, map[string]string{"shell_id": shellID, "node_id": target.NodeID})
}

func shellCwd(t *resolver.Target) string {
	if t.Path == "" || t.Path == "/" {
		return t.Root
	}
	if t.Root == "/" {
		return t.Path
	}
	return t.Root + t.Path
}

// ownShell reports whether the caller may drive shellID. Admins may drive any shell.
func (a *API) ownShell(w http.ResponseWriter, r *http.Request) (string, bool) {
	shellID := r.PathValue("id")
	c := caller(r)

	a.shellMu.Lock()
	owner, ok := a.shells[shellID]
	a.shellMu.Unlock()

	if !ok {
		a.writeError(w, r, fmt.Errorf("%w: %s", tunnel.ErrShellNotFound, shellID))
		return "", false
	}
	if owner != c.UserID && !c.Elevated() {
		a.writeError(w, r, resolver.ErrPermissionDenied)
		return "", false
	}
	return shellID, true
}

func (a *API) forgetShell(shellID string) {
	a.shellMu.Lock()
	delete(a.shells, shellID)
	a.shellMu.Unlock()
}

func (a *API) handleShellInput(w http.ResponseWriter, r *http.Request) {
	shellID, ok := a.ownShell(w, r)
	if !ok {
		return
	}
	var req shellInputRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.tunnels.SendInput(shellID, req.Input); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleShellStop(w http.ResponseWriter, r *http.Request) {
	shellID, ok := a.ownShell(w, r)
	if !ok {
		return
	}
	a.forgetShell(shellID)
	if err := a.tunnels.StopShell(shellID); err != nil {
		a.logger.Debug("shell stop not delivered", "shell_id", shellID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShellOutput drains buffered output. The session is forgotten
// once the exit record has been handed out.
func (a *API) handleShellOutput(w http.ResponseWriter, r *http.Request) {
	shellID, ok := a.ownShell(w, r)
	if !ok {
		return
	}
	records, err := a.tunnels.PollOutput(shellID)
	if err != nil {
		a.forgetShell(shellID)
		a.writeError(w, r, err)
		return
	}
	if _, live := a.tunnels.ShellOwner(shellID); !live {
		a.forgetShell(shellID)
	}
	if records == nil {
		records = []tunnel.ShellRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

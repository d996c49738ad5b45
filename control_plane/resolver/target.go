package resolver

import (
	"net"
	"strings"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
)

// RoleAdmin is the elevated role.
const RoleAdmin = "admin"

// Caller identifies who is asking for a resolution.
type Caller struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Elevated reports whether the caller may address whole nodes.
func (c Caller) Elevated() bool {
	return c.Role == RoleAdmin
}

// Reference is a logical target. At most one of WebsiteID and NodeID is
// consulted; Path is interpreted relative to whichever resolves.
type Reference struct {
	WebsiteID string `json:"website_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	Path      string `json:"path,omitempty"`
}

// Target is a resolved, per-call routing decision. It is never persisted.
type Target struct {
	Mode    store.ConnectionMode `json:"mode"`
	AgentID string               `json:"agent_id"`
	NodeID  string               `json:"node_id"`
	Host    string               `json:"host"`
	// BaseURL is the agent HTTP endpoint for direct mode.
	BaseURL  string `json:"base_url,omitempty"`
	Root     string `json:"root"`
	JailRoot string `json:"jail_root,omitempty"`
	Path     string `json:"path"`
	IsLocal  bool   `json:"is_local"`

	AgentSecret string            `json:"-"`
	SSH         *sshx.Credentials `json:"-"`
}

// HasSSHFallback reports whether SSH credentials were attached.
func (t *Target) HasSSHFallback() bool {
	return t.SSH != nil
}

// IsLoopbackHost reports whether host names the control plane's own machine.
func IsLoopbackHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if hp, _, err := net.SplitHostPort(h); err == nil {
		h = hp
	}
	h = strings.Trim(h, "[]")
	switch h {
	case "", "localhost", "localhost.localdomain", "0.0.0.0", "::":
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}

package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path"
	"strconv"
	"strings"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/secret"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
)

var (
	// ErrNotFound is returned when a reference does not map to anything the caller can see.
	ErrNotFound = errors.New("target not found")
	// ErrPermissionDenied is returned when a non-elevated caller asks for node-level access.
	ErrPermissionDenied = errors.New("permission denied")
)

const virtualPrefix = "/websites/"

// Registry is the read-only view of the store the resolver needs.
type Registry interface {
	GetNode(ctx context.Context, nodeID string) (*store.Node, error)
	GetLocalNode(ctx context.Context) (*store.Node, error)
	GetWebsite(ctx context.Context, websiteID string) (*store.Website, error)
	GetWebsiteByDomain(ctx context.Context, domain string) (*store.Website, error)
	ListWebsites(ctx context.Context, userID string) ([]*store.Website, error)
	GetUserStorage(ctx context.Context, userID string) (*store.UserStorage, error)
}

// Options configures a Resolver.
type Options struct {
	// LocalAgentURL is the loopback endpoint of the agent colocated with the control plane.
	LocalAgentURL string
	// AgentPort is the HTTP port of remote agents in direct mode.
	AgentPort int
	// PlatformRoot is the fallback root for elevated callers.
	PlatformRoot string
	// UserRootTemplate is the fallback root for users without a storage row.
	// "{user}" is replaced by the user id.
	UserRootTemplate string
	Logger           *slog.Logger
}

// Resolver turns logical references into routing targets.
type Resolver struct {
	reg    Registry
	cipher secret.Cipher
	opts   Options
	logger *slog.Logger
}

// New creates a Resolver.
func New(reg Registry, cipher secret.Cipher, opts Options) *Resolver {
	if opts.LocalAgentURL == "" {
		opts.LocalAgentURL = "http://127.0.0.1:4000"
	}
	if opts.AgentPort == 0 {
		opts.AgentPort = 4000
	}
	if opts.PlatformRoot == "" {
		opts.PlatformRoot = "/"
	}
	if opts.UserRootTemplate == "" {
		opts.UserRootTemplate = "/home/{user}"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cipher == nil {
		cipher = secret.Plaintext{}
	}
	return &Resolver{
		reg:    reg,
		cipher: cipher,
		opts:   opts,
		logger: opts.Logger.With("component", "resolver"),
	}
}

// Resolve maps ref to a Target. The first matching tier wins: website id,
// node id, virtual /websites/<domain> path, longest website root prefix,
// then the caller's own storage root.
func (r *Resolver) Resolve(ctx context.Context, caller Caller, ref Reference) (*Target, error) {
	if ref.WebsiteID != "" {
		w, err := r.reg.GetWebsite(ctx, ref.WebsiteID)
		if err != nil {
			return nil, fmt.Errorf("lookup website %s: %w", ref.WebsiteID, err)
		}
		if !visible(caller, w) {
			return nil, fmt.Errorf("%w: website %s", ErrNotFound, ref.WebsiteID)
		}
		sub := cleanPath(ref.Path)
		if _, rest, ok := splitVirtual(sub); ok {
			sub = rest
		}
		return r.forWebsite(ctx, caller, w, sub)
	}

	if ref.NodeID != "" {
		if !caller.Elevated() {
			return nil, fmt.Errorf("%w: node access requires admin", ErrPermissionDenied)
		}
		node, err := r.reg.GetNode(ctx, ref.NodeID)
		if err != nil {
			return nil, fmt.Errorf("lookup node %s: %w", ref.NodeID, err)
		}
		if node == nil {
			return nil, fmt.Errorf("%w: node %s", ErrNotFound, ref.NodeID)
		}
		return r.build(caller, node, "", cleanPath(ref.Path)), nil
	}

	p := cleanPath(ref.Path)

	if domain, rest, ok := splitVirtual(p); ok {
		w, err := r.reg.GetWebsiteByDomain(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("lookup domain %s: %w", domain, err)
		}
		if !visible(caller, w) {
			return nil, fmt.Errorf("%w: website %s", ErrNotFound, domain)
		}
		return r.forWebsite(ctx, caller, w, rest)
	}

	if strings.HasPrefix(p, "/") {
		scope := caller.UserID
		if caller.Elevated() {
			scope = ""
		}
		websites, err := r.reg.ListWebsites(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("list websites: %w", err)
		}
		if w, rest := longestPrefix(websites, p); w != nil {
			return r.forWebsite(ctx, caller, w, rest)
		}
	}

	return r.fallback(ctx, caller, p)
}

func (r *Resolver) forWebsite(ctx context.Context, caller Caller, w *store.Website, sub string) (*Target, error) {
	node, err := r.nodeOrLocal(ctx, w.NodeID)
	if err != nil {
		return nil, err
	}
	return r.build(caller, node, w.RootPath, sub), nil
}

func (r *Resolver) fallback(ctx context.Context, caller Caller, p string) (*Target, error) {
	var root, nodeID string
	if caller.Elevated() {
		root = r.opts.PlatformRoot
	} else {
		storage, err := r.reg.GetUserStorage(ctx, caller.UserID)
		if err != nil {
			return nil, fmt.Errorf("lookup storage for %s: %w", caller.UserID, err)
		}
		if storage != nil && storage.RootPath != "" {
			root = storage.RootPath
			nodeID = storage.NodeID
		} else {
			root = strings.ReplaceAll(r.opts.UserRootTemplate, "{user}", caller.UserID)
		}
	}
	node, err := r.nodeOrLocal(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return r.build(caller, node, root, p), nil
}

func (r *Resolver) nodeOrLocal(ctx context.Context, nodeID string) (*store.Node, error) {
	var (
		node *store.Node
		err  error
	)
	if nodeID == "" {
		node, err = r.reg.GetLocalNode(ctx)
	} else {
		node, err = r.reg.GetNode(ctx, nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup node %q: %w", nodeID, err)
	}
	if node == nil {
		if nodeID == "" {
			nodeID = "local"
		}
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
	}
	return node, nil
}

func (r *Resolver) build(caller Caller, node *store.Node, root, sub string) *Target {
	t := &Target{
		Mode:        node.ConnectionMode,
		AgentID:     node.ID,
		NodeID:      node.ID,
		Host:        node.Host,
		Root:        root,
		Path:        sub,
		AgentSecret: node.AgentSecret,
	}
	if !caller.Elevated() {
		t.JailRoot = root
	}

	// A tunnel can never originate from the control plane's own process.
	if node.IsLocal || IsLoopbackHost(node.Host) {
		t.IsLocal = true
		t.Mode = store.ModeDirect
		t.BaseURL = r.opts.LocalAgentURL
	} else {
		if t.Mode == "" {
			t.Mode = store.ModeDirect
		}
		t.BaseURL = "http://" + net.JoinHostPort(node.Host, strconv.Itoa(r.opts.AgentPort))
	}

	if node.HasSSHCredentials() {
		password, err := r.cipher.Decrypt(node.SSHSecret)
		if err != nil {
			r.logger.Warn("cannot decrypt ssh secret, fallback disabled", "node_id", node.ID, "error", err)
		} else {
			t.SSH = &sshx.Credentials{
				Host:     node.Host,
				Port:     node.SSHPort,
				User:     node.SSHUser,
				Password: password,
			}
		}
	}
	return t
}

func visible(caller Caller, w *store.Website) bool {
	return w != nil && (caller.Elevated() || w.UserID == caller.UserID)
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean(p)
}

// splitVirtual splits /websites/<domain>/<rest> into domain and "/<rest>".
func splitVirtual(p string) (domain, rest string, ok bool) {
	if !strings.HasPrefix(p, virtualPrefix) {
		return "", "", false
	}
	tail := strings.TrimPrefix(p, virtualPrefix)
	domain, rest, _ = strings.Cut(tail, "/")
	if domain == "" {
		return "", "", false
	}
	return domain, "/" + rest, true
}

// longestPrefix picks the website whose root is the longest path-boundary
// prefix of p. Ties keep the first candidate.
func longestPrefix(websites []*store.Website, p string) (*store.Website, string) {
	var (
		best    *store.Website
		bestLen = -1
		rest    string
	)
	for _, w := range websites {
		if w.RootPath == "" {
			continue
		}
		root := path.Clean(w.RootPath)
		var remainder string
		switch {
		case p == root:
			remainder = "/"
		case root == "/":
			remainder = p
		case strings.HasPrefix(p, root+"/"):
			remainder = p[len(root):]
		default:
			continue
		}
		if len(root) > bestLen {
			best, bestLen, rest = w, len(root), remainder
		}
	}
	return best, rest
}

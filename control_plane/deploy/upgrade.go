package deploy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/tunnel"
)

// TunnelSender is the part of the tunnel manager an upgrade uses.
type TunnelSender interface {
	IsConnected(agentID string) bool
	SendCommand(ctx context.Context, agentID string, msgType tunnel.MessageType, data interface{}) (json.RawMessage, error)
}

// upgradeArchive is the bundle name inside the install directory.
const upgradeArchive = ".yumna-upgrade.zip"

// transport moves an upgrade bundle onto a node and restarts the agent.
type transport interface {
	name() string
	readManifest(ctx context.Context) ([]byte, error)
	install(ctx context.Context, bundle []byte) error
}

// Upgrade starts a detached delta upgrade of nodeID. A live tunnel is
// preferred; otherwise SSH credentials are required.
func (d *Deployer) Upgrade(ctx context.Context, nodeID string) error {
	node, err := d.store.GetNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("lookup node %s: %w", nodeID, err)
	}
	if node == nil {
		return store.ErrNodeNotFound
	}
	if node.IsLocal {
		return store.ErrLocalNode
	}

	viaTunnel := d.tunnels != nil && d.tunnels.IsConnected(node.ID)
	var creds sshx.Credentials
	if !viaTunnel {
		if !node.HasSSHCredentials() {
			return ErrNoCredentials
		}
		password, err := d.cipher.Decrypt(node.SSHSecret)
		if err != nil {
			return fmt.Errorf("decrypt ssh secret: %w", err)
		}
		creds = sshx.Credentials{Host: node.Host, Port: node.SSHPort, User: node.SSHUser, Password: password}
	}

	job, err := d.begin(nodeID, KindUpgrade)
	if err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		jobCtx, cancel := context.WithTimeout(context.Background(), d.opts.JobTimeout)
		defer cancel()

		var runErr error
		if viaTunnel {
			runErr = d.runUpgrade(jobCtx, job, &tunnelTransport{tunnels: d.tunnels, nodeID: node.ID})
		} else {
			runErr = d.upgradeOverSSH(jobCtx, job, creds)
		}
		d.finish(node, job, runErr)
	}()
	return nil
}

func (d *Deployer) upgradeOverSSH(ctx context.Context, j *Job, creds sshx.Credentials) error {
	conn, family, err := d.connect(ctx, j, creds)
	if err != nil {
		return err
	}
	defer conn.Close()
	return d.runUpgrade(ctx, j, &sshTransport{conn: conn, plan: d.planFor(family)})
}

func (d *Deployer) runUpgrade(ctx context.Context, j *Job, t transport) error {
	var (
		manifest Manifest
		changed  []string
		bundle   []byte
	)
	steps := []Step{
		{Name: "build manifest", Phase: PhaseTransfer, Run: func(ctx context.Context, _ sshx.Conn) (string, error) {
			local, err := BuildManifest(d.opts.SourceDir)
			if err != nil {
				return "", err
			}
			raw, err := t.readManifest(ctx)
			if err != nil {
				return "", fmt.Errorf("read remote manifest: %w", err)
			}
			prev, err := ParseManifest(raw)
			if err != nil {
				// A corrupt manifest means everything ships.
				d.logger.Warn("ignoring unreadable remote manifest", "node_id", j.NodeID, "error", err)
				prev = Manifest{}
			}
			manifest = local
			changed = local.Changed(prev)
			return fmt.Sprintf("%d of %d files changed", len(changed), len(local)), nil
		}},
		{Name: "bundle changes", Phase: PhaseTransfer, Run: func(context.Context, sshx.Conn) (string, error) {
			var err error
			bundle, err = Bundle(d.opts.SourceDir, changed, manifest)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("bundle is %d bytes", len(bundle)), nil
		}},
		{Name: "install bundle via " + t.name(), Phase: PhaseInstall, Run: func(ctx context.Context, _ sshx.Conn) (string, error) {
			if err := t.install(ctx, bundle); err != nil {
				return "", err
			}
			return "agent restarted", nil
		}},
	}
	for _, s := range steps {
		if err := d.runStep(ctx, j, nil, s); err != nil {
			return err
		}
	}
	return nil
}

type tunnelTransport struct {
	tunnels TunnelSender
	nodeID  string
}

func (t *tunnelTransport) name() string { return "tunnel" }

// fileAction sends one FILE_ACTION; paths are relative to the agent's
// working directory.
func (t *tunnelTransport) fileAction(ctx context.Context, timeout time.Duration, payload map[string]interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, ok := payload["root"]; !ok {
		payload["root"] = "."
	}
	return t.tunnels.SendCommand(ctx, t.nodeID, tunnel.TypeFileAction, payload)
}

func (t *tunnelTransport) readManifest(ctx context.Context) ([]byte, error) {
	resp, err := t.fileAction(ctx, 10*time.Second, map[string]interface{}{"action": "read", "path": ManifestName})
	if err != nil {
		var agentErr *tunnel.AgentError
		// First upgrade of a node: no manifest yet.
		if errors.As(err, &agentErr) {
			return nil, nil
		}
		return nil, err
	}
	return manifestContent(resp)
}

// manifestContent accepts either a bare JSON string or {"content": "..."}.
func manifestContent(resp json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(resp, &s); err == nil {
		return []byte(s), nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(resp, &obj); err != nil {
		return nil, fmt.Errorf("unexpected read reply: %w", err)
	}
	return []byte(obj.Content), nil
}

func (t *tunnelTransport) install(ctx context.Context, bundle []byte) error {
	calls := []struct {
		timeout time.Duration
		payload map[string]interface{}
	}{
		{60 * time.Second, map[string]interface{}{
			"action":   "write",
			"path":     upgradeArchive,
			"content":  base64.StdEncoding.EncodeToString(bundle),
			"encoding": "base64",
		}},
		{60 * time.Second, map[string]interface{}{"action": "unzip", "path": upgradeArchive, "destination": "."}},
		{30 * time.Second, map[string]interface{}{"action": "delete", "path": upgradeArchive}},
		{30 * time.Second, map[string]interface{}{"action": "restart"}},
	}
	for _, c := range calls {
		if _, err := t.fileAction(ctx, c.timeout, c.payload); err != nil {
			return fmt.Errorf("%s: %w", c.payload["action"], err)
		}
	}
	return nil
}

type sshTransport struct {
	conn sshx.Conn
	plan plan
}

func (t *sshTransport) name() string { return "ssh" }

func (t *sshTransport) readManifest(ctx context.Context) ([]byte, error) {
	data, err := t.conn.ReadFile(path.Join(t.plan.installDir, ManifestName))
	if err != nil {
		// Missing or unreadable: treat as a fresh install.
		return nil, nil
	}
	return data, nil
}

func (t *sshTransport) install(ctx context.Context, bundle []byte) error {
	archive := path.Join(t.plan.installDir, upgradeArchive)
	if err := t.conn.WriteFile(archive, bundle, 0o600); err != nil {
		return fmt.Errorf("upload bundle: %w", err)
	}
	if out, err := t.conn.Run(ctx, t.plan.unzipCommand(archive)); err != nil {
		return fmt.Errorf("unzip: %w: %s", err, tail(out, 512))
	}
	if out, err := t.conn.Run(ctx, t.plan.restartCommand()); err != nil {
		return fmt.Errorf("restart: %w: %s", err, tail(out, 512))
	}
	return nil
}

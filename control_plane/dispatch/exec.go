package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/observability"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/resolver"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
)

// ExecResult is the shape returned when a command ran outside the agent.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Via      string `json:"via"` // local, ssh
}

type localRunner func(ctx context.Context, dir, command string) (ExecResult, error)

// DispatchExec runs command on the target. When the agent cannot be
// reached at all, loopback targets run the command as a local child
// process and remote targets with SSH credentials run it over SSH. A
// timeout or an agent error is returned as is, since the agent may
// already have run the command. Non-elevated callers are confined to the
// jail root.
func (d *Dispatcher) DispatchExec(ctx context.Context, caller resolver.Caller, target *resolver.Target, command string) (json.RawMessage, error) {
	ep, _ := Lookup(ActionExec)
	dir := execDir(caller, target)
	body := map[string]interface{}{
		"action":  string(ActionExec),
		"root":    target.Root,
		"path":    target.Path,
		"command": command,
		"cwd":     dir,
	}

	start := time.Now()
	var (
		out json.RawMessage
		err error
	)
	switch {
	case target.Mode == store.ModeTunnel:
		out, err = d.tunnels.SendCommand(ctx, target.AgentID, ep.Kind.MessageType(), body)
	default:
		out, err = d.callAgent(ctx, target, ep, body)
		if err != nil && agentUnreachable(err) {
			out, err = d.execFallback(ctx, target, dir, command, err)
		}
	}
	record(KindExec, target.Mode, start, err)
	return out, err
}

func (d *Dispatcher) execFallback(ctx context.Context, target *resolver.Target, dir, command string, original error) (json.RawMessage, error) {
	var (
		res ExecResult
		err error
	)
	switch {
	case target.IsLocal:
		d.logger.Warn("local agent unavailable, running command in-process", "dir", dir, "error", original)
		res, err = d.local(ctx, dir, command)
	case target.HasSSHFallback():
		d.logger.Warn("agent unavailable, running command over ssh", "node_id", target.NodeID, "error", original)
		res, err = d.runSSH(ctx, target, dir, command)
	default:
		return nil, original
	}
	if err != nil {
		observability.SSHFallbacks.WithLabelValues(string(ActionExec), "error").Inc()
		return nil, &SSHFallbackError{Action: ActionExec, Original: original, Fallback: err}
	}
	observability.SSHFallbacks.WithLabelValues(string(ActionExec), "ok").Inc()
	return json.Marshal(res)
}

// execDir is the jail root for regular callers and the requested path for admins.
func execDir(caller resolver.Caller, target *resolver.Target) string {
	if caller.Elevated() {
		return absolute(target.Root, target.Path)
	}
	if target.JailRoot != "" {
		return target.JailRoot
	}
	return absolute(target.Root, "/")
}

func (d *Dispatcher) runSSH(ctx context.Context, target *resolver.Target, dir, command string) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, heavy)
	defer cancel()

	conn, err := d.ssh.Dial(ctx, *target.SSH)
	if err != nil {
		return ExecResult{}, err
	}
	defer conn.Close()

	out, err := conn.Run(ctx, "cd "+sshx.Quote(dir)+" && "+command)
	res := ExecResult{Stdout: out, Via: "ssh"}
	if err != nil {
		code, ok := sshx.ExitStatus(err)
		if !ok {
			return ExecResult{}, err
		}
		res.ExitCode = code
	}
	return res, nil
}

func runLocal(ctx context.Context, dir, command string) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, heavy)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := ExecResult{Via: "local"}
	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return ExecResult{}, fmt.Errorf("run in %s: %w", dir, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

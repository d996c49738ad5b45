package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/observability"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/resolver"
)

// FileEntry mirrors one element of the agent's /fs/ls response.
type FileEntry struct {
	Name        string    `json:"name"`
	Type        string    `json:"type"` // file, directory, symlink
	Size        int64     `json:"size"`
	ModifyTime  time.Time `json:"modifyTime"`
	Permissions string    `json:"permissions"`
	Path        string    `json:"path"`
}

func (d *Dispatcher) sftpFallback(ctx context.Context, target *resolver.Target, action Action, original error) (json.RawMessage, error) {
	d.logger.Warn("agent unavailable, listing over sftp",
		"node_id", target.NodeID, "path", target.Path, "error", original)

	out, err := d.listOverSFTP(ctx, target)
	if err != nil {
		observability.SSHFallbacks.WithLabelValues(string(action), "error").Inc()
		return nil, &SSHFallbackError{Action: action, Original: original, Fallback: err}
	}
	observability.SSHFallbacks.WithLabelValues(string(action), "ok").Inc()
	return out, nil
}

func (d *Dispatcher) listOverSFTP(ctx context.Context, target *resolver.Target) (json.RawMessage, error) {
	conn, err := d.ssh.Dial(ctx, *target.SSH)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dir := absolute(target.Root, target.Path)
	infos, err := conn.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sftp readdir %s: %w", dir, err)
	}

	entries := make([]FileEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, FileEntry{
			Name:        fi.Name(),
			Type:        entryType(fi.Mode()),
			Size:        fi.Size(),
			ModifyTime:  fi.ModTime().UTC(),
			Permissions: fmt.Sprintf("%04o", fi.Mode().Perm()),
			Path:        path.Join(target.Path, fi.Name()),
		})
	}
	return json.Marshal(entries)
}

func entryType(m os.FileMode) string {
	switch {
	case m&os.ModeSymlink != 0:
		return "symlink"
	case m.IsDir():
		return "directory"
	default:
		return "file"
	}
}

// absolute joins a sub-path onto its root, never escaping it.
func absolute(root, sub string) string {
	if root == "" {
		return path.Clean("/" + sub)
	}
	return path.Join(root, path.Clean("/"+sub))
}

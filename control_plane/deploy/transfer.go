package deploy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
)

// excluded reports whether a source-tree entry is never shipped to a node.
func excluded(name string) bool {
	return name == "node_modules" || name == ".git" || strings.HasPrefix(name, ".env")
}

// walkSource visits every shippable regular file under root, passing the
// slash-separated relative path.
func walkSource(root string, fn func(rel, abs string, info fs.FileInfo) error) error {
	return filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if abs != root && excluded(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), abs, info)
	})
}

func copyTree(name, localRoot, remoteRoot string) Step {
	return Step{
		Name:  name,
		Phase: PhaseTransfer,
		Run: func(ctx context.Context, conn sshx.Conn) (string, error) {
			if err := conn.MkdirAll(remoteRoot); err != nil {
				return "", fmt.Errorf("mkdir %s: %w", remoteRoot, err)
			}
			files := 0
			err := walkSource(localRoot, func(rel, abs string, info fs.FileInfo) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				data, err := os.ReadFile(abs)
				if err != nil {
					return err
				}
				if err := conn.WriteFile(path.Join(remoteRoot, rel), data, info.Mode().Perm()); err != nil {
					return fmt.Errorf("copy %s: %w", rel, err)
				}
				files++
				return nil
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("copied %d files to %s", files, remoteRoot), nil
		},
	}
}

// envSettings are the values written into the agent's .env file.
type envSettings struct {
	PanelURL    string
	AgentSecret string
	NodeID      string
	AgentPort   int
	Version     string
	DB          DBConfig
}

func renderEnv(s envSettings) ([]byte, error) {
	dbHost := s.DB.Host
	if dbHost == "" {
		dbHost = "localhost"
	}
	dbPort := s.DB.Port
	if dbPort == 0 {
		dbPort = 3306
	}
	content, err := godotenv.Marshal(map[string]string{
		"PANEL_URL":     s.PanelURL,
		"AGENT_SECRET":  s.AgentSecret,
		"NODE_ID":       s.NodeID,
		"AGENT_PORT":    strconv.Itoa(s.AgentPort),
		"AGENT_VERSION": s.Version,
		"DB_HOST":       dbHost,
		"DB_PORT":       strconv.Itoa(dbPort),
		"DB_USER":       s.DB.User,
		"DB_PASSWORD":   s.DB.Password,
	})
	if err != nil {
		return nil, err
	}
	return []byte(content + "\n"), nil
}

// grantSQL creates the agent's database account. Values are SQL-escaped
// string literals; nothing is interpolated into a shell command.
func grantSQL(db DBConfig) []byte {
	user, pass := sqlString(db.User), sqlString(db.Password)
	var b strings.Builder
	for _, host := range []string{"localhost", "127.0.0.1"} {
		h := sqlString(host)
		fmt.Fprintf(&b, "CREATE USER IF NOT EXISTS %s@%s IDENTIFIED BY %s;\n", user, h, pass)
		fmt.Fprintf(&b, "ALTER USER %s@%s IDENTIFIED BY %s;\n", user, h, pass)
		fmt.Fprintf(&b, "GRANT ALL PRIVILEGES ON *.* TO %s@%s WITH GRANT OPTION;\n", user, h)
	}
	b.WriteString("FLUSH PRIVILEGES;\n")
	return []byte(b.String())
}

func sqlString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\x00", `\0`, "\n", `\n`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}

package deploy

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
)

// Step is one typed unit of a deployment plan.
type Step struct {
	Name  string
	Phase Phase
	Run   func(ctx context.Context, conn sshx.Conn) (string, error)
}

func command(name string, phase Phase, cmd string) Step {
	return Step{
		Name:  name,
		Phase: phase,
		Run: func(ctx context.Context, conn sshx.Conn) (string, error) {
			return conn.Run(ctx, cmd)
		},
	}
}

func upload(name string, phase Phase, remote string, data []byte, perm os.FileMode) Step {
	return Step{
		Name:  name,
		Phase: phase,
		Run: func(ctx context.Context, conn sshx.Conn) (string, error) {
			if err := conn.WriteFile(remote, data, perm); err != nil {
				return "", fmt.Errorf("upload %s: %w", remote, err)
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(data), remote), nil
		},
	}
}

// serviceName is the OS service the agent is registered as.
const serviceName = "yumna-agent"

// plan holds the per-deployment inputs the step builders need.
type plan struct {
	family     Family
	installDir string
	entry      string
	env        []byte
	dbSQL      []byte
	sourceDir  string
}

func (p plan) tmpDir() string {
	if p.family == FamilyWindows {
		return "C:/Windows/Temp"
	}
	return "/tmp"
}

// steps returns the ordered bootstrap, transfer and install steps for p.family.
func (p plan) steps() []Step {
	var out []Step
	out = append(out, p.bootstrap()...)
	out = append(out,
		copyTree("copy agent sources", p.sourceDir, p.installDir),
		p.writeManifest(),
		upload("write agent environment", PhaseTransfer, path.Join(p.installDir, ".env"), p.env, 0o600),
	)
	out = append(out, p.install()...)
	return out
}

// writeManifest records the shipped tree so the next upgrade only sends changes.
func (p plan) writeManifest() Step {
	return Step{
		Name:  "write manifest",
		Phase: PhaseTransfer,
		Run: func(ctx context.Context, conn sshx.Conn) (string, error) {
			m, err := BuildManifest(p.sourceDir)
			if err != nil {
				return "", err
			}
			data, err := m.encode()
			if err != nil {
				return "", err
			}
			remote := path.Join(p.installDir, ManifestName)
			if err := conn.WriteFile(remote, data, 0o644); err != nil {
				return "", fmt.Errorf("upload %s: %w", remote, err)
			}
			return fmt.Sprintf("%d files recorded", len(m)), nil
		},
	}
}

func (p plan) bootstrap() []Step {
	sqlPath := path.Join(p.tmpDir(), "yumna-agent-db.sql")
	var pkgs []Step
	var enableDB Step
	createUser := command("create database user", PhaseBootstrap,
		"mysql -u root < "+sshx.Quote(sqlPath)+" && rm -f "+sshx.Quote(sqlPath))

	switch p.family {
	case FamilyDebian:
		apt := "DEBIAN_FRONTEND=noninteractive apt-get install -y "
		pkgs = []Step{
			command("update package index", PhaseBootstrap, "DEBIAN_FRONTEND=noninteractive apt-get update -y"),
			command("install runtime", PhaseBootstrap, apt+"nodejs npm unzip"),
			command("install database server", PhaseBootstrap, apt+"mariadb-server"),
			command("install web servers", PhaseBootstrap, apt+"nginx apache2"),
		}
		enableDB = command("enable database service", PhaseBootstrap, "systemctl enable --now mariadb")
	case FamilyRHEL:
		pm := "$(command -v dnf || command -v yum) install -y "
		pkgs = []Step{
			command("install runtime", PhaseBootstrap, pm+"nodejs npm unzip"),
			command("install database server", PhaseBootstrap, pm+"mariadb-server"),
			command("install web servers", PhaseBootstrap, pm+"nginx httpd"),
		}
		enableDB = command("enable database service", PhaseBootstrap, "systemctl enable --now mariadb")
	case FamilyFreeBSD:
		pkgs = []Step{
			command("install runtime", PhaseBootstrap, "env ASSUME_ALWAYS_YES=yes pkg install -y node npm unzip"),
			command("install database server", PhaseBootstrap, "env ASSUME_ALWAYS_YES=yes pkg install -y mariadb106-server"),
			command("install web servers", PhaseBootstrap, "env ASSUME_ALWAYS_YES=yes pkg install -y nginx apache24"),
		}
		enableDB = command("enable database service", PhaseBootstrap, "sysrc mysql_enable=YES && service mysql-server start")
	case FamilyDarwin:
		pkgs = []Step{
			command("install runtime", PhaseBootstrap, "brew install node"),
			command("install database server", PhaseBootstrap, "brew install mariadb"),
			command("install web servers", PhaseBootstrap, "brew install nginx httpd"),
		}
		enableDB = command("enable database service", PhaseBootstrap, "brew services start mariadb")
	case FamilyWindows:
		pkgs = []Step{
			command("install runtime", PhaseBootstrap, "choco install -y nodejs-lts"),
			command("install database server", PhaseBootstrap, "choco install -y mariadb"),
			command("install web servers", PhaseBootstrap, "choco install -y nginx"),
		}
		enableDB = command("enable database service", PhaseBootstrap, "sc config MySQL start= auto && net start MySQL")
		createUser = command("create database user", PhaseBootstrap,
			`cmd /c "mysql -u root < `+sqlPath+` && del /q `+strings.ReplaceAll(sqlPath, "/", `\`)+`"`)
	}

	out := append(pkgs, enableDB,
		upload("upload database grants", PhaseBootstrap, sqlPath, p.dbSQL, 0o600),
		createUser,
	)
	return out
}

func (p plan) install() []Step {
	dir := sshx.Quote(p.installDir)
	switch p.family {
	case FamilyDebian, FamilyRHEL:
		return []Step{
			command("install agent dependencies", PhaseInstall, "cd "+dir+" && npm install --omit=dev"),
			upload("write service unit", PhaseInstall, "/etc/systemd/system/"+serviceName+".service", p.systemdUnit(), 0o644),
			command("enable agent service", PhaseInstall, "systemctl daemon-reload && systemctl enable "+serviceName),
			command("start agent service", PhaseInstall, p.restartCommand()),
		}
	case FamilyWindows:
		return []Step{
			command("install agent dependencies", PhaseInstall, `cmd /c "cd /d `+windowsPath(p.installDir)+` && npm install --omit=dev"`),
			command("start agent", PhaseInstall, p.restartCommand()),
		}
	default:
		return []Step{
			command("install agent dependencies", PhaseInstall, "cd "+dir+" && npm install --omit=dev"),
			command("start agent", PhaseInstall, p.restartCommand()),
		}
	}
}

// restartCommand (re)starts the agent the way the family registers it.
func (p plan) restartCommand() string {
	switch p.family {
	case FamilyDebian, FamilyRHEL:
		return "systemctl restart " + serviceName
	case FamilyWindows:
		dir := windowsPath(p.installDir)
		return `cmd /c "taskkill /F /IM node.exe >nul 2>&1 & cd /d ` + dir +
			` && start /B node ` + p.entry + ` > agent.log 2>&1"`
	default:
		dir := sshx.Quote(p.installDir)
		return "cd " + dir + " && if [ -f agent.pid ]; then kill $(cat agent.pid) 2>/dev/null || true; fi; " +
			"nohup node " + sshx.Quote(p.entry) + " > agent.log 2>&1 & echo $! > agent.pid"
	}
}

// unzipCommand extracts an archive in the install directory, overwriting files.
func (p plan) unzipCommand(archive string) string {
	if p.family == FamilyWindows {
		return `cmd /c "cd /d ` + windowsPath(p.installDir) + ` && tar -xf ` + archive + ` && del /q ` + archive + `"`
	}
	return "cd " + sshx.Quote(p.installDir) + " && unzip -o " + sshx.Quote(archive) + " && rm -f " + sshx.Quote(archive)
}

func (p plan) systemdUnit() []byte {
	return []byte(fmt.Sprintf(`[Unit]
Description=Yumna panel agent
After=network.target mariadb.service

[Service]
Type=simple
WorkingDirectory=%[1]s
EnvironmentFile=%[1]s/.env
ExecStart=/usr/bin/env node %[2]s
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
`, p.installDir, p.entry))
}

func windowsPath(p string) string {
	return strings.ReplaceAll(p, "/", `\`)
}

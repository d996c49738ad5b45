package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/logging"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
)

type fakeConn struct {
	mu        sync.Mutex
	responses map[string]string
	fail      map[string]error // substring -> error
	files     map[string][]byte
	written   map[string][]byte
	perms     map[string]os.FileMode
	commands  []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		responses: map[string]string{
			"uname -s":            "Linux\n",
			"cat /etc/os-release": "NAME=\"Ubuntu\"\nID=ubuntu\nID_LIKE=debian\n",
		},
		fail:    map[string]error{},
		files:   map[string][]byte{},
		written: map[string][]byte{},
		perms:   map[string]os.FileMode{},
	}
}

func (c *fakeConn) Run(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
	for sub, err := range c.fail {
		if strings.Contains(cmd, sub) {
			return "E: unable to locate package\n", err
		}
	}
	return c.responses[cmd], nil
}

func (c *fakeConn) ReadDir(p string) ([]os.FileInfo, error) { return nil, nil }

func (c *fakeConn) ReadFile(p string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if data, ok := c.files[p]; ok {
		return data, nil
	}
	return nil, os.ErrNotExist
}

func (c *fakeConn) WriteFile(p string, data []byte, perm os.FileMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written[p] = data
	c.perms[p] = perm
	return nil
}

func (c *fakeConn) MkdirAll(p string) error { return nil }
func (c *fakeConn) Close() error            { return nil }

func (c *fakeConn) ran(sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cmd := range c.commands {
		if strings.Contains(cmd, sub) {
			return true
		}
	}
	return false
}

type fakeDialer struct {
	conn  *fakeConn
	err   error
	gate  chan struct{}
	dials atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, creds sshx.Credentials) (sshx.Conn, error) {
	d.dials.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func writeSourceTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"index.js":                "console.log('agent')\n",
		"package.json":            `{"name":"yumna-agent"}`,
		"lib/fs.js":               "module.exports = {}\n",
		"node_modules/dep/dep.js": "ignored\n",
		".env.local":              "SECRET=1\n",
		".git/HEAD":               "ref: refs/heads/main\n",
	}
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func remoteNode(s *store.MemoryStore, t *testing.T) *store.Node {
	t.Helper()
	n := &store.Node{
		ID:          "node-1",
		Name:        "edge-1",
		Host:        "10.0.0.5",
		SSHUser:     "root",
		SSHSecret:   "hunter2",
		SSHPort:     22,
		AgentSecret: "agent-secret",
	}
	if err := s.CreateNode(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	return n
}

func newTestDeployer(s *store.MemoryStore, dialer sshx.Dialer, tunnels TunnelSender, src string, pub *recordingPublisher) *Deployer {
	opts := Options{
		ControlPlaneURL: "https://panel.example.com",
		SourceDir:       src,
		Version:         "2.4.0",
		Logger:          logging.Discard(),
	}
	if pub != nil {
		opts.Publisher = pub
	}
	return New(s, dialer, nil, tunnels, opts)
}

func TestDeploy_DebianSuccess(t *testing.T) {
	s := store.NewMemoryStore()
	remoteNode(s, t)
	conn := newFakeConn()
	pub := &recordingPublisher{}
	src := writeSourceTree(t)
	d := newTestDeployer(s, &fakeDialer{conn: conn}, nil, src, pub)

	if err := d.Deploy(context.Background(), "node-1", DBConfig{User: "yumna", Password: "dbpass"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	d.Wait()

	job := d.Status("node-1")
	if job.State != StateSuccess {
		t.Fatalf("state = %s (%s), want success", job.State, job.Reason)
	}
	if job.OS != FamilyDebian {
		t.Errorf("os = %s, want debian", job.OS)
	}
	if job.Kind != KindDeploy {
		t.Errorf("kind = %s", job.Kind)
	}

	if _, ok := conn.written["/opt/yumna-agent/index.js"]; !ok {
		t.Error("index.js was not copied")
	}
	if _, ok := conn.written["/opt/yumna-agent/lib/fs.js"]; !ok {
		t.Error("nested file was not copied")
	}
	for p := range conn.written {
		if strings.Contains(p, "node_modules") || strings.Contains(p, ".git/") || strings.HasSuffix(p, ".env.local") {
			t.Errorf("excluded file shipped: %s", p)
		}
	}

	raw, ok := conn.written["/opt/yumna-agent/"+ManifestName]
	if !ok {
		t.Fatal("manifest was not written")
	}
	shipped, err := ParseManifest(raw)
	if err != nil {
		t.Fatalf("parse shipped manifest: %v", err)
	}
	if _, ok := shipped["lib/fs.js"]; !ok {
		t.Errorf("manifest missing lib/fs.js: %v", shipped)
	}
	local, err := BuildManifest(src)
	if err != nil {
		t.Fatal(err)
	}
	if changed := local.Changed(shipped); len(changed) != 0 {
		t.Errorf("upgrade right after deploy would ship %v", changed)
	}

	env := string(conn.written["/opt/yumna-agent/.env"])
	if !strings.Contains(env, `NODE_ID="node-1"`) || !strings.Contains(env, `AGENT_SECRET="agent-secret"`) {
		t.Errorf(".env missing identity: %q", env)
	}
	if conn.perms["/opt/yumna-agent/.env"] != 0o600 {
		t.Errorf(".env perm = %v", conn.perms["/opt/yumna-agent/.env"])
	}
	if _, ok := conn.written["/etc/systemd/system/yumna-agent.service"]; !ok {
		t.Error("systemd unit not written")
	}
	for _, want := range []string{"apt-get install -y nodejs", "mariadb-server", "mysql -u root <", "npm install --omit=dev", "systemctl restart yumna-agent"} {
		if !conn.ran(want) {
			t.Errorf("command containing %q never ran", want)
		}
	}

	n, _ := s.GetNode(context.Background(), "node-1")
	if n.Status != store.StatusActive {
		t.Errorf("node status = %s, want active", n.Status)
	}
	if n.AgentVersion != "2.4.0" {
		t.Errorf("agent version = %q", n.AgentVersion)
	}
	if len(pub.topics) != 1 {
		t.Errorf("published %d events, want 1", len(pub.topics))
	}
}

func TestDeploy_StepFailureMarksNode(t *testing.T) {
	s := store.NewMemoryStore()
	remoteNode(s, t)
	conn := newFakeConn()
	conn.fail["mariadb-server"] = errors.New("exit status 100")
	d := newTestDeployer(s, &fakeDialer{conn: conn}, nil, writeSourceTree(t), nil)

	if err := d.Deploy(context.Background(), "node-1", DBConfig{User: "yumna"}); err != nil {
		t.Fatal(err)
	}
	d.Wait()

	job := d.Status("node-1")
	if job.State != StateFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	if !strings.Contains(job.Reason, "install database server") {
		t.Errorf("reason = %q", job.Reason)
	}
	last := job.Steps[len(job.Steps)-1]
	if last.Error == "" || last.Name != "install database server" {
		t.Errorf("last step = %+v", last)
	}
	if conn.ran("npm install") {
		t.Error("steps after the failure still ran")
	}

	n, _ := s.GetNode(context.Background(), "node-1")
	if n.Status != store.StatusDeployFailed {
		t.Errorf("node status = %s, want deploy_failed", n.Status)
	}
	if n.AgentVersion != "" {
		t.Errorf("version recorded on failure: %q", n.AgentVersion)
	}
}

func TestDeploy_RejectsConcurrentJob(t *testing.T) {
	s := store.NewMemoryStore()
	remoteNode(s, t)
	dialer := &fakeDialer{gate: make(chan struct{}), err: errors.New("connection refused")}
	d := newTestDeployer(s, dialer, nil, t.TempDir(), nil)

	if err := d.Deploy(context.Background(), "node-1", DBConfig{}); err != nil {
		t.Fatal(err)
	}
	if st := d.Status("node-1").State; st != StateDeploying {
		t.Fatalf("state = %s, want deploying", st)
	}
	err := d.Deploy(context.Background(), "node-1", DBConfig{})
	if !errors.Is(err, ErrDeploymentInProgress) {
		t.Fatalf("second Deploy = %v, want ErrDeploymentInProgress", err)
	}
	if err := d.Upgrade(context.Background(), "node-1"); !IsInProgress(err) {
		t.Fatalf("Upgrade during deploy = %v", err)
	}

	close(dialer.gate)
	d.Wait()

	if n := dialer.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	job := d.Status("node-1")
	if job.State != StateFailed || job.Steps[0].Name != "connect" {
		t.Errorf("job = %+v", job)
	}
}

func TestDeploy_Preconditions(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	_ = s.CreateNode(ctx, &store.Node{ID: "local", Host: "127.0.0.1", IsLocal: true})
	_ = s.CreateNode(ctx, &store.Node{ID: "bare", Host: "10.0.0.9"})
	d := newTestDeployer(s, &fakeDialer{}, nil, t.TempDir(), nil)

	tests := []struct {
		nodeID string
		want   error
	}{
		{"missing", store.ErrNodeNotFound},
		{"local", store.ErrLocalNode},
		{"bare", ErrNoCredentials},
	}
	for _, tt := range tests {
		if err := d.Deploy(ctx, tt.nodeID, DBConfig{}); !errors.Is(err, tt.want) {
			t.Errorf("Deploy(%s) = %v, want %v", tt.nodeID, err, tt.want)
		}
		if st := d.Status(tt.nodeID).State; st != StateIdle {
			t.Errorf("Status(%s) = %s, want idle", tt.nodeID, st)
		}
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name      string
		responses map[string]string
		fail      map[string]error
		want      Family
		wantErr   bool
	}{
		{
			name:      "ubuntu",
			responses: map[string]string{"uname -s": "Linux\n", "cat /etc/os-release": "ID=ubuntu\nID_LIKE=debian\n"},
			want:      FamilyDebian,
		},
		{
			name:      "rocky",
			responses: map[string]string{"uname -s": "Linux\n", "cat /etc/os-release": "ID=\"rocky\"\nID_LIKE=\"rhel centos fedora\"\n"},
			want:      FamilyRHEL,
		},
		{
			name:      "freebsd",
			responses: map[string]string{"uname -s": "FreeBSD\n"},
			want:      FamilyFreeBSD,
		},
		{
			name:      "darwin",
			responses: map[string]string{"uname -s": "Darwin\n"},
			want:      FamilyDarwin,
		},
		{
			name:      "windows",
			responses: map[string]string{"cmd /c ver": "\r\nMicrosoft Windows [Version 10.0.20348.2113]\r\n"},
			fail:      map[string]error{"uname": errors.New("'uname' is not recognized")},
			want:      FamilyWindows,
		},
		{
			name:      "alpine",
			responses: map[string]string{"uname -s": "Linux\n", "cat /etc/os-release": "ID=alpine\n"},
			wantErr:   true,
		},
		{
			name:      "solaris",
			responses: map[string]string{"uname -s": "SunOS\n"},
			fail:      map[string]error{"ver": errors.New("not found")},
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{responses: tt.responses, fail: tt.fail}
			if conn.fail == nil {
				conn.fail = map[string]error{}
			}
			got, err := Detect(context.Background(), conn)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGrantSQL_EscapesValues(t *testing.T) {
	sql := string(grantSQL(DBConfig{User: "yumna", Password: `o'neil\`}))
	if !strings.Contains(sql, `IDENTIFIED BY 'o\'neil\\'`) {
		t.Errorf("password not escaped:\n%s", sql)
	}
	if strings.Count(sql, "GRANT ALL PRIVILEGES") != 2 {
		t.Errorf("expected grants for localhost and 127.0.0.1:\n%s", sql)
	}
	if !strings.HasSuffix(sql, "FLUSH PRIVILEGES;\n") {
		t.Error("missing FLUSH PRIVILEGES")
	}
}

func TestPlan_WindowsCommands(t *testing.T) {
	p := plan{family: FamilyWindows, installDir: "C:/yumna-agent", entry: "index.js"}
	restart := p.restartCommand()
	if !strings.Contains(restart, `cd /d C:\yumna-agent`) || !strings.Contains(restart, "start /B node index.js") {
		t.Errorf("restart = %s", restart)
	}
	if !strings.Contains(p.unzipCommand("C:/yumna-agent/x.zip"), "tar -xf") {
		t.Error("windows unzip should use tar")
	}

	bsd := plan{family: FamilyFreeBSD, installDir: "/opt/yumna-agent", entry: "index.js"}
	if !strings.Contains(bsd.restartCommand(), "nohup node") {
		t.Errorf("bsd restart = %s", bsd.restartCommand())
	}
}

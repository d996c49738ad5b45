package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/observability"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/secret"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/sshx"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/streaming"
)

// Registry is the part of the store a deployment touches.
type Registry interface {
	GetNode(ctx context.Context, nodeID string) (*store.Node, error)
	UpdateNodeStatus(ctx context.Context, nodeID string, status store.NodeStatus, m *store.Metrics, seenAt time.Time) error
	UpdateNodeVersion(ctx context.Context, nodeID string, version string) error
}

// Options configures a Deployer.
type Options struct {
	ControlPlaneURL   string
	SourceDir         string
	InstallDir        string
	WindowsInstallDir string
	Entry             string
	Version           string
	AgentPort         int
	// JobTimeout bounds a whole detached job.
	JobTimeout time.Duration
	Publisher  streaming.Publisher
	Logger     *slog.Logger
}

// Deployer runs at most one deployment or upgrade job per node.
type Deployer struct {
	store   Registry
	dialer  sshx.Dialer
	cipher  secret.Cipher
	tunnels TunnelSender
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// New creates a Deployer. tunnels may be nil, in which case upgrades always use SSH.
func New(s Registry, dialer sshx.Dialer, cipher secret.Cipher, tunnels TunnelSender, opts Options) *Deployer {
	if opts.InstallDir == "" {
		opts.InstallDir = "/opt/yumna-agent"
	}
	if opts.WindowsInstallDir == "" {
		opts.WindowsInstallDir = "C:/yumna-agent"
	}
	if opts.Entry == "" {
		opts.Entry = "index.js"
	}
	if opts.AgentPort == 0 {
		opts.AgentPort = 4000
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cipher == nil {
		cipher = secret.Plaintext{}
	}
	return &Deployer{
		store:   s,
		dialer:  dialer,
		cipher:  cipher,
		tunnels: tunnels,
		opts:    opts,
		logger:  opts.Logger.With("component", "deploy"),
		now:     time.Now,
		jobs:    make(map[string]*Job),
	}
}

// Status returns the latest job for nodeID, or an idle job.
func (d *Deployer) Status(nodeID string) Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[nodeID]; ok {
		return j.clone()
	}
	return Job{NodeID: nodeID, State: StateIdle}
}

// Wait blocks until every running job has finished.
func (d *Deployer) Wait() {
	d.wg.Wait()
}

// Deploy starts a detached full deployment of nodeID.
func (d *Deployer) Deploy(ctx context.Context, nodeID string, db DBConfig) error {
	node, creds, err := d.prepare(ctx, nodeID)
	if err != nil {
		return err
	}
	job, err := d.begin(nodeID, KindDeploy)
	if err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		jobCtx, cancel := context.WithTimeout(context.Background(), d.opts.JobTimeout)
		defer cancel()
		d.finish(node, job, d.runDeploy(jobCtx, job, node, creds, db))
	}()
	return nil
}

func (d *Deployer) prepare(ctx context.Context, nodeID string) (*store.Node, sshx.Credentials, error) {
	node, err := d.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, sshx.Credentials{}, fmt.Errorf("lookup node %s: %w", nodeID, err)
	}
	if node == nil {
		return nil, sshx.Credentials{}, store.ErrNodeNotFound
	}
	if node.IsLocal {
		return nil, sshx.Credentials{}, store.ErrLocalNode
	}
	if !node.HasSSHCredentials() {
		return node, sshx.Credentials{}, ErrNoCredentials
	}
	password, err := d.cipher.Decrypt(node.SSHSecret)
	if err != nil {
		return nil, sshx.Credentials{}, fmt.Errorf("decrypt ssh secret: %w", err)
	}
	return node, sshx.Credentials{Host: node.Host, Port: node.SSHPort, User: node.SSHUser, Password: password}, nil
}

// begin registers a new job, refusing if one is already deploying.
func (d *Deployer) begin(nodeID string, kind Kind) (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[nodeID]; ok && j.State == StateDeploying {
		return nil, ErrDeploymentInProgress
	}
	started := d.now()
	j := &Job{NodeID: nodeID, Kind: kind, State: StateDeploying, StartedAt: &started}
	d.jobs[nodeID] = j
	return j, nil
}

func (d *Deployer) record(j *Job, res StepResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j.Steps = append(j.Steps, res)
}

func (d *Deployer) setOS(j *Job, f Family) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j.OS = f
}

// runStep executes s and appends its report line.
func (d *Deployer) runStep(ctx context.Context, j *Job, conn sshx.Conn, s Step) error {
	start := d.now()
	out, err := s.Run(ctx, conn)
	res := StepResult{Name: s.Name, Phase: s.Phase, Duration: time.Since(start), Output: tail(out, 2048)}
	if err != nil {
		res.Error = err.Error()
	}
	d.record(j, res)
	if err != nil {
		d.logger.Warn("deployment step failed", "node_id", j.NodeID, "step", s.Name, "error", err)
		return &DeploymentError{NodeID: j.NodeID, Step: s.Name, Err: err}
	}
	d.logger.Info("deployment step done", "node_id", j.NodeID, "step", s.Name, "phase", s.Phase)
	return nil
}

func (d *Deployer) connect(ctx context.Context, j *Job, creds sshx.Credentials) (sshx.Conn, Family, error) {
	start := d.now()
	conn, err := d.dialer.Dial(ctx, creds)
	res := StepResult{Name: "connect", Phase: PhaseConnect, Duration: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		d.record(j, res)
		return nil, "", &DeploymentError{NodeID: j.NodeID, Step: "connect", Err: err}
	}
	d.record(j, res)

	start = d.now()
	family, err := Detect(ctx, conn)
	res = StepResult{Name: "detect os", Phase: PhaseConnect, Duration: time.Since(start), Output: string(family)}
	if err != nil {
		res.Error = err.Error()
		d.record(j, res)
		conn.Close()
		return nil, "", &DeploymentError{NodeID: j.NodeID, Step: "detect os", Err: err}
	}
	d.record(j, res)
	d.setOS(j, family)
	return conn, family, nil
}

func (d *Deployer) planFor(family Family) plan {
	dir := d.opts.InstallDir
	if family == FamilyWindows {
		dir = d.opts.WindowsInstallDir
	}
	return plan{family: family, installDir: dir, entry: d.opts.Entry, sourceDir: d.opts.SourceDir}
}

func (d *Deployer) runDeploy(ctx context.Context, j *Job, node *store.Node, creds sshx.Credentials, db DBConfig) error {
	conn, family, err := d.connect(ctx, j, creds)
	if err != nil {
		return err
	}
	defer conn.Close()

	env, err := renderEnv(envSettings{
		PanelURL:    d.opts.ControlPlaneURL,
		AgentSecret: node.AgentSecret,
		NodeID:      node.ID,
		AgentPort:   d.opts.AgentPort,
		Version:     d.opts.Version,
		DB:          db,
	})
	if err != nil {
		return &DeploymentError{NodeID: node.ID, Step: "render environment", Err: err}
	}
	p := d.planFor(family)
	p.env = env
	p.dbSQL = grantSQL(db)

	for _, s := range p.steps() {
		if err := d.runStep(ctx, j, conn, s); err != nil {
			return err
		}
	}
	return nil
}

// finish records the outcome in the job map and on the node row.
func (d *Deployer) finish(node *store.Node, j *Job, runErr error) {
	finished := d.now()

	d.mu.Lock()
	j.FinishedAt = &finished
	if runErr != nil {
		j.State = StateFailed
		j.Reason = runErr.Error()
	} else {
		j.State = StateSuccess
		j.Version = d.opts.Version
	}
	snapshot := j.clone()
	d.mu.Unlock()

	outcome := "success"
	if runErr != nil {
		outcome = "failed"
	}
	observability.Deployments.WithLabelValues(string(j.Kind), string(snapshot.OS), outcome).Inc()
	observability.DeploymentDuration.WithLabelValues(string(j.Kind)).Observe(finished.Sub(*snapshot.StartedAt).Seconds())

	// The job context may already be expired here.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case runErr != nil && j.Kind == KindDeploy:
		d.logger.Error("deployment failed", "node_id", node.ID, "error", runErr)
		if err := d.store.UpdateNodeStatus(writeCtx, node.ID, store.StatusDeployFailed, nil, finished); err != nil {
			d.logger.Error("failed to mark node deploy_failed", "node_id", node.ID, "error", err)
		}
	case runErr != nil:
		d.logger.Error("upgrade failed", "node_id", node.ID, "error", runErr)
	default:
		d.logger.Info("job finished", "node_id", node.ID, "kind", j.Kind, "version", d.opts.Version)
		if j.Kind == KindDeploy {
			if err := d.store.UpdateNodeStatus(writeCtx, node.ID, store.StatusActive, nil, finished); err != nil {
				d.logger.Error("failed to mark node active", "node_id", node.ID, "error", err)
			}
		}
		if d.opts.Version != "" {
			if err := d.store.UpdateNodeVersion(writeCtx, node.ID, d.opts.Version); err != nil {
				d.logger.Error("failed to record agent version", "node_id", node.ID, "error", err)
			}
		}
	}

	if d.opts.Publisher != nil {
		if err := d.opts.Publisher.Publish(writeCtx, streaming.TopicDeployment, snapshot); err != nil {
			observability.EventPublishFailures.WithLabelValues(streaming.TopicDeployment).Inc()
			d.logger.Warn("failed to publish deployment event", "node_id", node.ID, "error", err)
		}
	}
}

// IsInProgress reports whether err is a rejected concurrent job.
func IsInProgress(err error) bool {
	return errors.Is(err, ErrDeploymentInProgress)
}

package deploy

import (
	"errors"
	"fmt"
	"time"
)

// ErrDeploymentInProgress is returned when a job is already running for the node.
var ErrDeploymentInProgress = errors.New("deployment already in progress")

// ErrNoCredentials is returned when a node cannot be reached over SSH.
var ErrNoCredentials = errors.New("node has no ssh credentials")

// Kind distinguishes full deployments from delta upgrades.
type Kind string

const (
	KindDeploy  Kind = "deploy"
	KindUpgrade Kind = "upgrade"
)

// State is the lifecycle of a job.
type State string

const (
	StateIdle      State = "idle"
	StateDeploying State = "deploying"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
)

// Phase groups steps for reporting.
type Phase string

const (
	PhaseConnect   Phase = "connect"
	PhaseBootstrap Phase = "bootstrap"
	PhaseTransfer  Phase = "transfer"
	PhaseInstall   Phase = "install"
)

// DBConfig is the database account the agent is provisioned with.
type DBConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// StepResult is the report line of one executed step.
type StepResult struct {
	Name     string        `json:"name"`
	Phase    Phase         `json:"phase"`
	Duration time.Duration `json:"duration_ns"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Job is the in-memory status of the latest job for a node.
type Job struct {
	NodeID     string       `json:"node_id"`
	Kind       Kind         `json:"kind,omitempty"`
	State      State        `json:"state"`
	Reason     string       `json:"reason,omitempty"`
	OS         Family       `json:"os,omitempty"`
	Version    string       `json:"version,omitempty"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Steps      []StepResult `json:"steps,omitempty"`
}

func (j *Job) clone() Job {
	c := *j
	c.Steps = append([]StepResult(nil), j.Steps...)
	return c
}

// DeploymentError records the step a job failed at.
type DeploymentError struct {
	NodeID string
	Step   string
	Err    error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deployment of node %s failed at %s: %v", e.NodeID, e.Step, e.Err)
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}

// tail keeps the last n bytes of command output for the report.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

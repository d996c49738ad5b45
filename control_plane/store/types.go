package store

import (
	"time"
)

// NodeStatus is the lifecycle/health status persisted on a Node row.
type NodeStatus string

const (
	StatusUnknown         NodeStatus = "unknown"
	StatusActive          NodeStatus = "active" // agent reachable
	StatusOnline          NodeStatus = "online" // machine reachable, agent not running
	StatusOffline         NodeStatus = "offline"
	StatusSuspended       NodeStatus = "suspended"
	StatusDeployFailed    NodeStatus = "deploy_failed"
	StatusConnectionError NodeStatus = "connection_error"
)

// ConnectionMode selects how the control plane reaches a node's agent.
type ConnectionMode string

const (
	ModeDirect ConnectionMode = "direct"
	ModeTunnel ConnectionMode = "tunnel"
)

// Metrics are the resource gauges reported by an agent or an SSH probe.
type Metrics struct {
	CPU          float64 `json:"cpu"`
	RAM          float64 `json:"ram"`
	Disk         float64 `json:"disk"`
	Uptime       int64   `json:"uptime"`
	MemTotal     int64   `json:"mem_total,omitempty"`
	MemUsed      int64   `json:"mem_used,omitempty"`
	DiskTotal    int64   `json:"disk_total,omitempty"`
	DiskUsed     int64   `json:"disk_used,omitempty"`
	AgentVersion string  `json:"version,omitempty"`
}

// Node represents a worker machine running (or about to run) an agent.
type Node struct {
	ID             string         `json:"id" db:"id"`
	Name           string         `json:"name" db:"name"`
	Host           string         `json:"host" db:"host"`
	IsLocal        bool           `json:"is_local" db:"is_local"`
	ConnectionMode ConnectionMode `json:"connection_mode" db:"connection_mode"`
	SSHUser        string         `json:"ssh_user" db:"ssh_user"`
	SSHSecret      string         `json:"-" db:"ssh_secret"` // encrypted at rest
	SSHPort        int            `json:"ssh_port" db:"ssh_port"`
	AgentSecret    string         `json:"-" db:"agent_secret"`
	Status         NodeStatus     `json:"status" db:"status"`
	LastSeen       *time.Time     `json:"last_seen,omitempty" db:"last_seen"`
	CPU            float64        `json:"cpu" db:"cpu_usage"`
	RAM            float64        `json:"ram" db:"ram_usage"`
	Disk           float64        `json:"disk" db:"disk_usage"`
	Uptime         int64          `json:"uptime" db:"uptime"`
	AgentVersion   string         `json:"agent_version" db:"agent_version"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// HasSSHCredentials reports whether an SSH session can be attempted.
func (n *Node) HasSSHCredentials() bool {
	return n.SSHUser != "" && n.SSHSecret != ""
}

// Website maps a domain to a root path on a node. Owned by the panel's
// website layer; the core only reads it.
type Website struct {
	ID       string `json:"id" db:"id"`
	UserID   string `json:"user_id" db:"user_id"`
	Domain   string `json:"domain" db:"domain"`
	RootPath string `json:"root_path" db:"root_path"`
	NodeID   string `json:"node_id" db:"node_id"`
}

// UserStorage is a user's provisioned storage root.
type UserStorage struct {
	UserID   string `json:"user_id" db:"user_id"`
	RootPath string `json:"root_path" db:"root_path"`
	NodeID   string `json:"node_id" db:"node_id"`
}

// MetricSample is one row of the append-only node metrics history.
type MetricSample struct {
	NodeID     string    `json:"node_id" db:"node_id"`
	CPU        float64   `json:"cpu" db:"cpu_usage"`
	RAM        float64   `json:"ram" db:"ram_usage"`
	Disk       float64   `json:"disk" db:"disk_usage"`
	Uptime     int64     `json:"uptime" db:"uptime"`
	MemTotal   int64     `json:"mem_total" db:"mem_total"`
	MemUsed    int64     `json:"mem_used" db:"mem_used"`
	DiskTotal  int64     `json:"disk_total" db:"disk_total"`
	DiskUsed   int64     `json:"disk_used" db:"disk_used"`
	CapturedAt time.Time `json:"captured_at" db:"captured_at"`
}

// NewMetricSample builds a history row from a metrics snapshot.
func NewMetricSample(nodeID string, m Metrics, at time.Time) MetricSample {
	return MetricSample{
		NodeID:     nodeID,
		CPU:        m.CPU,
		RAM:        m.RAM,
		Disk:       m.Disk,
		Uptime:     m.Uptime,
		MemTotal:   m.MemTotal,
		MemUsed:    m.MemUsed,
		DiskTotal:  m.DiskTotal,
		DiskUsed:   m.DiskUsed,
		CapturedAt: at,
	}
}

// NotificationKind classifies health notifications.
type NotificationKind string

const (
	NotificationDown      NotificationKind = "down"
	NotificationRecovered NotificationKind = "recovered"
)

// Notification is an append-only health notification log entry.
type Notification struct {
	ID        int64            `json:"id" db:"id"`
	NodeID    string           `json:"node_id" db:"node_id"`
	NodeName  string           `json:"node_name" db:"node_name"`
	Kind      NotificationKind `json:"kind" db:"kind"`
	From      NodeStatus       `json:"from" db:"from_status"`
	To        NodeStatus       `json:"to" db:"to_status"`
	Message   string           `json:"message" db:"message"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNodeNotFound is returned by mutations that target a missing node.
	ErrNodeNotFound = errors.New("node not found")
	// ErrLocalNode is returned when deleting the local node or registering a second one.
	ErrLocalNode = errors.New("local node cannot be deleted or duplicated")
)

// Store defines the methods required for the node registry backend.
// Lookups return (nil, nil) when the row does not exist.
type Store interface {
	// Node Operations
	CreateNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, nodeID string) (*Node, error)
	GetLocalNode(ctx context.Context) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	DeleteNode(ctx context.Context, nodeID string) error

	// UpdateNodeStatus persists a status transition. When m is non-nil the
	// gauges are written in the same statement.
	UpdateNodeStatus(ctx context.Context, nodeID string, status NodeStatus, m *Metrics, seenAt time.Time) error
	UpdateNodeConnection(ctx context.Context, nodeID string, status NodeStatus, mode ConnectionMode) error
	UpdateNodeMetrics(ctx context.Context, nodeID string, m Metrics, seenAt time.Time) error
	UpdateNodeVersion(ctx context.Context, nodeID string, version string) error

	// Metrics History
	AppendMetricSample(ctx context.Context, sample MetricSample) error
	ListMetricSamples(ctx context.Context, nodeID string, since time.Time) ([]MetricSample, error)

	// Notification Log
	AppendNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, nodeID string, limit int) ([]*Notification, error)

	// Lookup tables owned by the website/user layers.
	GetWebsite(ctx context.Context, websiteID string) (*Website, error)
	GetWebsiteByDomain(ctx context.Context, domain string) (*Website, error)
	// ListWebsites returns the websites of userID, or all websites when userID is empty.
	ListWebsites(ctx context.Context, userID string) ([]*Website, error)
	GetUserStorage(ctx context.Context, userID string) (*UserStorage, error)
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds the node registry in memory.
// It implements the Store interface.
type MemoryStore struct {
	mu            sync.RWMutex
	nodes         map[string]*Node
	websites      []*Website // insertion order, lookup tables are small
	storage       map[string]*UserStorage
	samples       []MetricSample
	notifications []*Notification
	nextNotifyID  int64
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[string]*Node),
		storage: make(map[string]*UserStorage),
	}
}

// --- Node Operations ---

func (s *MemoryStore) CreateNode(ctx context.Context, n *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.IsLocal {
		for _, existing := range s.nodes {
			if existing.IsLocal && existing.ID != n.ID {
				return ErrLocalNode
			}
		}
	}
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = StatusUnknown
	}
	if n.ConnectionMode == "" {
		n.ConnectionMode = ModeDirect
	}
	nodeCopy := *n
	s.nodes[n.ID] = &nodeCopy
	return nil
}

func (s *MemoryStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, nil
	}
	nodeCopy := *n
	return &nodeCopy, nil
}

func (s *MemoryStore) GetLocalNode(ctx context.Context) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.nodes {
		if n.IsLocal {
			nodeCopy := *n
			return &nodeCopy, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListNodes(ctx context.Context) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodeCopy := *n
		result = append(result, &nodeCopy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	if n.IsLocal {
		return ErrLocalNode
	}
	delete(s.nodes, nodeID)
	return nil
}

func (s *MemoryStore) UpdateNodeStatus(ctx context.Context, nodeID string, status NodeStatus, m *Metrics, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	n.Status = status
	if m != nil {
		applyMetrics(n, *m)
		seen := seenAt
		n.LastSeen = &seen
	}
	n.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateNodeConnection(ctx context.Context, nodeID string, status NodeStatus, mode ConnectionMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	n.Status = status
	n.ConnectionMode = mode
	now := time.Now()
	n.LastSeen = &now
	n.UpdatedAt = now
	return nil
}

func (s *MemoryStore) UpdateNodeMetrics(ctx context.Context, nodeID string, m Metrics, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	applyMetrics(n, m)
	seen := seenAt
	n.LastSeen = &seen
	n.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateNodeVersion(ctx context.Context, nodeID string, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	n.AgentVersion = version
	n.UpdatedAt = time.Now()
	return nil
}

func applyMetrics(n *Node, m Metrics) {
	n.CPU = m.CPU
	n.RAM = m.RAM
	n.Disk = m.Disk
	n.Uptime = m.Uptime
	if m.AgentVersion != "" {
		n.AgentVersion = m.AgentVersion
	}
}

// --- Metrics History ---

func (s *MemoryStore) AppendMetricSample(ctx context.Context, sample MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *MemoryStore) ListMetricSamples(ctx context.Context, nodeID string, since time.Time) ([]MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]MetricSample, 0)
	for _, sample := range s.samples {
		if sample.NodeID == nodeID && !sample.CapturedAt.Before(since) {
			result = append(result, sample)
		}
	}
	return result, nil
}

// --- Notification Log ---

func (s *MemoryStore) AppendNotification(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextNotifyID++
	n.ID = s.nextNotifyID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	notifyCopy := *n
	s.notifications = append(s.notifications, &notifyCopy)
	return nil
}

func (s *MemoryStore) ListNotifications(ctx context.Context, nodeID string, limit int) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Notification, 0)
	for i := len(s.notifications) - 1; i >= 0; i-- {
		n := s.notifications[i]
		if nodeID != "" && n.NodeID != nodeID {
			continue
		}
		notifyCopy := *n
		result = append(result, &notifyCopy)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// --- Lookup Tables ---

// PutWebsite inserts or replaces a website row.
func (s *MemoryStore) PutWebsite(w *Website) {
	s.mu.Lock()
	defer s.mu.Unlock()
	websiteCopy := *w
	for i, existing := range s.websites {
		if existing.ID == w.ID {
			s.websites[i] = &websiteCopy
			return
		}
	}
	s.websites = append(s.websites, &websiteCopy)
}

// PutUserStorage inserts or replaces a user's storage root.
func (s *MemoryStore) PutUserStorage(u *UserStorage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	storageCopy := *u
	s.storage[u.UserID] = &storageCopy
}

func (s *MemoryStore) GetWebsite(ctx context.Context, websiteID string) (*Website, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.websites {
		if w.ID == websiteID {
			websiteCopy := *w
			return &websiteCopy, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetWebsiteByDomain(ctx context.Context, domain string) (*Website, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.websites {
		if w.Domain == domain {
			websiteCopy := *w
			return &websiteCopy, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListWebsites(ctx context.Context, userID string) ([]*Website, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Website, 0, len(s.websites))
	for _, w := range s.websites {
		if userID != "" && w.UserID != userID {
			continue
		}
		websiteCopy := *w
		result = append(result, &websiteCopy)
	}
	return result, nil
}

func (s *MemoryStore) GetUserStorage(ctx context.Context, userID string) (*UserStorage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.storage[userID]
	if !ok {
		return nil, nil
	}
	storageCopy := *u
	return &storageCopy, nil
}

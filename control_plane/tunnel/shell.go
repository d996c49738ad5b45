package tunnel

import (
	"fmt"
	"sync"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/observability"
)

// ShellBufferCapacity is the number of records retained per session.
const ShellBufferCapacity = 2000

// shellBuffer is a fixed-capacity FIFO; pushing into a full buffer evicts the oldest record.
type shellBuffer struct {
	records []ShellRecord
	head    int // index of the oldest record
	size    int
}

func newShellBuffer(capacity int) *shellBuffer {
	return &shellBuffer{records: make([]ShellRecord, capacity)}
}

func (b *shellBuffer) push(rec ShellRecord) (evicted bool) {
	capacity := len(b.records)
	if b.size == capacity {
		b.records[b.head] = rec
		b.head = (b.head + 1) % capacity
		return true
	}
	b.records[(b.head+b.size)%capacity] = rec
	b.size++
	return false
}

func (b *shellBuffer) drain() []ShellRecord {
	out := make([]ShellRecord, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.records[(b.head+i)%len(b.records)]
		b.records[(b.head+i)%len(b.records)] = ShellRecord{}
	}
	b.head = 0
	b.size = 0
	return out
}

type shellSession struct {
	agentID string
	buf     *shellBuffer
	exited  bool
}

type shellRegistry struct {
	mu       sync.Mutex
	sessions map[string]*shellSession
	capacity int
	now      func() time.Time
}

func newShellRegistry(capacity int) *shellRegistry {
	if capacity <= 0 {
		capacity = ShellBufferCapacity
	}
	return &shellRegistry{
		sessions: make(map[string]*shellSession),
		capacity: capacity,
		now:      time.Now,
	}
}

func (r *shellRegistry) create(shellID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[shellID] = &shellSession{agentID: agentID, buf: newShellBuffer(r.capacity)}
}

// append adds output pushed by agentID. Output for unknown sessions or
// sessions owned by another agent is dropped.
func (r *shellRegistry) append(agentID, shellID string, stream StreamKind, data string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[shellID]
	if !ok || s.agentID != agentID {
		return false
	}
	if s.buf.push(ShellRecord{Stream: stream, Data: data, Timestamp: r.now()}) {
		observability.ShellBufferEvictions.Inc()
	}
	return true
}

func (r *shellRegistry) exit(agentID, shellID string, code int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[shellID]
	if !ok || s.agentID != agentID {
		return false
	}
	if s.buf.push(ShellRecord{
		Stream:    StreamSystem,
		Data:      fmt.Sprintf("process exited with code %d", code),
		Timestamp: r.now(),
	}) {
		observability.ShellBufferEvictions.Inc()
	}
	s.exited = true
	return true
}

// drain returns and clears the buffered records. An exited session is
// destroyed once its final records have been handed out.
func (r *shellRegistry) drain(shellID string) ([]ShellRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[shellID]
	if !ok {
		return nil, false
	}
	out := s.buf.drain()
	if s.exited {
		delete(r.sessions, shellID)
	}
	return out, true
}

func (r *shellRegistry) owner(shellID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[shellID]
	if !ok {
		return "", false
	}
	return s.agentID, true
}

func (r *shellRegistry) remove(shellID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, shellID)
}

package tunnel

import (
	"encoding/json"
	"sync"
	"time"
)

type result struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	agentID string
	msgType MessageType
	ch      chan result // capacity 1, written exactly once
	timer   *time.Timer
}

// pendingTable correlates requestIds with waiting callers. An entry is
// removed under the lock by whichever of reply, timeout or cancellation
// gets there first, so each requestId completes exactly once.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

func (t *pendingTable) add(id, agentID string, msgType MessageType, timeout time.Duration, onTimeout func() error) <-chan result {
	p := &pendingRequest{
		agentID: agentID,
		msgType: msgType,
		ch:      make(chan result, 1),
	}
	t.mu.Lock()
	t.entries[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		t.complete(id, result{err: onTimeout()})
	})
	t.mu.Unlock()
	return p.ch
}

// complete resolves id with r. It reports false if id was already consumed.
func (t *pendingTable) complete(id string, r result) bool {
	return t.completeFrom(id, "", r)
}

// completeFrom resolves id only if it was issued to agentID (any agent when empty).
func (t *pendingTable) completeFrom(id, agentID string, r result) bool {
	t.mu.Lock()
	p, ok := t.entries[id]
	if !ok || (agentID != "" && p.agentID != agentID) {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, id)
	t.mu.Unlock()

	p.timer.Stop()
	p.ch <- r
	return true
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

package registry

import (
	"context"
	"sync"
)

// Memory is the in-process registry backend. State does not survive restart;
// the gateway reseeds it from config at startup.
type Memory struct {
	mu   sync.RWMutex
	bots map[string]*memoryEntry
}

type memoryEntry struct {
	identity Identity
	seen     *seenWindow
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{bots: make(map[string]*memoryEntry)}
}

// Put upserts by app_id. Re-registration replaces credentials and resets the
// seen window to empty.
func (m *Memory) Put(_ context.Context, id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[id.AppID] = &memoryEntry{identity: id, seen: newSeenWindow()}
	return nil
}

func (m *Memory) Get(_ context.Context, appID string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.bots[appID]
	if !ok {
		return nil, nil
	}
	id := e.identity
	return &id, nil
}

func (m *Memory) MarkSeen(_ context.Context, appID string, messageID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bots[appID]
	if !ok {
		return true, nil
	}
	return e.seen.markSeen(messageID), nil
}

func (m *Memory) Close() error { return nil }

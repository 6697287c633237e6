package processor

import "sync"

// idMap is the in-memory local-key to server-id index. It is a rebuildable
// derived cache: losing it is safe as long as the record cache still holds
// the mapping information.
type idMap struct {
	mu         sync.RWMutex
	byLocalKey map[string]string
}

func newIDMap() *idMap {
	return &idMap{byLocalKey: make(map[string]string)}
}

func (m *idMap) lookup(localKey string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byLocalKey[localKey]
	return id, ok
}

func (m *idMap) record(localKey, id string) {
	if localKey == "" || id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byLocalKey[localKey] = id
}

func (m *idMap) forget(localKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byLocalKey, localKey)
}

func (m *idMap) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byLocalKey = make(map[string]string)
}

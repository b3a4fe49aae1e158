package store

import "sync"

// InternMap is the process-wide, append-only (name -> id) cache spec.md §3.2
// invariant 4 and §5 describe for fact types, roles (scoped by defining type id),
// and public keys. Reads never block writers permanently: a miss falls through to
// the caller's backing lookup, and Merge folds backend-assigned ids in afterward --
// "ids from the store supersede in-memory optimistic ids" (spec.md §3.3).
type InternMap struct {
	mu    sync.RWMutex
	types map[string]int
	roles map[roleKey]int
	keys  map[string]int
}

type roleKey struct {
	definingTypeID int
	name           string
}

func NewInternMap() *InternMap {
	return &InternMap{
		types: make(map[string]int),
		roles: make(map[roleKey]int),
		keys:  make(map[string]int),
	}
}

func (m *InternMap) TypeID(name string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.types[name]
	return id, ok
}

func (m *InternMap) RoleID(definingTypeID int, name string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.roles[roleKey{definingTypeID, name}]
	return id, ok
}

func (m *InternMap) PublicKeyID(pem string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[pem]
	return id, ok
}

// MergeType records a backend-assigned type id. Once a name is assigned an id, the
// id never changes (invariant 4); MergeType is a no-op if name is already known.
func (m *InternMap) MergeType(name string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.types[name]; !ok {
		m.types[name] = id
	}
}

func (m *InternMap) MergeRole(definingTypeID int, name string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := roleKey{definingTypeID, name}
	if _, ok := m.roles[k]; !ok {
		m.roles[k] = id
	}
}

func (m *InternMap) MergePublicKey(pem string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[pem]; !ok {
		m.keys[pem] = id
	}
}

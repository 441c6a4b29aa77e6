package runtime

import "sync"

// ValueStore holds the variable values of a run. It is safe for concurrent
// use, but runs sharing one store and touching the same names still race
// on the values themselves; give each run its own store.
type ValueStore struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewValueStore() *ValueStore {
	return &ValueStore{
		values: make(map[string]any),
	}
}

func (s *ValueStore) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *ValueStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// All returns a copy of the stored values.
func (s *ValueStore) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *ValueStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any)
}

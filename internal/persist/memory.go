package persist

import "sync"

// MemoryStore is a Store kept in process memory, used in tests and as the
// backing store when no durable path is configured.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// MemoryOpener returns a StoreOpener handing out namespaced views over a
// single shared map set, mirroring how BoltDB namespaces buckets.
func MemoryOpener() StoreOpener {
	mu := &sync.Mutex{}
	stores := make(map[string]*MemoryStore)
	return func(documentID, namespace string) (Store, error) {
		mu.Lock()
		defer mu.Unlock()
		key := documentID + "\x00" + namespace
		if s, ok := stores[key]; ok {
			return s, nil
		}
		s := NewMemoryStore()
		stores[key] = s
		return s, nil
	}
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Entries() (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *MemoryStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

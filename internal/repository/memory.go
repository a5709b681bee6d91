package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps values in process memory. It backs tests and serves as
// the failover fallback.
type MemoryStore struct {
	values sync.Map
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, ok := s.values.Load(key)
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), val.([]byte)...), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.values.Store(key, append([]byte(nil), value...))
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.values.Delete(key)
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	s.values.Range(func(k, _ any) bool {
		if key := k.(string); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return true
	})
	sort.Strings(keys)
	return keys, nil
}

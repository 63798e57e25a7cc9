// Package memory provides an in-process KeyValueStore, used in tests and as
// the default when no persistence is configured.
package memory

import (
	"context"
	"sync"

	"github.com/subwise/subwise-go/internal/errs"
	"github.com/subwise/subwise-go/internal/storage"
)

// Store is a mutex-guarded map. Values are copied on the way in and out so
// callers cannot alias the stored bytes.
type Store struct {
	mu sync.RWMutex
	m  map[string][]byte
}

var _ storage.KeyValueStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{m: make(map[string][]byte)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

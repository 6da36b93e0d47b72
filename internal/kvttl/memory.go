package kvttl

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type memoryStore struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, string]
}

// NewMemory returns an in-process store. The mutex serializes the
// read-check-delete sequences the interface promises to be atomic.
func NewMemory() Store {
	cache := ttlcache.New[string, string](
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()
	return &memoryStore{cache: cache}
}

func (s *memoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(key, value, ttl)
	return nil
}

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.cache.Get(key)
	if item == nil || item.IsExpired() {
		return "", false, nil
	}
	return item.Value(), true, nil
}

func (s *memoryStore) GetDel(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.cache.Get(key)
	if item == nil || item.IsExpired() {
		return "", false, nil
	}
	s.cache.Delete(key)
	return item.Value(), true, nil
}

func (s *memoryStore) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.cache.Get(key)
	if item == nil || item.IsExpired() || item.Value() != expected {
		return false, nil
	}
	s.cache.Delete(key)
	return true, nil
}

func (s *memoryStore) FlushAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.DeleteAll()
	return nil
}

package tilecache

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// MemoryStore keeps up to a fixed number of entries in process, evicting the
// least recently used.
type MemoryStore struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[Key, Entry]
	bytes map[string]int64
	keys  map[string]map[Key]struct{}
}

func NewMemoryStore(maxEntries int) (*MemoryStore, error) {
	s := &MemoryStore{
		bytes: make(map[string]int64),
		keys:  make(map[string]map[Key]struct{}),
	}
	l, err := simplelru.NewLRU[Key, Entry](maxEntries, s.evicted)
	if err != nil {
		return nil, fmt.Errorf("tile cache: %w", err)
	}
	s.lru = l
	return s, nil
}

// evicted runs with s.mu held, from inside lru calls.
func (s *MemoryStore) evicted(k Key, e Entry) {
	s.bytes[k.Collection] -= int64(len(e.Payload))
	if s.bytes[k.Collection] <= 0 {
		delete(s.bytes, k.Collection)
	}
	if set := s.keys[k.Collection]; set != nil {
		delete(set, k)
		if len(set) == 0 {
			delete(s.keys, k.Collection)
		}
	}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lru.Get(key)
	return e, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key Key, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.lru.Peek(key); ok {
		s.bytes[key.Collection] -= int64(len(old.Payload))
	}
	s.lru.Add(key, e)

	s.bytes[key.Collection] += int64(len(e.Payload))
	set := s.keys[key.Collection]
	if set == nil {
		set = make(map[Key]struct{})
		s.keys[key.Collection] = set
	}
	set[key] = struct{}{}
	return nil
}

func (s *MemoryStore) Size(_ context.Context, collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes[collection], nil
}

func (s *MemoryStore) Invalidate(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.keys[collection] {
		s.lru.Remove(k)
	}
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

func (s *MemoryStore) Close() error { return nil }

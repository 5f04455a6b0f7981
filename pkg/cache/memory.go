package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"
)

// DefaultMemoryMaxSize bounds the number of keys a MemoryStore keeps
const DefaultMemoryMaxSize = 10000

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	element   *list.Element
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process LRU Store with TTL support.
// It is used when Redis is disabled and in tests.
type MemoryStore struct {
	mu        sync.Mutex
	maxSize   int
	items     map[string]*memoryEntry
	lru       *list.List
	now       func() time.Time
	stop      chan struct{}
	closeOnce sync.Once
	closed    bool

	hits      int64
	misses    int64
	evictions int64
}

// NewMemoryStore creates a store holding at most maxSize keys
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMemoryMaxSize
	}
	s := &MemoryStore{
		maxSize: maxSize,
		items:   make(map[string]*memoryEntry),
		lru:     list.New(),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// SetJSON stores v encoded as JSON
func (s *MemoryStore) SetJSON(_ context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}

	if entry, exists := s.items[key]; exists {
		entry.value = data
		entry.expiresAt = expiresAt
		s.lru.MoveToFront(entry.element)
		return nil
	}

	for s.lru.Len() >= s.maxSize {
		s.evictOldest()
	}
	entry := &memoryEntry{key: key, value: data, expiresAt: expiresAt}
	entry.element = s.lru.PushFront(entry)
	s.items[key] = entry
	return nil
}

// GetJSON decodes the value stored at key into out
func (s *MemoryStore) GetJSON(_ context.Context, key string, out interface{}) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	entry, exists := s.items[key]
	if !exists || entry.expired(s.now()) {
		if exists {
			s.removeEntry(entry)
		}
		s.misses++
		s.mu.Unlock()
		return false, nil
	}
	s.lru.MoveToFront(entry.element)
	s.hits++
	data := entry.value
	s.mu.Unlock()

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if entry, exists := s.items[key]; exists {
		s.removeEntry(entry)
	}
	return nil
}

// KeysMatching returns the unexpired keys matching pattern, sorted
func (s *MemoryStore) KeysMatching(_ context.Context, pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := s.now()
	var keys []string
	for key, entry := range s.items {
		if entry.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size returns the number of stored keys, including expired ones not yet swept
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Stats returns cache statistics
func (s *MemoryStore) Stats() (hits, misses, evictions int64, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.misses, s.evictions, len(s.items)
}

// Close stops the cleanup loop
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
	})
	return nil
}

// removeEntry must be called with the lock held
func (s *MemoryStore) removeEntry(entry *memoryEntry) {
	s.lru.Remove(entry.element)
	delete(s.items, entry.key)
}

// evictOldest must be called with the lock held
func (s *MemoryStore) evictOldest() {
	oldest := s.lru.Back()
	if oldest == nil {
		return
	}
	if entry, ok := oldest.Value.(*memoryEntry); ok {
		s.removeEntry(entry)
		s.evictions++
	}
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, entry := range s.items {
		if entry.expired(now) {
			s.removeEntry(entry)
		}
	}
}

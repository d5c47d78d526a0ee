package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

const DefaultMaxObjectBytes int64 = 10 * 1024 * 1024

// MemoryStorage keeps partitions in process memory. Contents are lost on restart.
type MemoryStorage struct {
	mu             sync.RWMutex
	partitions     map[string]*MemoryPartition
	maxObjectBytes int64
}

func NewMemoryStorage(maxObjectBytes int64) *MemoryStorage {
	if maxObjectBytes <= 0 {
		maxObjectBytes = DefaultMaxObjectBytes
	}
	return &MemoryStorage{
		partitions:     make(map[string]*MemoryPartition),
		maxObjectBytes: maxObjectBytes,
	}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if partition, ok := s.partitions[name]; ok {
		return partition, nil
	}
	partition := &MemoryPartition{
		storage:        s,
		name:           name,
		entries:        make(map[string]Entry),
		maxObjectBytes: s.maxObjectBytes,
	}
	s.partitions[name] = partition
	return partition, nil
}

func (s *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	_, ok := s.partitions[name]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStorage) Drop(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[name]; !ok {
		return false, nil
	}
	delete(s.partitions, name)
	return true, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

// MemoryPartition is a handle on a named partition. Like the badger backend it
// resolves the name on every call, so a handle outlives a Drop only as a
// handle on an empty, unwritable partition.
type MemoryPartition struct {
	storage        *MemoryStorage
	name           string
	mu             sync.RWMutex
	entries        map[string]Entry
	maxObjectBytes int64
}

func (p *MemoryPartition) Name() string {
	return p.name
}

// live returns the partition currently registered under p's name.
func (p *MemoryPartition) live() (*MemoryPartition, bool) {
	p.storage.mu.RLock()
	defer p.storage.mu.RUnlock()
	current, ok := p.storage.partitions[p.name]
	return current, ok
}

func (p *MemoryPartition) Get(_ context.Context, key string) (Entry, bool, error) {
	p, ok := p.live()
	if !ok {
		return Entry{}, false, nil
	}
	p.mu.RLock()
	entry, ok := p.entries[key]
	p.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	return entry.Clone(), true, nil
}

func (p *MemoryPartition) Put(_ context.Context, key string, entry Entry) error {
	if !entry.Cacheable() {
		return ErrNotCacheable
	}
	if p.maxObjectBytes > 0 && int64(len(entry.Body)) > p.maxObjectBytes {
		return ErrEntryTooLarge
	}
	p, ok := p.live()
	if !ok {
		return ErrPartitionNotFound
	}
	stored := entry.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now()
	}
	p.mu.Lock()
	p.entries[key] = stored
	p.mu.Unlock()
	return nil
}

func (p *MemoryPartition) Delete(_ context.Context, key string) error {
	p, ok := p.live()
	if !ok {
		return nil
	}
	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()
	return nil
}

func (p *MemoryPartition) Keys(_ context.Context) ([]string, error) {
	p, ok := p.live()
	if !ok {
		return nil, nil
	}
	p.mu.RLock()
	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	p.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

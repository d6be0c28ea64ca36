package memory

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps entries in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
	// seq orders entries written within the same clock tick
	seq  map[string]uint64
	next uint64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]Entry),
		seq:     make(map[string]uint64),
	}
}

func (m *MemoryBackend) Put(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[entry.ID]; !exists {
		m.seq[entry.ID] = m.next
		m.next++
	}
	m.entries[entry.ID] = entry
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (m *MemoryBackend) List(ctx context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return m.seq[out[i].ID] < m.seq[out[j].ID]
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id)
		delete(m.seq, id)
	}
	return nil
}

func (m *MemoryBackend) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

func sortOldestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}

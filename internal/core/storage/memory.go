package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory keeps records in a map. Used by tests and by servers running
// without a database.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	closed  bool
	stats   counters
}

var _ Storage = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Read(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	m.stats.reads.Add(1)
	rec, ok := m.records[id]
	if !ok {
		m.stats.misses.Add(1)
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.Data = bytes.Clone(rec.Data)
	return rec, nil
}

func (m *Memory) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if current, ok := m.records[rec.ID]; ok && current.Revision > rec.Revision {
		return fmt.Errorf("%w: %s at %d, write at %d", ErrStaleRevision, rec.ID, current.Revision, rec.Revision)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	rec.Data = bytes.Clone(rec.Data)
	m.records[rec.ID] = rec
	m.stats.writes.Add(1)
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.records, id)
	m.stats.deletes.Add(1)
	return nil
}

func (m *Memory) List(_ context.Context) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Info, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, Info{ID: rec.ID, Revision: rec.Revision, Size: len(rec.Data), UpdatedAt: rec.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Statistics() Statistics { return m.stats.snapshot() }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type memoryRow struct {
	status string
	body   []byte
}

// MemoryTable keeps JSON snapshots of each record so callers never share
// mutable state with the table.
type MemoryTable[T Record] struct {
	mu    sync.RWMutex
	rows  map[string]memoryRow
	locks sync.Map // key -> *sync.Mutex
}

// NewMemoryTable builds an empty in-memory table.
func NewMemoryTable[T Record]() *MemoryTable[T] {
	return &MemoryTable[T]{rows: make(map[string]memoryRow)}
}

func (m *MemoryTable[T]) lockKey(key string) func() {
	value, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *MemoryTable[T]) Get(_ context.Context, key string) (T, error) {
	m.mu.RLock()
	row, ok := m.rows[key]
	m.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return decodeRow[T](row.body)
}

func (m *MemoryTable[T]) Insert(_ context.Context, record T) error {
	key := record.RecordKey()
	unlock := m.lockKey(key)
	defer unlock()
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[key]; ok {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	m.rows[key] = memoryRow{status: record.RecordStatus(), body: body}
	return nil
}

func (m *MemoryTable[T]) Put(_ context.Context, record T) error {
	key := record.RecordKey()
	unlock := m.lockKey(key)
	defer unlock()
	return m.write(record)
}

func (m *MemoryTable[T]) Update(_ context.Context, key string, fn func(*T) error) (T, error) {
	unlock := m.lockKey(key)
	defer unlock()
	var zero T
	m.mu.RLock()
	row, ok := m.rows[key]
	m.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	record, err := decodeRow[T](row.body)
	if err != nil {
		return zero, err
	}
	if err := fn(&record); err != nil {
		return zero, err
	}
	if record.RecordKey() != key {
		return zero, fmt.Errorf("store: update changed key %s to %s", key, record.RecordKey())
	}
	if err := m.write(record); err != nil {
		return zero, err
	}
	return record, nil
}

func (m *MemoryTable[T]) Delete(_ context.Context, key string) error {
	unlock := m.lockKey(key)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(m.rows, key)
	return nil
}

func (m *MemoryTable[T]) List(ctx context.Context) ([]T, error) {
	return m.ListByStatus(ctx)
}

// ListByStatus returns matching records ordered by key.
func (m *MemoryTable[T]) ListByStatus(_ context.Context, statuses ...string) ([]T, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.rows))
	for key, row := range m.rows {
		if matchesStatus(row.status, statuses) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	bodies := make([][]byte, 0, len(keys))
	for _, key := range keys {
		bodies = append(bodies, m.rows[key].body)
	}
	m.mu.RUnlock()

	out := make([]T, 0, len(bodies))
	for _, body := range bodies {
		record, err := decodeRow[T](body)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (m *MemoryTable[T]) write(record T) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", record.RecordKey(), err)
	}
	m.mu.Lock()
	m.rows[record.RecordKey()] = memoryRow{status: record.RecordStatus(), body: body}
	m.mu.Unlock()
	return nil
}

func decodeRow[T Record](body []byte) (T, error) {
	var record T
	if err := json.Unmarshal(body, &record); err != nil {
		return record, fmt.Errorf("store: decode row: %w", err)
	}
	return record, nil
}

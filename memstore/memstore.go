package memstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/INLOpen/flowbase/core"
	"github.com/INLOpen/flowbase/internal/clock"
	"github.com/INLOpen/skiplist"
)

// MemStore buffers applied cells in encoded-key order until a flush writes
// them to a segment. Keys sort by row, family and qualifier ascending, then
// timestamp descending, so every version of a column is adjacent with the
// newest first.
type MemStore struct {
	mu        sync.RWMutex
	data      *skiplist.SkipList[[]byte, *core.Cell]
	sizeBytes int64
	threshold int64
	createdAt time.Time
}

// NewMemStore creates a MemStore that reports IsFull once its estimated
// size reaches threshold bytes.
func NewMemStore(threshold int64, clk clock.Clock) *MemStore {
	if clk == nil {
		clk = clock.SystemClockDefault
	}
	return &MemStore{
		data:      skiplist.NewWithComparator[[]byte, *core.Cell](core.CompareKeys),
		threshold: threshold,
		createdAt: clk.Now(),
	}
}

// cellSize estimates the in-memory footprint of a stored cell.
func cellSize(key []byte, cell *core.Cell) int64 {
	size := int64(len(key)) + int64(len(cell.Value)) + 1
	for _, tag := range cell.Tags {
		size += int64(len(tag.Value)) + 2
	}
	return size
}

// Put inserts a cell, taking ownership of its slices. A cell with the same
// row, family, qualifier and timestamp as an existing one replaces it.
func (m *MemStore) Put(cell *core.Cell) error {
	if cell.Timestamp < 0 {
		return fmt.Errorf("memstore: cell timestamp %d is negative", cell.Timestamp)
	}
	key := cell.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return fmt.Errorf("memstore: store is closed")
	}

	oldNode := m.data.Insert(key, cell)
	if oldNode != nil {
		m.sizeBytes -= cellSize(key, oldNode.Value())
	}
	m.sizeBytes += cellSize(key, cell)
	return nil
}

// Size returns the estimated size of the stored data in bytes.
func (m *MemStore) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// IsFull reports whether the store has reached its size threshold.
func (m *MemStore) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes >= m.threshold
}

// Len returns the number of stored cells.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return 0
	}
	return m.data.Len()
}

// CreatedAt returns the store's creation time.
func (m *MemStore) CreatedAt() time.Time {
	return m.createdAt
}

// NewIterator returns an iterator over cells whose encoded keys fall in
// [startKey, endKey). Nil bounds are open. The iterator holds a read lock
// on the store for its lifetime; the caller MUST call Close.
func (m *MemStore) NewIterator(startKey, endKey []byte) core.CellIterator {
	m.mu.RLock()
	return &Iterator{
		mu:       &m.mu,
		iter:     m.data.NewIterator(),
		startKey: startKey,
		endKey:   endKey,
	}
}

// Close releases the store. Iterators must be closed first.
func (m *MemStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	m.sizeBytes = 0
}

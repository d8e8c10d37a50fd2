package memstore

import (
	"sync"

	"github.com/INLOpen/flowbase/core"
	"github.com/INLOpen/skiplist"
)

// Iterator walks the memstore in encoded-key order, yielding every stored
// version inside its bounds. It is not safe for concurrent use.
type Iterator struct {
	mu       *sync.RWMutex // parent store lock, released by Close
	iter     *skiplist.Iterator[[]byte, *core.Cell]
	startKey []byte
	endKey   []byte
	valid    bool
	started  bool
}

var _ core.CellIterator = (*Iterator)(nil)

// Next moves the iterator to the next cell in range.
func (it *Iterator) Next() bool {
	if it.mu == nil {
		return false
	}
	if !it.started {
		it.started = true
		if it.startKey != nil {
			it.valid = it.iter.Seek(it.startKey)
		} else {
			it.valid = it.iter.First()
		}
	} else if it.valid {
		it.valid = it.iter.Next()
	}

	if it.valid && it.endKey != nil && core.CompareKeys(it.iter.Key(), it.endKey) >= 0 {
		it.valid = false
	}
	return it.valid
}

// At returns the current cell. The cell is shared with the store and must
// not be modified.
func (it *Iterator) At() (*core.Cell, error) {
	if !it.valid {
		return nil, nil
	}
	return it.iter.Value(), nil
}

// Error always returns nil; memstore iteration cannot fail.
func (it *Iterator) Error() error {
	return nil
}

// Close releases the read lock on the parent store. It is safe to call
// Close multiple times.
func (it *Iterator) Close() error {
	if it.mu == nil {
		return nil
	}
	it.valid = false
	it.mu.RUnlock()
	it.mu = nil
	return nil
}

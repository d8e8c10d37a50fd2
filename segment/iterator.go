package segment

import (
	"github.com/INLOpen/flowbase/core"
)

// segmentIterator walks a segment's cells in encoded-key order within
// [startKey, endKey). It loads blocks lazily through the reader's block
// cache.
type segmentIterator struct {
	reader *Reader

	startKey []byte
	endKey   []byte

	currentIndexEntry int
	blockIter         *blockIterator
	currentCell       *core.Cell
	eof               bool
	err               error
}

var _ core.CellIterator = (*segmentIterator)(nil)

func newSegmentIterator(r *Reader, startKey, endKey []byte) *segmentIterator {
	it := &segmentIterator{
		reader:            r,
		startKey:          startKey,
		endKey:            endKey,
		currentIndexEntry: -1,
	}

	if r.index == nil || len(r.index.entries) == 0 {
		it.eof = true
		return it
	}

	// Find the block that could contain startKey. findFirstGreaterOrEqual
	// returns the first block whose FirstKey is >= startKey; when that first
	// key is strictly greater, startKey may still fall inside the previous
	// block.
	idx := 0
	if startKey != nil {
		idx = r.index.findFirstGreaterOrEqual(startKey)
		if idx > 0 && (idx >= len(r.index.entries) ||
			core.CompareKeys(r.index.entries[idx].FirstKey, startKey) > 0) {
			idx--
		}
	}
	it.loadBlockAtIndex(idx)
	return it
}

func (it *segmentIterator) loadBlockAtIndex(blockIdx int) bool {
	if blockIdx < 0 || blockIdx >= len(it.reader.index.entries) {
		it.eof = true
		return false
	}

	meta := it.reader.index.entries[blockIdx]
	blk, err := it.reader.readBlock(meta.BlockOffset, meta.BlockLength)
	if err != nil {
		it.err = err
		it.eof = true
		return false
	}
	entriesData, err := blk.entriesData()
	if err != nil {
		it.err = err
		it.eof = true
		return false
	}

	it.currentIndexEntry = blockIdx
	it.blockIter = newBlockIterator(entriesData)
	return true
}

func (it *segmentIterator) Next() bool {
	if it.err != nil || it.eof {
		return false
	}
	if ok := it.advance(); ok {
		return true
	}
	it.currentCell = nil
	return false
}

func (it *segmentIterator) advance() bool {
	for {
		if it.blockIter != nil && it.blockIter.next() {
			key := it.blockIter.key()

			if it.endKey != nil && core.CompareKeys(key, it.endKey) >= 0 {
				it.eof = true
				return false
			}
			if it.startKey != nil && core.CompareKeys(key, it.startKey) < 0 {
				continue
			}

			cell, err := decodeCell(key, it.blockIter.payload())
			if err != nil {
				it.err = err
				return false
			}
			it.currentCell = cell
			return true
		}

		if it.blockIter != nil && it.blockIter.error() != nil {
			it.err = it.blockIter.error()
			return false
		}
		if !it.loadBlockAtIndex(it.currentIndexEntry + 1) {
			return false
		}
	}
}

// At returns the current cell. The cell owns its buffers; callers may keep
// it after the iterator advances.
func (it *segmentIterator) At() (*core.Cell, error) {
	return it.currentCell, nil
}

func (it *segmentIterator) Error() error {
	return it.err
}

// Close releases the iterator's block state. The underlying segment reader
// stays open; it is owned by the engine.
func (it *segmentIterator) Close() error {
	it.blockIter = nil
	it.currentCell = nil
	it.eof = true
	return nil
}

package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/INLOpen/flowbase/core"
)

// BlockIndexEntry is one entry of a segment's sparse index, pointing at a
// data block.
type BlockIndexEntry struct {
	FirstKey    []byte // The first cell key in the block
	BlockOffset int64  // Offset of the data block in the segment file
	BlockLength uint32 // Length of the data block on disk, including its header
}

// IndexBuilder collects block metadata while a segment is written.
type IndexBuilder struct {
	entries []BlockIndexEntry
}

// Add records the metadata for a newly written data block.
// firstKey must be a copy, as the original might be reused.
func (ib *IndexBuilder) Add(firstKey []byte, blockOffset int64, blockLength uint32) {
	ib.entries = append(ib.entries, BlockIndexEntry{
		FirstKey:    firstKey,
		BlockOffset: blockOffset,
		BlockLength: blockLength,
	})
}

// Build serializes the collected index entries into a byte slice.
// Format per entry: KeyLen (uint32), Key, BlockOffset (int64), BlockLength (uint32).
// A CRC32 checksum of the serialized data is also returned.
func (ib *IndexBuilder) Build() ([]byte, uint32, error) {
	var buf bytes.Buffer
	for _, entry := range ib.entries {
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(entry.FirstKey))); err != nil {
			return nil, 0, err
		}
		if _, err := buf.Write(entry.FirstKey); err != nil {
			return nil, 0, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, entry.BlockOffset); err != nil {
			return nil, 0, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, entry.BlockLength); err != nil {
			return nil, 0, err
		}
	}
	indexData := buf.Bytes()
	return indexData, crc32.ChecksumIEEE(indexData), nil
}

// Index is the in-memory representation of a segment's sparse block index.
type Index struct {
	entries []BlockIndexEntry
}

// DeserializeIndex reconstructs an Index from its serialized byte
// representation, verifying it against the expected checksum first.
func DeserializeIndex(data []byte, expectedChecksum uint32) (*Index, error) {
	if calculated := crc32.ChecksumIEEE(data); calculated != expectedChecksum {
		return nil, fmt.Errorf("index checksum mismatch (expected 0x%08x, calculated 0x%08x): %w",
			expectedChecksum, calculated, ErrCorrupted)
	}

	idx := &Index{}
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("index entry header exceeds data bounds: %w", ErrCorrupted)
		}
		keyLen := binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4

		keyEnd := offset + int(keyLen)
		if keyEnd+8+BlockLengthSize > len(data) {
			return nil, fmt.Errorf("index entry exceeds data bounds: %w", ErrCorrupted)
		}
		key := data[offset:keyEnd]
		offset = keyEnd

		blockOffset := int64(binary.LittleEndian.Uint64(data[offset : offset+8]))
		offset += 8
		blockLength := binary.LittleEndian.Uint32(data[offset : offset+BlockLengthSize])
		offset += BlockLengthSize

		idx.entries = append(idx.entries, BlockIndexEntry{
			FirstKey:    key,
			BlockOffset: blockOffset,
			BlockLength: blockLength,
		})
	}
	return idx, nil
}

// Find returns the BlockIndexEntry for the block that might contain the key:
// the entry with the greatest FirstKey <= key. If the key is smaller than all
// first keys, the first block is the only candidate; if it is greater than
// all of them, the last block is.
func (idx *Index) Find(key []byte) (BlockIndexEntry, bool) {
	if len(idx.entries) == 0 {
		return BlockIndexEntry{}, false
	}

	i := sort.Search(len(idx.entries), func(i int) bool {
		return core.CompareKeys(idx.entries[i].FirstKey, key) >= 0
	})

	if i < len(idx.entries) {
		if core.CompareKeys(idx.entries[i].FirstKey, key) == 0 {
			return idx.entries[i], true
		}
		if i > 0 {
			return idx.entries[i-1], true
		}
		return idx.entries[0], true
	}
	return idx.entries[len(idx.entries)-1], true
}

// findFirstGreaterOrEqual returns the index of the first entry whose FirstKey
// is >= key, or len(entries) if all first keys are smaller. Iterators use it
// to find their starting block.
func (idx *Index) findFirstGreaterOrEqual(key []byte) int {
	return sort.Search(len(idx.entries), func(i int) bool {
		return core.CompareKeys(idx.entries[i].FirstKey, key) >= 0
	})
}

// Entries returns the internal slice of BlockIndexEntry, for inspection tools
// and tests.
func (idx *Index) Entries() []BlockIndexEntry {
	return idx.entries
}

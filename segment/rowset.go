package segment

import (
	"bytes"
	"fmt"
	"hash/fnv"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/flowbase/filter"
)

// RowSet records which row keys appear in a segment so that point lookups can
// skip segments whose row is absent. It stores 64-bit FNV-1a hashes of the
// row keys in a roaring bitmap, so Contains can report a false positive only
// on a hash collision, never a false negative.
type RowSet struct {
	bits *roaring64.Bitmap
}

var _ filter.Filter = (*RowSet)(nil)

// NewRowSet creates an empty row set.
func NewRowSet() *RowSet {
	return &RowSet{bits: roaring64.New()}
}

// DeserializeRowSet reconstructs a RowSet from its serialized form. Empty
// input yields an empty set.
func DeserializeRowSet(data []byte) (*RowSet, error) {
	rs := NewRowSet()
	if len(data) == 0 {
		return rs, nil
	}
	if _, err := rs.bits.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize row set: %w", err)
	}
	return rs, nil
}

// Add records a row key as present.
func (rs *RowSet) Add(row []byte) {
	rs.bits.Add(hashRow(row))
}

// Contains reports whether the row may be in the set. A false return value
// means the row is definitely absent.
func (rs *RowSet) Contains(row []byte) bool {
	if rs == nil || rs.bits == nil {
		return false
	}
	return rs.bits.Contains(hashRow(row))
}

// Cardinality returns the number of distinct row hashes recorded.
func (rs *RowSet) Cardinality() uint64 {
	return rs.bits.GetCardinality()
}

// Bytes returns the serialized row set for embedding in a segment file.
func (rs *RowSet) Bytes() []byte {
	// Serialization to the bitmap's internal buffer cannot fail.
	data, _ := rs.bits.ToBytes()
	return data
}

func hashRow(row []byte) uint64 {
	h := fnv.New64a()
	h.Write(row)
	return h.Sum64()
}

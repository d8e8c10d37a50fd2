package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// CellKind defines the kind of a stored cell.
type CellKind byte

const (
	// CellPut represents an upsert of a column value.
	CellPut CellKind = 'P'
	// CellDelete represents a tombstone masking older versions of a column.
	CellDelete CellKind = 'D'
)

// LatestTimestamp is the sentinel a caller leaves on a cell whose timestamp
// it did not set. The engine (or an attached write transform) replaces it
// before the cell is persisted.
const LatestTimestamp int64 = math.MaxInt64

// Tag is an opaque metadata unit attached to a cell, describing the logical
// write operation that produced it. Tag types are registered by the layer
// that interprets them; this package only carries and persists them.
type Tag struct {
	Type  uint8
	Value []byte
}

// Cell is the atomic versioned unit of the store:
// (row, family, qualifier, timestamp) -> value, plus kind and tags.
type Cell struct {
	Row       []byte
	Family    []byte
	Qualifier []byte
	Timestamp int64
	Kind      CellKind
	Tags      []Tag
	Value     []byte
}

// SameColumn reports whether two cells address the same (row, family,
// qualifier) coordinate, ignoring timestamp and payload.
func (c *Cell) SameColumn(o *Cell) bool {
	return bytes.Equal(c.Row, o.Row) &&
		bytes.Equal(c.Family, o.Family) &&
		bytes.Equal(c.Qualifier, o.Qualifier)
}

// Key returns the cell's encoded storage key.
func (c *Cell) Key() []byte {
	return EncodeCellKey(c.Row, c.Family, c.Qualifier, c.Timestamp)
}

// CompareCells orders cells by (row ASC, family ASC, qualifier ASC,
// timestamp DESC), matching the encoded-key order produced by EncodeCellKey.
func CompareCells(a, b *Cell) int {
	if cmp := bytes.Compare(a.Row, b.Row); cmp != 0 {
		return cmp
	}
	if cmp := bytes.Compare(a.Family, b.Family); cmp != 0 {
		return cmp
	}
	if cmp := bytes.Compare(a.Qualifier, b.Qualifier); cmp != 0 {
		return cmp
	}
	switch {
	case a.Timestamp > b.Timestamp:
		return -1
	case a.Timestamp < b.Timestamp:
		return 1
	}
	return 0
}

// EncodeCellPayload serializes the non-key portion of a cell (kind, tags,
// value). The engine owns this persisted layout; nothing outside the store
// depends on it.
func EncodeCellPayload(c *Cell) []byte {
	size := 1 + binary.MaxVarintLen32
	for _, t := range c.Tags {
		size += 1 + binary.MaxVarintLen32 + len(t.Value)
	}
	size += binary.MaxVarintLen32 + len(c.Value)

	buf := make([]byte, 0, size)
	buf = append(buf, byte(c.Kind))
	buf = binary.AppendUvarint(buf, uint64(len(c.Tags)))
	for _, t := range c.Tags {
		buf = append(buf, t.Type)
		buf = binary.AppendUvarint(buf, uint64(len(t.Value)))
		buf = append(buf, t.Value...)
	}
	buf = binary.AppendUvarint(buf, uint64(len(c.Value)))
	buf = append(buf, c.Value...)
	return buf
}

// DecodeCellPayload deserializes a payload produced by EncodeCellPayload.
// The returned slices alias data.
func DecodeCellPayload(data []byte) (kind CellKind, tags []Tag, value []byte, err error) {
	if len(data) < 2 {
		return 0, nil, nil, fmt.Errorf("cell payload too short: %d bytes", len(data))
	}
	kind = CellKind(data[0])
	if kind != CellPut && kind != CellDelete {
		return 0, nil, nil, fmt.Errorf("unknown cell kind 0x%02x", data[0])
	}
	pos := 1

	numTags, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return 0, nil, nil, fmt.Errorf("cell payload: malformed tag count")
	}
	pos += n
	if numTags > 0 {
		tags = make([]Tag, 0, numTags)
	}
	for i := uint64(0); i < numTags; i++ {
		if pos >= len(data) {
			return 0, nil, nil, fmt.Errorf("cell payload: truncated tag %d", i)
		}
		t := Tag{Type: data[pos]}
		pos++
		tagLen, n := binary.Uvarint(data[pos:])
		if n <= 0 || pos+n+int(tagLen) > len(data) {
			return 0, nil, nil, fmt.Errorf("cell payload: malformed tag %d length", i)
		}
		pos += n
		t.Value = data[pos : pos+int(tagLen)]
		pos += int(tagLen)
		tags = append(tags, t)
	}

	valLen, n := binary.Uvarint(data[pos:])
	if n <= 0 || pos+n+int(valLen) > len(data) {
		return 0, nil, nil, fmt.Errorf("cell payload: malformed value length")
	}
	pos += n
	value = data[pos : pos+int(valLen)]
	return kind, tags, value, nil
}

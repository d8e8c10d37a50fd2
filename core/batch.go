package core

import (
	"sort"
)

// WriteBatch is one logical write against a single row: an ordered mapping
// from column family to a sequence of cells, plus string-keyed attributes
// describing the operation that produced the batch. All cells in a batch
// originate from the same logical operation, so a write transform derives
// exactly one tag set from the attributes and attaches it to every cell.
type WriteBatch struct {
	row        []byte
	families   map[string][]*Cell
	attributes map[string][]byte
}

// NewWriteBatch creates an empty batch for the given row.
func NewWriteBatch(row []byte) *WriteBatch {
	return &WriteBatch{
		row:      row,
		families: make(map[string][]*Cell),
	}
}

// Row returns the batch's row key.
func (b *WriteBatch) Row() []byte {
	return b.row
}

// Add appends an upsert cell to the given family. A zero-value through
// AddTimestamped picks the timestamp; Add leaves it at LatestTimestamp for
// the write path to assign.
func (b *WriteBatch) Add(family string, qualifier, value []byte) *WriteBatch {
	return b.AddTimestamped(family, qualifier, LatestTimestamp, value)
}

// AddTimestamped appends an upsert cell with an explicit timestamp.
func (b *WriteBatch) AddTimestamped(family string, qualifier []byte, ts int64, value []byte) *WriteBatch {
	b.families[family] = append(b.families[family], &Cell{
		Row:       b.row,
		Family:    []byte(family),
		Qualifier: qualifier,
		Timestamp: ts,
		Kind:      CellPut,
		Value:     value,
	})
	return b
}

// AddCell appends a caller-built cell to the given family. The cell's Row is
// forced to the batch row.
func (b *WriteBatch) AddCell(family string, c *Cell) *WriteBatch {
	c.Row = b.row
	b.families[family] = append(b.families[family], c)
	return b
}

// SetAttribute records an attribute on the batch.
func (b *WriteBatch) SetAttribute(name string, value []byte) *WriteBatch {
	if b.attributes == nil {
		b.attributes = make(map[string][]byte)
	}
	b.attributes[name] = value
	return b
}

// Attributes returns the batch's attribute map; nil when none were set.
func (b *WriteBatch) Attributes() map[string][]byte {
	return b.attributes
}

// Families returns the family names in sorted order, giving deterministic
// traversal over the underlying map.
func (b *WriteBatch) Families() []string {
	names := make([]string, 0, len(b.families))
	for name := range b.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cells returns the cell sequence of one family in insertion order.
func (b *WriteBatch) Cells(family string) []*Cell {
	return b.families[family]
}

// FamilyCellMap exposes the underlying family map.
func (b *WriteBatch) FamilyCellMap() map[string][]*Cell {
	return b.families
}

// SetFamilyCellMap replaces the batch's family map in place. Write
// transforms use this to substitute rebuilt cells; row and attributes are
// not altered.
func (b *WriteBatch) SetFamilyCellMap(m map[string][]*Cell) {
	b.families = m
}

// Len returns the total number of cells across all families.
func (b *WriteBatch) Len() int {
	n := 0
	for _, cells := range b.families {
		n += len(cells)
	}
	return n
}

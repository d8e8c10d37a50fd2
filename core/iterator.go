package core

// IteratorInterface is the iterator contract shared by the memstore,
// segment readers, the merging iterator, and aggregating scanners.
type IteratorInterface[V any] interface {
	Next() bool
	// At returns the current item. It is only valid until the next call to
	// Next().
	At() (V, error)
	Error() error
	Close() error
}

// CellIterator iterates cells in encoded-key order: (row, family, qualifier)
// ascending, timestamp descending within a column.
type CellIterator = IteratorInterface[*Cell]

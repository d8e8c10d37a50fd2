package iterator

import (
	"github.com/INLOpen/flowbase/core"
)

var _ core.CellIterator = (*VersionCapIterator)(nil)

// VersionCapIterator shapes a raw multi-version cell stream into what a
// reader is allowed to see: within each (row, family, qualifier) group it
// yields at most maxVersions put cells, newest first, and stops at the first
// tombstone, which masks the rest of the group. Tombstones themselves are
// never yielded.
//
// The read path applies it with the scan's resolved version cap; major
// compactions apply it with core.AllVersions to drop tombstones and the
// history they mask.
type VersionCapIterator struct {
	inner       core.CellIterator
	maxVersions int

	current *core.Cell
	prev    *core.Cell
	yielded int
	masked  bool
	err     error
}

// NewVersionCapIterator wraps inner with version capping. maxVersions must
// be the resolved cap (at least 1, or core.AllVersions for no cap).
func NewVersionCapIterator(inner core.CellIterator, maxVersions int) *VersionCapIterator {
	if maxVersions < 1 {
		maxVersions = 1
	}
	return &VersionCapIterator{
		inner:       inner,
		maxVersions: maxVersions,
	}
}

func (it *VersionCapIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.inner.Next() {
		cell, err := it.inner.At()
		if err != nil {
			it.err = err
			it.current = nil
			return false
		}
		if it.prev == nil || !cell.SameColumn(it.prev) {
			it.yielded = 0
			it.masked = false
		}
		it.prev = cell

		if it.masked {
			continue
		}
		if cell.Kind == core.CellDelete {
			it.masked = true
			continue
		}
		if it.yielded >= it.maxVersions {
			continue
		}
		it.yielded++
		it.current = cell
		return true
	}
	if err := it.inner.Error(); err != nil {
		it.err = err
	}
	it.current = nil
	return false
}

func (it *VersionCapIterator) At() (*core.Cell, error) {
	if it.err != nil {
		return nil, it.err
	}
	return it.current, nil
}

func (it *VersionCapIterator) Error() error { return it.err }

func (it *VersionCapIterator) Close() error { return it.inner.Close() }

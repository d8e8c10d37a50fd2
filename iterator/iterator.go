package iterator

import (
	"container/heap"

	"github.com/INLOpen/flowbase/core"
)

var _ core.CellIterator = (*MergingIterator)(nil)
var _ core.CellIterator = (*EmptyIterator)(nil)
var _ core.CellIterator = (*SliceIterator)(nil)

// mergeItem pairs a source iterator with its current cell.
type mergeItem struct {
	iter core.CellIterator
	cell *core.Cell
	// source ranks iterators by freshness. When two sources hold a cell
	// with identical coordinates and timestamp, the lower rank wins.
	source int
}

// mergeHeap implements heap.Interface over mergeItems in cell order.
type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := core.CompareCells(h[i].cell, h[j].cell); c != 0 {
		return c < 0
	}
	return h[i].source < h[j].source
}

func (h mergeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(*mergeItem))
}

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MergingIterator combines sorted cell iterators into one sorted stream.
// Sources must be passed freshest first: when several sources carry a cell
// with the same row, family, qualifier and timestamp, the freshest copy is
// yielded and the shadowed duplicates are consumed silently.
type MergingIterator struct {
	iters   []core.CellIterator
	heap    mergeHeap
	current *core.Cell
	err     error
}

// NewMergingIterator creates a MergingIterator over the given sources and
// primes each of them. On failure every source is closed before returning.
func NewMergingIterator(iters []core.CellIterator) (core.CellIterator, error) {
	mi := &MergingIterator{
		iters: iters,
		heap:  make(mergeHeap, 0, len(iters)),
	}
	for i, iter := range iters {
		if iter.Next() {
			cell, err := iter.At()
			if err != nil {
				mi.Close()
				return nil, err
			}
			mi.heap = append(mi.heap, &mergeItem{iter: iter, cell: cell, source: i})
		} else if err := iter.Error(); err != nil {
			mi.Close()
			return nil, err
		}
	}
	heap.Init(&mi.heap)
	return mi, nil
}

func (mi *MergingIterator) Next() bool {
	if mi.err != nil {
		return false
	}
	if len(mi.heap) == 0 {
		mi.current = nil
		return false
	}

	top := heap.Pop(&mi.heap).(*mergeItem)
	mi.current = top.cell
	if err := mi.advance(top); err != nil {
		mi.err = err
		return false
	}

	// Equal coordinates cluster at the top of the heap; everything left
	// there with the current coordinate is a staler shadow of it.
	for len(mi.heap) > 0 && core.CompareCells(mi.heap[0].cell, mi.current) == 0 {
		dup := heap.Pop(&mi.heap).(*mergeItem)
		if err := mi.advance(dup); err != nil {
			mi.err = err
			return false
		}
	}
	return true
}

// advance moves an item's iterator forward and re-inserts it while it has
// data. Exhausted sources stay open so Close closes each exactly once.
func (mi *MergingIterator) advance(item *mergeItem) error {
	if item.iter.Next() {
		cell, err := item.iter.At()
		if err != nil {
			return err
		}
		item.cell = cell
		heap.Push(&mi.heap, item)
		return nil
	}
	return item.iter.Error()
}

func (mi *MergingIterator) At() (*core.Cell, error) {
	if mi.err != nil {
		return nil, mi.err
	}
	return mi.current, nil
}

func (mi *MergingIterator) Error() error { return mi.err }

func (mi *MergingIterator) Close() error {
	var firstErr error
	for _, iter := range mi.iters {
		if err := iter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	mi.iters = nil
	mi.heap = nil
	return firstErr
}

// EmptyIterator is a cell iterator that is always exhausted.
type EmptyIterator struct{}

// NewEmptyIterator creates a new empty iterator.
func NewEmptyIterator() core.CellIterator {
	return &EmptyIterator{}
}

// Next always returns false.
func (it *EmptyIterator) Next() bool {
	return false
}

// At returns nil values.
func (it *EmptyIterator) At() (*core.Cell, error) {
	return nil, nil
}

// Error always returns nil.
func (it *EmptyIterator) Error() error {
	return nil
}

// Close does nothing and returns nil.
func (it *EmptyIterator) Close() error {
	return nil
}

// SliceIterator yields cells from an in-memory slice that is already in
// cell order.
type SliceIterator struct {
	cells []*core.Cell
	pos   int
}

// NewSliceIterator creates an iterator over the given cells.
func NewSliceIterator(cells []*core.Cell) *SliceIterator {
	return &SliceIterator{cells: cells, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.cells) {
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) At() (*core.Cell, error) {
	if it.pos < 0 || it.pos >= len(it.cells) {
		return nil, nil
	}
	return it.cells[it.pos], nil
}

func (it *SliceIterator) Error() error { return nil }

func (it *SliceIterator) Close() error { return nil }

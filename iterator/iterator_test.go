package iterator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/INLOpen/flowbase/core"
)

func newCell(row, family, qualifier string, ts int64, value string) *core.Cell {
	return &core.Cell{
		Row:       []byte(row),
		Family:    []byte(family),
		Qualifier: []byte(qualifier),
		Timestamp: ts,
		Kind:      core.CellPut,
		Value:     []byte(value),
	}
}

// closeCountingIterator wraps a SliceIterator and counts Close calls.
type closeCountingIterator struct {
	*SliceIterator
	closes int
}

func (it *closeCountingIterator) Close() error {
	it.closes++
	return nil
}

// failingIterator yields nothing and reports an error from Error().
type failingIterator struct {
	err error
}

func (it *failingIterator) Next() bool              { return false }
func (it *failingIterator) At() (*core.Cell, error) { return nil, nil }
func (it *failingIterator) Error() error            { return it.err }
func (it *failingIterator) Close() error            { return nil }

func collect(t *testing.T, it core.CellIterator) []*core.Cell {
	t.Helper()
	var cells []*core.Cell
	for it.Next() {
		cell, err := it.At()
		if err != nil {
			t.Fatalf("At() error = %v", err)
		}
		cells = append(cells, cell)
	}
	if err := it.Error(); err != nil {
		t.Fatalf("Error() = %v", err)
	}
	return cells
}

func TestMergingIterator_SortedMerge(t *testing.T) {
	src0 := NewSliceIterator([]*core.Cell{
		newCell("run-a", "m", "cpu", 30, "3"),
		newCell("run-c", "m", "cpu", 10, "1"),
	})
	src1 := NewSliceIterator([]*core.Cell{
		newCell("run-b", "m", "cpu", 20, "2"),
		newCell("run-d", "m", "cpu", 40, "4"),
	})

	mi, err := NewMergingIterator([]core.CellIterator{src0, src1})
	if err != nil {
		t.Fatalf("NewMergingIterator() error = %v", err)
	}
	defer mi.Close()

	cells := collect(t, mi)
	wantRows := []string{"run-a", "run-b", "run-c", "run-d"}
	if len(cells) != len(wantRows) {
		t.Fatalf("Expected %d cells, got %d", len(wantRows), len(cells))
	}
	for i, row := range wantRows {
		if string(cells[i].Row) != row {
			t.Errorf("cells[%d].Row = %s, want %s", i, cells[i].Row, row)
		}
	}
}

func TestMergingIterator_VersionsDescendWithinColumn(t *testing.T) {
	src0 := NewSliceIterator([]*core.Cell{
		newCell("run-a", "m", "cpu", 30, "newest"),
		newCell("run-a", "m", "cpu", 10, "oldest"),
	})
	src1 := NewSliceIterator([]*core.Cell{
		newCell("run-a", "m", "cpu", 20, "middle"),
	})

	mi, err := NewMergingIterator([]core.CellIterator{src0, src1})
	if err != nil {
		t.Fatalf("NewMergingIterator() error = %v", err)
	}
	defer mi.Close()

	cells := collect(t, mi)
	wantTs := []int64{30, 20, 10}
	if len(cells) != len(wantTs) {
		t.Fatalf("Expected %d versions, got %d", len(wantTs), len(cells))
	}
	for i, ts := range wantTs {
		if cells[i].Timestamp != ts {
			t.Errorf("cells[%d].Timestamp = %d, want %d", i, cells[i].Timestamp, ts)
		}
	}
}

func TestMergingIterator_FreshestSourceShadowsDuplicates(t *testing.T) {
	// Identical coordinates in all three sources; source 0 must win.
	src0 := NewSliceIterator([]*core.Cell{newCell("run-a", "m", "cpu", 10, "fresh")})
	src1 := NewSliceIterator([]*core.Cell{newCell("run-a", "m", "cpu", 10, "stale")})
	src2 := NewSliceIterator([]*core.Cell{newCell("run-a", "m", "cpu", 10, "staler")})

	mi, err := NewMergingIterator([]core.CellIterator{src0, src1, src2})
	if err != nil {
		t.Fatalf("NewMergingIterator() error = %v", err)
	}
	defer mi.Close()

	cells := collect(t, mi)
	if len(cells) != 1 {
		t.Fatalf("Expected 1 cell after shadowing, got %d", len(cells))
	}
	if string(cells[0].Value) != "fresh" {
		t.Errorf("Expected freshest source to win, got value %q", cells[0].Value)
	}
}

func TestMergingIterator_PrimingErrorClosesSources(t *testing.T) {
	healthy := &closeCountingIterator{SliceIterator: NewSliceIterator([]*core.Cell{
		newCell("run-a", "m", "cpu", 10, "1"),
	})}
	broken := &failingIterator{err: errors.New("segment read failed")}

	_, err := NewMergingIterator([]core.CellIterator{healthy, broken})
	if err == nil {
		t.Fatal("Expected priming error, got nil")
	}
	if healthy.closes != 1 {
		t.Errorf("Expected healthy source closed once on priming failure, got %d closes", healthy.closes)
	}
}

func TestMergingIterator_CloseClosesEachSourceOnce(t *testing.T) {
	src0 := &closeCountingIterator{SliceIterator: NewSliceIterator([]*core.Cell{
		newCell("run-a", "m", "cpu", 10, "1"),
	})}
	src1 := &closeCountingIterator{SliceIterator: NewSliceIterator(nil)}

	mi, err := NewMergingIterator([]core.CellIterator{src0, src1})
	if err != nil {
		t.Fatalf("NewMergingIterator() error = %v", err)
	}
	for mi.Next() {
	}
	if err := mi.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if src0.closes != 1 {
		t.Errorf("src0 closed %d times, want 1", src0.closes)
	}
	if src1.closes != 1 {
		t.Errorf("src1 closed %d times, want 1", src1.closes)
	}
}

func TestMergingIterator_ManySources(t *testing.T) {
	var iters []core.CellIterator
	for i := 0; i < 8; i++ {
		var cells []*core.Cell
		for j := 0; j < 4; j++ {
			cells = append(cells, newCell(fmt.Sprintf("run-%02d", j*8+i), "m", "cpu", 5, "v"))
		}
		iters = append(iters, NewSliceIterator(cells))
	}

	mi, err := NewMergingIterator(iters)
	if err != nil {
		t.Fatalf("NewMergingIterator() error = %v", err)
	}
	defer mi.Close()

	cells := collect(t, mi)
	if len(cells) != 32 {
		t.Fatalf("Expected 32 cells, got %d", len(cells))
	}
	for i := 0; i < len(cells)-1; i++ {
		if core.CompareCells(cells[i], cells[i+1]) >= 0 {
			t.Fatalf("Output not strictly sorted at index %d: %s !< %s", i, cells[i].Row, cells[i+1].Row)
		}
	}
}

func TestEmptyIterator(t *testing.T) {
	it := NewEmptyIterator()
	if it.Next() {
		t.Error("EmptyIterator.Next() = true, want false")
	}
	cell, err := it.At()
	if cell != nil || err != nil {
		t.Errorf("EmptyIterator.At() = (%v, %v), want (nil, nil)", cell, err)
	}
	if it.Error() != nil {
		t.Errorf("EmptyIterator.Error() = %v, want nil", it.Error())
	}
	if it.Close() != nil {
		t.Errorf("EmptyIterator.Close() = %v, want nil", it.Close())
	}
}

func TestSliceIterator(t *testing.T) {
	cells := []*core.Cell{
		newCell("run-a", "m", "cpu", 20, "1"),
		newCell("run-a", "m", "cpu", 10, "2"),
	}
	it := NewSliceIterator(cells)

	if _, err := it.At(); err != nil {
		t.Fatalf("At() before Next() error = %v", err)
	}

	var seen int
	for it.Next() {
		cell, err := it.At()
		if err != nil {
			t.Fatalf("At() error = %v", err)
		}
		if cell != cells[seen] {
			t.Errorf("At() returned wrong cell at position %d", seen)
		}
		seen++
	}
	if seen != 2 {
		t.Errorf("Iterated %d cells, want 2", seen)
	}
	if it.Next() {
		t.Error("Next() after exhaustion = true, want false")
	}
}

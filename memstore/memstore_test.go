package memstore

import (
	"testing"
	"time"

	"github.com/INLOpen/flowbase/core"
	"github.com/INLOpen/flowbase/internal/clock"
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

func mustPut(t *testing.T, m *MemStore, cell *core.Cell) {
	t.Helper()
	if err := m.Put(cell); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

func collect(t *testing.T, it core.CellIterator) []*core.Cell {
	t.Helper()
	defer it.Close()
	var cells []*core.Cell
	for it.Next() {
		cell, err := it.At()
		if err != nil {
			t.Fatalf("At() error = %v", err)
		}
		cells = append(cells, cell)
	}
	return cells
}

func TestMemStorePutAndLen(t *testing.T) {
	m := NewMemStore(1<<20, clock.SystemClockDefault)
	defer m.Close()

	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", m.Len())
	}

	mustPut(t, m, newCell("run-a", "m", "cpu", 10, "1"))
	mustPut(t, m, newCell("run-a", "m", "cpu", 20, "2"))
	mustPut(t, m, newCell("run-b", "m", "cpu", 10, "3"))

	if m.Len() != 3 {
		t.Errorf("Len() = %d, want 3", m.Len())
	}
	if m.Size() <= 0 {
		t.Errorf("Size() = %d, want > 0", m.Size())
	}
}

func TestMemStoreReplaceSameCoordinate(t *testing.T) {
	m := NewMemStore(1<<20, clock.SystemClockDefault)
	defer m.Close()

	mustPut(t, m, newCell("run-a", "m", "cpu", 10, "old"))
	mustPut(t, m, newCell("run-a", "m", "cpu", 10, "new"))

	if m.Len() != 1 {
		t.Fatalf("Len() = %d after same-coordinate put, want 1", m.Len())
	}

	cells := collect(t, m.NewIterator(nil, nil))
	if len(cells) != 1 {
		t.Fatalf("Iterated %d cells, want 1", len(cells))
	}
	if string(cells[0].Value) != "new" {
		t.Errorf("Value = %q, want %q", cells[0].Value, "new")
	}
}

func TestMemStoreOrdering(t *testing.T) {
	m := NewMemStore(1<<20, clock.SystemClockDefault)
	defer m.Close()

	// Insert out of order: versions of run-a/m/cpu plus other coordinates.
	mustPut(t, m, newCell("run-b", "m", "cpu", 10, ""))
	mustPut(t, m, newCell("run-a", "m", "cpu", 10, ""))
	mustPut(t, m, newCell("run-a", "m", "cpu", 30, ""))
	mustPut(t, m, newCell("run-a", "m", "mem", 5, ""))
	mustPut(t, m, newCell("run-a", "i", "cpu", 99, ""))
	mustPut(t, m, newCell("run-a", "m", "cpu", 20, ""))

	cells := collect(t, m.NewIterator(nil, nil))
	if len(cells) != 6 {
		t.Fatalf("Iterated %d cells, want 6", len(cells))
	}

	for i := 0; i < len(cells)-1; i++ {
		if core.CompareCells(cells[i], cells[i+1]) >= 0 {
			t.Fatalf("Cells out of order at %d: %s/%s/%s@%d before %s/%s/%s@%d",
				i,
				cells[i].Row, cells[i].Family, cells[i].Qualifier, cells[i].Timestamp,
				cells[i+1].Row, cells[i+1].Family, cells[i+1].Qualifier, cells[i+1].Timestamp)
		}
	}

	// Versions of the same column must be adjacent, newest first.
	if cells[1].Timestamp != 30 || cells[2].Timestamp != 20 || cells[3].Timestamp != 10 {
		t.Errorf("run-a/m/cpu versions = %d,%d,%d, want 30,20,10",
			cells[1].Timestamp, cells[2].Timestamp, cells[3].Timestamp)
	}
}

func TestMemStoreIteratorBounds(t *testing.T) {
	m := NewMemStore(1<<20, clock.SystemClockDefault)
	defer m.Close()

	mustPut(t, m, newCell("run-a", "m", "cpu", 10, ""))
	mustPut(t, m, newCell("run-b", "m", "cpu", 10, ""))
	mustPut(t, m, newCell("run-c", "m", "cpu", 10, ""))

	start := core.EncodeCellKey([]byte("run-b"), nil, nil, core.LatestTimestamp)
	stop := core.EncodeCellKey([]byte("run-c"), nil, nil, core.LatestTimestamp)

	cells := collect(t, m.NewIterator(start, stop))
	if len(cells) != 1 {
		t.Fatalf("Iterated %d cells in [run-b, run-c), want 1", len(cells))
	}
	if string(cells[0].Row) != "run-b" {
		t.Errorf("Row = %s, want run-b", cells[0].Row)
	}
}

func TestMemStoreIsFull(t *testing.T) {
	m := NewMemStore(64, clock.SystemClockDefault)
	defer m.Close()

	if m.IsFull() {
		t.Fatal("IsFull() = true for empty store")
	}
	for i := byte(0); i < 8 && !m.IsFull(); i++ {
		mustPut(t, m, newCell("run-a", "m", string([]byte{'q', i}), int64(i), "0123456789"))
	}
	if !m.IsFull() {
		t.Error("IsFull() = false after exceeding threshold")
	}
}

func TestMemStoreRejectsNegativeTimestamp(t *testing.T) {
	m := NewMemStore(1<<20, clock.SystemClockDefault)
	defer m.Close()

	if err := m.Put(newCell("run-a", "m", "cpu", -1, "")); err == nil {
		t.Error("Put() with negative timestamp expected error, got nil")
	}
}

func TestMemStoreIteratorCloseIsIdempotent(t *testing.T) {
	m := NewMemStore(1<<20, clock.SystemClockDefault)
	defer m.Close()

	mustPut(t, m, newCell("run-a", "m", "cpu", 10, ""))

	it := m.NewIterator(nil, nil)
	if err := it.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := it.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	// The read lock must be released; a write would deadlock otherwise.
	mustPut(t, m, newCell("run-b", "m", "cpu", 10, ""))
}

func TestMemStorePutAfterClose(t *testing.T) {
	m := NewMemStore(1<<20, clock.SystemClockDefault)
	m.Close()

	if err := m.Put(newCell("run-a", "m", "cpu", 10, "")); err == nil {
		t.Error("Put() after Close expected error, got nil")
	}
}

func TestMemStoreMockClockCreatedAt(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock := clock.NewMockClock(start)
	m := NewMemStore(1<<20, mock)
	defer m.Close()

	if !m.CreatedAt().Equal(start) {
		t.Errorf("CreatedAt() = %v, want %v", m.CreatedAt(), start)
	}
}

package aggregators

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/flowbase/core"
	"github.com/INLOpen/flowbase/iterator"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func metricCell(row, qualifier string, ts int64, v float64, op Op) *core.Cell {
	c := &core.Cell{
		Row:       []byte(row),
		Family:    []byte("m"),
		Qualifier: []byte(qualifier),
		Timestamp: ts,
		Kind:      core.CellPut,
		Value:     core.EncodeMetricValue(v),
	}
	if op != OpNone {
		c.Tags = []core.Tag{OpTag(op)}
	}
	return c
}

func deleteCell(row, qualifier string, ts int64) *core.Cell {
	return &core.Cell{
		Row:       []byte(row),
		Family:    []byte("m"),
		Qualifier: []byte(qualifier),
		Timestamp: ts,
		Kind:      core.CellDelete,
	}
}

// runPass drains one aggregation pass over cells, which must already be in
// cell order.
func runPass(t *testing.T, mode Mode, cells []*core.Cell, env ...Environment) []*core.Cell {
	t.Helper()
	e := Environment{Logger: discardLogger()}
	if len(env) > 0 {
		e = env[0]
	}
	s, err := NewScanner(e, nil, iterator.NewSliceIterator(cells), mode)
	require.NoError(t, err)
	defer s.Close()

	var out []*core.Cell
	for s.Next() {
		cell, err := s.At()
		require.NoError(t, err)
		out = append(out, cell)
	}
	require.NoError(t, s.Error())
	return out
}

func metricValue(t *testing.T, c *core.Cell) float64 {
	t.Helper()
	v, err := core.DecodeMetricValue(c.Value)
	require.NoError(t, err)
	return v
}

func TestScannerReadFoldsSum(t *testing.T) {
	cells := []*core.Cell{
		metricCell("run-1", "cpu_ms", 300, 5, OpSum),
		metricCell("run-1", "cpu_ms", 200, 10, OpSum),
		metricCell("run-1", "cpu_ms", 100, 2, OpSum),
	}

	out := runPass(t, ModeRead, cells)
	require.Len(t, out, 1)
	assert.Equal(t, float64(17), metricValue(t, out[0]))
	assert.Equal(t, int64(300), out[0].Timestamp)
	assert.Equal(t, core.CellPut, out[0].Kind)
	assert.Equal(t, cells[0].Tags, out[0].Tags)
	assert.Equal(t, []byte("run-1"), out[0].Row)
	assert.Equal(t, []byte("cpu_ms"), out[0].Qualifier)
}

func TestScannerFoldsMinMaxInPersistingModes(t *testing.T) {
	cells := []*core.Cell{
		metricCell("run-1", "max_mem", 300, 512, OpMax),
		metricCell("run-1", "max_mem", 200, 2048, OpMax),
		metricCell("run-1", "max_mem", 100, 1024, OpMax),
		metricCell("run-1", "min_start", 300, 1130, OpMin),
		metricCell("run-1", "min_start", 200, 1100, OpMin),
		metricCell("run-1", "min_start", 100, 1115, OpMin),
	}

	out := runPass(t, ModeFlush, cells)
	require.Len(t, out, 2)
	assert.Equal(t, float64(2048), metricValue(t, out[0]))
	assert.Equal(t, float64(1100), metricValue(t, out[1]))
	assert.Equal(t, int64(300), out[0].Timestamp)
	assert.Equal(t, int64(300), out[1].Timestamp)
}

func TestScannerLatestKeepsNewest(t *testing.T) {
	cells := []*core.Cell{
		metricCell("run-1", "status", 300, 3, OpLatest),
		metricCell("run-1", "status", 200, 2, OpLatest),
		metricCell("run-1", "status", 100, 1, OpLatest),
	}

	for _, mode := range []Mode{ModeRead, ModeFlush, ModeMinorCompaction, ModeMajorCompaction} {
		t.Run(mode.String(), func(t *testing.T) {
			out := runPass(t, mode, cells)
			require.Len(t, out, 1)
			assert.Same(t, cells[0], out[0])
		})
	}
}

func TestScannerSumFinalByMode(t *testing.T) {
	cells := []*core.Cell{
		metricCell("run-1", "total_ms", 300, 50, OpSumFinal),
		metricCell("run-1", "total_ms", 200, 30, OpSumFinal),
		metricCell("run-1", "total_ms", 100, 20, OpSumFinal),
	}

	folds := map[Mode]bool{
		ModeRead:            true,
		ModeFlush:           false,
		ModeMinorCompaction: false,
		ModeMajorCompaction: true,
	}
	for mode, wantFold := range folds {
		t.Run(mode.String(), func(t *testing.T) {
			out := runPass(t, mode, cells)
			if wantFold {
				require.Len(t, out, 1)
				assert.Equal(t, float64(100), metricValue(t, out[0]))
				assert.Equal(t, int64(300), out[0].Timestamp)
			} else {
				require.Len(t, out, 3)
				for i := range cells {
					assert.Same(t, cells[i], out[i])
				}
			}
		})
	}
}

func TestScannerUntaggedColumn(t *testing.T) {
	cells := []*core.Cell{
		metricCell("run-1", "attempts", 300, 7, OpNone),
		metricCell("run-1", "attempts", 200, 6, OpNone),
	}

	out := runPass(t, ModeRead, cells)
	require.Len(t, out, 1)
	assert.Same(t, cells[0], out[0])

	for _, mode := range []Mode{ModeFlush, ModeMinorCompaction, ModeMajorCompaction} {
		out := runPass(t, mode, cells)
		require.Len(t, out, 2)
		for i := range cells {
			assert.Same(t, cells[i], out[i])
		}
	}

	// Untagged cells are never decoded, so non-metric payloads survive.
	raw := &core.Cell{
		Row:       []byte("run-1"),
		Family:    []byte("i"),
		Qualifier: []byte("flow_version"),
		Timestamp: 100,
		Kind:      core.CellPut,
		Value:     []byte("v20-beta"),
	}
	out = runPass(t, ModeFlush, []*core.Cell{raw})
	require.Len(t, out, 1)
	assert.Same(t, raw, out[0])
}

func TestScannerDistReadQuantile(t *testing.T) {
	cells := make([]*core.Cell, 0, 100)
	for i := 0; i < 100; i++ {
		cells = append(cells, metricCell("run-1", "latency_ms", int64(1000-i), float64(100-i), OpDist))
	}

	env := Environment{Logger: discardLogger(), ReadQuantile: 0.5}
	out := runPass(t, ModeRead, cells, env)
	require.Len(t, out, 1)
	assert.InDelta(t, 50.5, metricValue(t, out[0]), 3)
	assert.Equal(t, int64(1000), out[0].Timestamp)

	// Persisting modes keep the raw samples.
	out = runPass(t, ModeFlush, cells)
	assert.Len(t, out, 100)
}

func TestScannerDistDefaultQuantile(t *testing.T) {
	s, err := NewScanner(Environment{Logger: discardLogger()}, nil, iterator.NewSliceIterator(nil), ModeRead)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, DefaultReadQuantile, s.quantile)
}

func TestScannerGroupsPerColumnAndRow(t *testing.T) {
	cells := []*core.Cell{
		metricCell("run-1", "cpu_ms", 200, 1, OpSum),
		metricCell("run-1", "cpu_ms", 100, 2, OpSum),
		metricCell("run-1", "mem_mb", 200, 10, OpSum),
		metricCell("run-2", "cpu_ms", 500, 7, OpSum),
		metricCell("run-2", "cpu_ms", 400, 8, OpSum),
	}

	out := runPass(t, ModeRead, cells)
	require.Len(t, out, 3)
	assert.Equal(t, float64(3), metricValue(t, out[0]))
	assert.Equal(t, float64(15), metricValue(t, out[2]))
	assert.Equal(t, []byte("run-2"), out[2].Row)

	// A single-version group needs no rebuild and passes by reference.
	assert.Same(t, cells[2], out[1])
}

func TestScannerFoldIgnoresNonFinite(t *testing.T) {
	cells := []*core.Cell{
		metricCell("run-1", "cpu_ms", 300, math.NaN(), OpSum),
		metricCell("run-1", "cpu_ms", 200, 5, OpSum),
		metricCell("run-1", "cpu_ms", 100, 7, OpSum),
	}

	out := runPass(t, ModeRead, cells)
	require.Len(t, out, 1)
	assert.Equal(t, float64(12), metricValue(t, out[0]))
}

func TestScannerTombstoneNewest(t *testing.T) {
	cells := []*core.Cell{
		deleteCell("run-1", "cpu_ms", 300),
		metricCell("run-1", "cpu_ms", 200, 10, OpSum),
		metricCell("run-1", "cpu_ms", 100, 5, OpSum),
	}

	assert.Empty(t, runPass(t, ModeRead, cells))
	assert.Empty(t, runPass(t, ModeMajorCompaction, cells))

	for _, mode := range []Mode{ModeFlush, ModeMinorCompaction} {
		out := runPass(t, mode, cells)
		require.Len(t, out, 3)
		for i := range cells {
			assert.Same(t, cells[i], out[i])
		}
	}
}

func TestScannerTombstoneBelowLiveVersions(t *testing.T) {
	cells := []*core.Cell{
		metricCell("run-1", "cpu_ms", 400, 6, OpSum),
		metricCell("run-1", "cpu_ms", 300, 4, OpSum),
		deleteCell("run-1", "cpu_ms", 200),
		metricCell("run-1", "cpu_ms", 100, 99, OpSum),
	}

	// Reads fold the live prefix; the tombstone and what it masks vanish.
	out := runPass(t, ModeRead, cells)
	require.Len(t, out, 1)
	assert.Equal(t, float64(10), metricValue(t, out[0]))

	// A flush keeps the tombstone so versions in older files stay masked.
	out = runPass(t, ModeFlush, cells)
	require.Len(t, out, 2)
	assert.Equal(t, float64(10), metricValue(t, out[0]))
	assert.Equal(t, core.CellDelete, out[1].Kind)
	assert.Equal(t, int64(200), out[1].Timestamp)

	// A major compaction sees every file and may drop it.
	out = runPass(t, ModeMajorCompaction, cells)
	require.Len(t, out, 1)
	assert.Equal(t, float64(10), metricValue(t, out[0]))
}

func TestScannerDecodeFailureSurfaces(t *testing.T) {
	cells := []*core.Cell{
		{
			Row:       []byte("run-1"),
			Family:    []byte("m"),
			Qualifier: []byte("cpu_ms"),
			Timestamp: 200,
			Kind:      core.CellPut,
			Tags:      []core.Tag{OpTag(OpSum)},
			Value:     []byte("not-a-metric"),
		},
		metricCell("run-1", "cpu_ms", 100, 5, OpSum),
	}

	s, err := NewScanner(Environment{Logger: discardLogger()}, nil, iterator.NewSliceIterator(cells), ModeRead)
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.Next())
	require.Error(t, s.Error())
	assert.Contains(t, s.Error().Error(), "SUM")
	cell, _ := s.At()
	assert.Nil(t, cell)
}

var errScanBroken = errors.New("scan broken")

// failingIterator yields its cells, then fails instead of ending cleanly.
type failingIterator struct {
	cells  []*core.Cell
	pos    int
	closed bool
}

func (f *failingIterator) Next() bool {
	if f.pos < len(f.cells) {
		f.pos++
		return true
	}
	return false
}

func (f *failingIterator) At() (*core.Cell, error) { return f.cells[f.pos-1], nil }
func (f *failingIterator) Error() error            { return errScanBroken }
func (f *failingIterator) Close() error            { f.closed = true; return nil }

func TestScannerInnerErrorSurfaces(t *testing.T) {
	inner := &failingIterator{cells: []*core.Cell{
		metricCell("run-1", "cpu_ms", 200, 1, OpSum),
		metricCell("run-1", "cpu_ms", 100, 2, OpSum),
	}}

	s, err := NewScanner(Environment{Logger: discardLogger()}, nil, inner, ModeRead)
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.Next())
	assert.ErrorIs(t, s.Error(), errScanBroken)
}

func TestScannerCloseClosesInner(t *testing.T) {
	inner := &failingIterator{}
	s, err := NewScanner(Environment{Logger: discardLogger()}, nil, inner, ModeFlush)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.True(t, inner.closed)
}

func TestNewScannerArgumentChecks(t *testing.T) {
	env := Environment{Logger: discardLogger()}

	_, err := NewScanner(env, nil, nil, ModeRead)
	assert.Error(t, err)

	capped := &core.ScanOptions{MaxVersions: 1}
	_, err = NewScanner(env, capped, iterator.NewSliceIterator(nil), ModeRead)
	assert.Error(t, err)

	all := &core.ScanOptions{MaxVersions: core.AllVersions}
	s, err := NewScanner(env, all, iterator.NewSliceIterator(nil), ModeRead)
	require.NoError(t, err)
	s.Close()

	// Persisting passes carry no scan to validate.
	s, err = NewScanner(env, capped, iterator.NewSliceIterator(nil), ModeFlush)
	require.NoError(t, err)
	s.Close()
}

func TestScannerEmptyInput(t *testing.T) {
	assert.Empty(t, runPass(t, ModeRead, nil))
}

package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/flowbase/core"
	"github.com/INLOpen/flowbase/internal/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testOptions returns options for an isolated engine: fresh data dir,
// unpublished metrics, and background intervals long enough to stay out of
// the test's way.
func testOptions(t *testing.T) RegionOptions {
	t.Helper()
	return RegionOptions{
		DataDir:            t.TempDir(),
		Region:             core.RegionInfo{Table: "timeline.flowrun", Region: "0001"},
		CompactionInterval: time.Hour,
		Metrics:            NewMetrics(false, "engine_test_"),
		Logger:             discardLogger(),
	}
}

func newStartedEngine(t *testing.T, opts RegionOptions) *RegionEngine {
	t.Helper()
	e, err := NewRegionEngine(opts)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func applyMetric(t *testing.T, e *RegionEngine, row, qualifier string, ts int64, v float64) {
	t.Helper()
	batch := core.NewWriteBatch([]byte(row))
	batch.AddTimestamped("m", []byte(qualifier), ts, core.EncodeMetricValue(v))
	require.NoError(t, e.Apply(context.Background(), batch))
}

func applyDelete(t *testing.T, e *RegionEngine, row, qualifier string, ts int64) {
	t.Helper()
	batch := core.NewWriteBatch([]byte(row))
	batch.AddCell("m", &core.Cell{
		Family:    []byte("m"),
		Qualifier: []byte(qualifier),
		Timestamp: ts,
		Kind:      core.CellDelete,
	})
	require.NoError(t, e.Apply(context.Background(), batch))
}

func getMetric(t *testing.T, e *RegionEngine, row string) float64 {
	t.Helper()
	cells, err := e.Get(context.Background(), &core.GetRequest{Row: []byte(row)})
	require.NoError(t, err)
	require.Len(t, cells, 1)
	v, err := core.DecodeMetricValue(cells[0].Value)
	require.NoError(t, err)
	return v
}

func drainScan(t *testing.T, it core.CellIterator) []*core.Cell {
	t.Helper()
	defer it.Close()
	var out []*core.Cell
	for it.Next() {
		cell, err := it.At()
		require.NoError(t, err)
		out = append(out, cell)
	}
	require.NoError(t, it.Error())
	return out
}

func flushToSegment(t *testing.T, e *RegionEngine) {
	t.Helper()
	require.NoError(t, e.ForceFlush(context.Background(), true))
}

func segmentIDs(e *RegionEngine) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]uint64, len(e.segments))
	for i, seg := range e.segments {
		ids[i] = seg.ID()
	}
	return ids
}

func TestNewRegionEngineValidatesDataDir(t *testing.T) {
	_, err := NewRegionEngine(RegionOptions{Logger: discardLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data directory")
}

func TestEngineStartCloseLifecycle(t *testing.T) {
	e, err := NewRegionEngine(testOptions(t))
	require.NoError(t, err)

	require.ErrorIs(t, e.CheckStarted(), ErrEngineClosed)
	require.NoError(t, e.Start())
	require.NoError(t, e.CheckStarted())

	assert.ErrorIs(t, e.Start(), ErrEngineAlreadyStarted)

	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.CheckStarted(), ErrEngineClosed)

	// Closing again is a no-op.
	require.NoError(t, e.Close())
}

func TestEngineOperationsBeforeStart(t *testing.T) {
	e, err := NewRegionEngine(testOptions(t))
	require.NoError(t, err)

	ctx := context.Background()
	batch := core.NewWriteBatch([]byte("run-1"))
	batch.Add("m", []byte("cpu_ms"), core.EncodeMetricValue(1))

	assert.ErrorIs(t, e.Apply(ctx, batch), ErrEngineClosed)
	_, getErr := e.Get(ctx, &core.GetRequest{Row: []byte("run-1")})
	assert.ErrorIs(t, getErr, ErrEngineClosed)
	_, scanErr := e.Scan(ctx, &core.ScanOptions{})
	assert.ErrorIs(t, scanErr, ErrEngineClosed)
	assert.ErrorIs(t, e.ForceFlush(ctx, true), ErrEngineClosed)
	assert.ErrorIs(t, e.Compact(ctx, false), ErrEngineClosed)
}

func TestEngineDataDirLock(t *testing.T) {
	opts := testOptions(t)
	e1 := newStartedEngine(t, opts)

	opts2 := opts
	opts2.Metrics = NewMetrics(false, "engine_test2_")
	e2, err := NewRegionEngine(opts2)
	require.NoError(t, err)
	assert.Error(t, e2.Start())

	// The lock is released on close; a successor can take over the dir.
	require.NoError(t, e1.Close())
	require.NoError(t, e2.Start())
	require.NoError(t, e2.Close())
}

func TestEngineApplyGetRoundtrip(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))
	ctx := context.Background()

	applyMetric(t, e, "run-1", "cpu_ms", 100, 5)
	applyMetric(t, e, "run-1", "cpu_ms", 200, 10)
	applyMetric(t, e, "run-1", "mem_mb", 150, 512)

	// Default lookups return the newest version per column.
	cells, err := e.Get(ctx, &core.GetRequest{Row: []byte("run-1")})
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.Equal(t, []byte("cpu_ms"), cells[0].Qualifier)
	assert.Equal(t, int64(200), cells[0].Timestamp)
	assert.Equal(t, []byte("mem_mb"), cells[1].Qualifier)

	// A wider version cap surfaces older versions too.
	cells, err = e.Get(ctx, &core.GetRequest{Row: []byte("run-1"), MaxVersions: 2})
	require.NoError(t, err)
	require.Len(t, cells, 3)
	assert.Equal(t, int64(200), cells[0].Timestamp)
	assert.Equal(t, int64(100), cells[1].Timestamp)
}

func TestEngineGetMissingRow(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))

	_, err := e.Get(context.Background(), &core.GetRequest{Row: []byte("absent")})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngineApplyEmptyBatch(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))
	require.NoError(t, e.Apply(context.Background(), core.NewWriteBatch([]byte("run-1"))))
}

func TestEngineStampsLatestTimestamp(t *testing.T) {
	opts := testOptions(t)
	clk := clock.NewMockClock(time.UnixMilli(42_000))
	opts.Clock = clk
	e := newStartedEngine(t, opts)
	ctx := context.Background()

	batch := core.NewWriteBatch([]byte("run-1"))
	batch.Add("m", []byte("cpu_ms"), core.EncodeMetricValue(5))
	require.NoError(t, e.Apply(ctx, batch))

	cells, err := e.Get(ctx, &core.GetRequest{Row: []byte("run-1")})
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, int64(42_000), cells[0].Timestamp)
}

func TestEngineScanRange(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))
	ctx := context.Background()

	applyMetric(t, e, "run-1", "cpu_ms", 100, 1)
	applyMetric(t, e, "run-2", "cpu_ms", 100, 2)
	applyMetric(t, e, "run-3", "cpu_ms", 100, 3)

	it, err := e.Scan(ctx, &core.ScanOptions{StartRow: []byte("run-1"), StopRow: []byte("run-3")})
	require.NoError(t, err)
	cells := drainScan(t, it)
	require.Len(t, cells, 2)
	assert.Equal(t, []byte("run-1"), cells[0].Row)
	assert.Equal(t, []byte("run-2"), cells[1].Row)

	it, err = e.Scan(ctx, &core.ScanOptions{})
	require.NoError(t, err)
	assert.Len(t, drainScan(t, it), 3)
}

func TestEngineScanVersionCap(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))
	ctx := context.Background()

	applyMetric(t, e, "run-1", "cpu_ms", 100, 1)
	applyMetric(t, e, "run-1", "cpu_ms", 200, 2)
	applyMetric(t, e, "run-1", "cpu_ms", 300, 3)

	it, err := e.Scan(ctx, &core.ScanOptions{MaxVersions: 2})
	require.NoError(t, err)
	cells := drainScan(t, it)
	require.Len(t, cells, 2)
	assert.Equal(t, int64(300), cells[0].Timestamp)
	assert.Equal(t, int64(200), cells[1].Timestamp)

	it, err = e.Scan(ctx, &core.ScanOptions{MaxVersions: core.AllVersions})
	require.NoError(t, err)
	assert.Len(t, drainScan(t, it), 3)
}

func TestEngineTombstoneMasksOlderVersions(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))
	ctx := context.Background()

	applyMetric(t, e, "run-1", "cpu_ms", 100, 5)
	applyDelete(t, e, "run-1", "cpu_ms", 200)

	_, err := e.Get(ctx, &core.GetRequest{Row: []byte("run-1")})
	assert.ErrorIs(t, err, core.ErrNotFound)

	// A write above the tombstone becomes visible again.
	applyMetric(t, e, "run-1", "cpu_ms", 300, 7)
	assert.Equal(t, float64(7), getMetric(t, e, "run-1"))
}

func TestEngineRotateOnFullMemstore(t *testing.T) {
	opts := testOptions(t)
	opts.MemstoreThreshold = 1
	e := newStartedEngine(t, opts)

	applyMetric(t, e, "run-1", "cpu_ms", 100, 1)
	applyMetric(t, e, "run-2", "cpu_ms", 100, 2)

	// Every apply overflows the memstore; the background loop flushes the
	// rotated stores without an explicit ForceFlush.
	require.Eventually(t, func() bool {
		return len(segmentIDs(e)) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, float64(1), getMetric(t, e, "run-1"))
	assert.Equal(t, float64(2), getMetric(t, e, "run-2"))
}

func TestEngineReadsAcrossMemstoreAndSegments(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))

	applyMetric(t, e, "run-1", "cpu_ms", 100, 1)
	flushToSegment(t, e)
	applyMetric(t, e, "run-1", "cpu_ms", 200, 2)

	// The newest version lives in the memstore, the older one on disk.
	cells, err := e.Get(context.Background(), &core.GetRequest{Row: []byte("run-1"), MaxVersions: core.AllVersions})
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.Equal(t, int64(200), cells[0].Timestamp)
	assert.Equal(t, int64(100), cells[1].Timestamp)
}

func TestEngineFullKeyDuplicateResolvesToFreshest(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))

	// The same full key written twice: the later write wins even though both
	// end up in different segments.
	applyMetric(t, e, "run-1", "cpu_ms", 100, 1)
	flushToSegment(t, e)
	applyMetric(t, e, "run-1", "cpu_ms", 100, 2)
	flushToSegment(t, e)

	assert.Equal(t, float64(2), getMetric(t, e, "run-1"))
}

func TestEngineRestartPersistence(t *testing.T) {
	opts := testOptions(t)

	e, err := NewRegionEngine(opts)
	require.NoError(t, err)
	require.NoError(t, e.Start())

	applyMetric(t, e, "run-1", "cpu_ms", 100, 5)
	flushToSegment(t, e)
	applyMetric(t, e, "run-2", "cpu_ms", 100, 7)

	// The unflushed memstore is written out during close.
	require.NoError(t, e.Close())

	e2, err := NewRegionEngine(opts)
	require.NoError(t, err)
	require.NoError(t, e2.Start())
	defer e2.Close()

	assert.Equal(t, float64(5), getMetric(t, e2, "run-1"))
	assert.Equal(t, float64(7), getMetric(t, e2, "run-2"))

	// Segment IDs keep counting up from what is on disk.
	applyMetric(t, e2, "run-3", "cpu_ms", 100, 9)
	flushToSegment(t, e2)
	ids := segmentIDs(e2)
	require.NotEmpty(t, ids)
	assert.Equal(t, uint64(3), ids[len(ids)-1])
}

func TestEngineRegionAccessor(t *testing.T) {
	opts := testOptions(t)
	e, err := NewRegionEngine(opts)
	require.NoError(t, err)
	assert.Equal(t, opts.Region, e.Region())
	assert.Equal(t, opts.DataDir, e.GetDataDir())
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/flowbase/core"
)

func TestForceFlushWaitCreatesSegment(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))

	applyMetric(t, e, "run-1", "cpu_ms", 100, 5)
	applyMetric(t, e, "run-1", "mem_mb", 100, 512)
	flushToSegment(t, e)

	ids := segmentIDs(e)
	require.Len(t, ids, 1)
	assert.Equal(t, uint64(1), ids[0])

	// The flushed data is still readable and the memstore starts fresh.
	assert.Equal(t, float64(5), getMetric(t, e, "run-1"))
	e.mu.RLock()
	memLen := e.memstore.Len()
	e.mu.RUnlock()
	assert.Zero(t, memLen)
}

func TestForceFlushEmptyMemstoreIsNoop(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))

	flushToSegment(t, e)
	assert.Empty(t, segmentIDs(e))
}

func TestForceFlushNoWaitReturnsImmediately(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))

	applyMetric(t, e, "run-1", "cpu_ms", 100, 5)
	require.NoError(t, e.ForceFlush(context.Background(), false))

	require.Eventually(t, func() bool {
		return len(segmentIDs(e)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(5), getMetric(t, e, "run-1"))
}

func TestPeriodicFlushRotatesMemstore(t *testing.T) {
	opts := testOptions(t)
	opts.FlushInterval = 20 * time.Millisecond
	e := newStartedEngine(t, opts)

	applyMetric(t, e, "run-1", "cpu_ms", 100, 5)

	require.Eventually(t, func() bool {
		return len(segmentIDs(e)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFlushAssignsAscendingSegmentIDs(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))

	for i := 1; i <= 3; i++ {
		applyMetric(t, e, "run-1", "cpu_ms", int64(i*100), float64(i))
		flushToSegment(t, e)
	}

	assert.Equal(t, []uint64{1, 2, 3}, segmentIDs(e))

	// The manifest mirrors the in-memory order.
	ids, found, err := readManifest(e.opts.DataDir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestFlushKeepsMultipleVersionsOnDisk(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))

	applyMetric(t, e, "run-1", "cpu_ms", 100, 1)
	applyMetric(t, e, "run-1", "cpu_ms", 200, 2)
	flushToSegment(t, e)

	cells, err := e.Get(context.Background(), &core.GetRequest{Row: []byte("run-1"), MaxVersions: core.AllVersions})
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.Equal(t, int64(200), cells[0].Timestamp)
	assert.Equal(t, int64(100), cells[1].Timestamp)
}

func TestFlushPersistsTombstones(t *testing.T) {
	e := newStartedEngine(t, testOptions(t))
	ctx := context.Background()

	applyMetric(t, e, "run-1", "cpu_ms", 100, 5)
	applyDelete(t, e, "run-1", "cpu_ms", 200)
	flushToSegment(t, e)

	// The tombstone made it to disk and still masks the older version.
	e.mu.RLock()
	seg := e.segments[0]
	e.mu.RUnlock()
	assert.Equal(t, uint64(1), seg.TombstoneCount())

	_, err := e.Get(ctx, &core.GetRequest{Row: []byte("run-1")})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCloseFlushesRemainingData(t *testing.T) {
	opts := testOptions(t)

	e, err := NewRegionEngine(opts)
	require.NoError(t, err)
	require.NoError(t, e.Start())

	applyMetric(t, e, "run-1", "cpu_ms", 100, 5)
	require.NoError(t, e.Close())

	// Everything in memory at close time is on disk afterwards.
	e2, err := NewRegionEngine(opts)
	require.NoError(t, err)
	require.NoError(t, e2.Start())
	defer e2.Close()

	assert.Equal(t, []uint64{1}, segmentIDs(e2))
	assert.Equal(t, float64(5), getMetric(t, e2, "run-1"))
}

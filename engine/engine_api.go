package engine

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/INLOpen/flowbase/core"
	"github.com/INLOpen/flowbase/hooks"
	"github.com/INLOpen/flowbase/iterator"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Apply commits a write batch to the memstore. Registered write transforms
// run first, in registration order, and may rewrite the batch's cells; any
// cell still carrying the LatestTimestamp sentinel afterwards is stamped
// with the current wall-clock milliseconds.
func (e *RegionEngine) Apply(ctx context.Context, batch *core.WriteBatch) (err error) {
	defer func() {
		if err != nil && e.metrics != nil && e.metrics.PutErrorsTotal != nil {
			e.metrics.PutErrorsTotal.Add(1)
		}
	}()

	if errCheck := e.CheckStarted(); errCheck != nil {
		return errCheck
	}

	startTime := e.clock.Now()
	defer func() {
		duration := e.clock.Now().Sub(startTime).Seconds()
		if e.metrics != nil && e.metrics.ApplyLatencyHist != nil {
			observeLatency(e.metrics.ApplyLatencyHist, duration)
		}
	}()
	_, span := e.tracer.Start(ctx, "RegionEngine.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.row", string(batch.Row())),
		attribute.Int("batch.size", batch.Len()),
	)

	if batch.Len() == 0 {
		return nil
	}

	prePayload := hooks.PreApplyBatchPayload{Batch: batch}
	if hookErr := e.hookManager.Trigger(ctx, hooks.NewPreApplyBatchEvent(prePayload)); hookErr != nil {
		return fmt.Errorf("apply cancelled by pre-hook: %w", hookErr)
	}

	applied := 0
	defer func() {
		postPayload := hooks.PostApplyBatchPayload{Batch: batch, Cells: applied, Error: err}
		e.hookManager.Trigger(ctx, hooks.NewPostApplyBatchEvent(postPayload))
	}()

	for _, transform := range e.transforms {
		if transformErr := transform(ctx, batch); transformErr != nil {
			span.RecordError(transformErr)
			span.SetStatus(codes.Error, "write_transform_failed")
			err = fmt.Errorf("apply rejected by write transform: %w", transformErr)
			return err
		}
	}

	now := e.clock.Now().UnixMilli()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, family := range batch.Families() {
		for _, cell := range batch.Cells(family) {
			if cell.Timestamp == core.LatestTimestamp {
				cell.Timestamp = now
			}
			if putErr := e.memstore.Put(cell); putErr != nil {
				span.RecordError(putErr)
				span.SetStatus(codes.Error, "memstore_put_failed")
				err = fmt.Errorf("failed to apply cell %d of batch: %w", applied, putErr)
				return err
			}
			applied++
		}
	}
	e.metrics.PutsTotal.Add(int64(applied))

	if e.memstore.IsFull() {
		e.rotateMemstoreLocked()
	}
	return nil
}

// Get returns the cells visible for a single row. A registered get handler
// may take over the lookup entirely; otherwise the newest versions per
// column are returned, honoring the request's MaxVersions.
func (e *RegionEngine) Get(ctx context.Context, req *core.GetRequest) (result []*core.Cell, err error) {
	if errCheck := e.CheckStarted(); errCheck != nil {
		return nil, errCheck
	}

	startTime := e.clock.Now()
	defer func() {
		duration := e.clock.Now().Sub(startTime).Seconds()
		if e.metrics != nil && e.metrics.GetLatencyHist != nil {
			observeLatency(e.metrics.GetLatencyHist, duration)
		}
	}()
	_, span := e.tracer.Start(ctx, "RegionEngine.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.operation", "get"),
		attribute.String("db.row", string(req.Row)),
	)
	e.metrics.GetsTotal.Add(1)

	prePayload := hooks.PreGetPayload{Request: req}
	if hookErr := e.hookManager.Trigger(ctx, hooks.NewPreGetEvent(prePayload)); hookErr != nil {
		return nil, fmt.Errorf("get cancelled by pre-hook: %w", hookErr)
	}
	defer func() {
		postPayload := hooks.PostGetPayload{
			Request:  *req,
			Cells:    len(result),
			Duration: e.clock.Now().Sub(startTime),
			Error:    err,
		}
		e.hookManager.Trigger(ctx, hooks.NewPostGetEvent(postPayload))
	}()

	for _, handler := range e.getHandlers {
		cells, handled, handlerErr := handler(ctx, req, e.rawScanner)
		if handlerErr != nil {
			span.RecordError(handlerErr)
			span.SetStatus(codes.Error, "get_handler_failed")
			err = handlerErr
			return nil, err
		}
		if handled {
			span.SetAttributes(attribute.Bool("db.handled_by_extension", true))
			result = cells
			return result, nil
		}
	}

	raw, rawErr := e.rawScanner(ctx, req.ScanForRow())
	if rawErr != nil {
		err = rawErr
		return nil, err
	}
	capped := iterator.NewVersionCapIterator(raw, req.EffectiveMaxVersions())
	defer capped.Close()

	for capped.Next() {
		cell, cellErr := capped.At()
		if cellErr != nil {
			err = cellErr
			return nil, err
		}
		result = append(result, cell)
	}
	if iterErr := capped.Error(); iterErr != nil {
		span.RecordError(iterErr)
		err = iterErr
		return nil, err
	}
	if len(result) == 0 {
		span.SetAttributes(attribute.Bool("db.found", false))
		err = core.ErrNotFound
		return nil, err
	}
	span.SetAttributes(attribute.Bool("db.found", true), attribute.Int("db.cells", len(result)))
	return result, nil
}

// Scan returns a merged iterator over [StartRow, StopRow). Scan prepares run
// on a copy of the options before the raw merge is built; read wraps are
// applied outermost-last and own the returned iterator. The caller must
// Close it.
func (e *RegionEngine) Scan(ctx context.Context, opts *core.ScanOptions) (it core.CellIterator, err error) {
	if errCheck := e.CheckStarted(); errCheck != nil {
		return nil, errCheck
	}

	startTime := e.clock.Now()
	defer func() {
		duration := e.clock.Now().Sub(startTime).Seconds()
		if e.metrics != nil && e.metrics.ScanLatencyHist != nil {
			observeLatency(e.metrics.ScanLatencyHist, duration)
		}
	}()
	_, span := e.tracer.Start(ctx, "RegionEngine.Scan")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.operation", "scan"),
		attribute.String("db.start_row", string(opts.StartRow)),
		attribute.String("db.stop_row", string(opts.StopRow)),
	)
	e.metrics.ScansTotal.Add(1)

	prePayload := hooks.PreScanPayload{Options: opts}
	if hookErr := e.hookManager.Trigger(ctx, hooks.NewPreScanEvent(prePayload)); hookErr != nil {
		return nil, fmt.Errorf("scan cancelled by pre-hook: %w", hookErr)
	}

	// Prepares may widen the version cap, so they run on a copy and the
	// caller's options stay untouched.
	scanCopy := *opts
	scan := &scanCopy

	defer func() {
		postPayload := hooks.PostScanPayload{
			Options:  *scan,
			Duration: e.clock.Now().Sub(startTime),
			Error:    err,
		}
		e.hookManager.Trigger(ctx, hooks.NewPostScanEvent(postPayload))
	}()

	for _, prepare := range e.prepares {
		if prepErr := prepare(ctx, scan); prepErr != nil {
			span.RecordError(prepErr)
			span.SetStatus(codes.Error, "scan_prepare_failed")
			err = fmt.Errorf("scan preparation failed: %w", prepErr)
			return nil, err
		}
	}

	raw, rawErr := e.rawScanner(ctx, scan)
	if rawErr != nil {
		err = rawErr
		return nil, err
	}
	shaped := iterator.NewVersionCapIterator(raw, scan.EffectiveMaxVersions())

	wrapped, wrapErr := e.applyWraps(ctx, ScanContext{Stage: StageRead, Scan: scan}, shaped)
	if wrapErr != nil {
		span.RecordError(wrapErr)
		span.SetStatus(codes.Error, "scan_wrap_failed")
		err = wrapErr
		return nil, err
	}
	return wrapped, nil
}

// lockedIterator pins the engine's memstore and segment sets for the life of
// a raw scan so compaction cannot retire a segment out from under it. Close
// releases the read lock exactly once.
type lockedIterator struct {
	core.CellIterator
	mu   *sync.RWMutex
	once sync.Once
}

func (l *lockedIterator) Close() error {
	err := l.CellIterator.Close()
	l.once.Do(l.mu.RUnlock)
	return err
}

// rawScanner builds the unshaped multi-version merge across the memstore,
// the flush queue, and the on-disk segments, freshest source first so that
// full-key ties resolve to the newest write. Segments that cannot contain
// the scanned range are skipped; single-row scans additionally consult each
// segment's row filter.
func (e *RegionEngine) rawScanner(ctx context.Context, scan *core.ScanOptions) (core.CellIterator, error) {
	startKey, endKey := scanBounds(scan)
	var rowKey []byte
	if isSingleRowScan(scan) {
		rowKey = scan.StartRow
	}

	e.mu.RLock()

	iters := make([]core.CellIterator, 0, 1+len(e.flushQueue)+len(e.segments))
	iters = append(iters, e.memstore.NewIterator(startKey, endKey))
	for i := len(e.flushQueue) - 1; i >= 0; i-- {
		iters = append(iters, e.flushQueue[i].NewIterator(startKey, endKey))
	}
	for i := len(e.segments) - 1; i >= 0; i-- {
		seg := e.segments[i]
		if len(startKey) > 0 && core.CompareKeys(seg.MaxKey(), startKey) < 0 {
			continue
		}
		if endKey != nil && core.CompareKeys(seg.MinKey(), endKey) >= 0 {
			continue
		}
		if rowKey != nil && !seg.ContainsRow(rowKey) {
			continue
		}
		segIter, iterErr := seg.NewIterator(startKey, endKey)
		if iterErr != nil {
			for _, built := range iters {
				_ = built.Close()
			}
			e.mu.RUnlock()
			return nil, fmt.Errorf("failed to open iterator on segment %d: %w", seg.ID(), iterErr)
		}
		iters = append(iters, segIter)
	}

	merged, mergeErr := iterator.NewMergingIterator(iters)
	if mergeErr != nil {
		// NewMergingIterator closes every source on failure.
		e.mu.RUnlock()
		return nil, mergeErr
	}
	return &lockedIterator{CellIterator: merged, mu: &e.mu}, nil
}

// scanBounds converts row bounds into encoded cell-key bounds. The smallest
// key a row can produce is (row, "", "", max timestamp) because timestamps
// are stored inverted, so the newest cell of a column sorts first.
func scanBounds(scan *core.ScanOptions) (startKey, endKey []byte) {
	if len(scan.StartRow) > 0 {
		startKey = core.EncodeCellKey(scan.StartRow, nil, nil, math.MaxInt64)
	}
	if len(scan.StopRow) > 0 {
		endKey = core.EncodeCellKey(scan.StopRow, nil, nil, math.MaxInt64)
	}
	return startKey, endKey
}

// isSingleRowScan reports whether the scan covers exactly one row, the shape
// GetRequest.ScanForRow produces.
func isSingleRowScan(scan *core.ScanOptions) bool {
	n := len(scan.StartRow)
	if n == 0 || len(scan.StopRow) != n+1 {
		return false
	}
	return scan.StopRow[n] == 0 && bytes.Equal(scan.StopRow[:n], scan.StartRow)
}

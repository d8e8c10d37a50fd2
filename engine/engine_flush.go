package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/INLOpen/flowbase/core"
	"github.com/INLOpen/flowbase/hooks"
	"github.com/INLOpen/flowbase/memstore"
	"github.com/INLOpen/flowbase/segment"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// flushLoop drains the flush queue in the background. It reacts to rotate
// signals from the write path, synchronous ForceFlush requests, and the
// optional periodic rotation ticker.
func (e *RegionEngine) flushLoop() {
	defer e.wg.Done()

	var flushTicker *time.Ticker
	var tickerChan <-chan time.Time
	if e.opts.FlushInterval > 0 {
		flushTicker = time.NewTicker(e.opts.FlushInterval)
		tickerChan = flushTicker.C
		e.logger.Info("Periodic memstore flush enabled.", "interval", e.opts.FlushInterval)
		defer flushTicker.Stop()
	}

	for {
		select {
		case <-e.flushChan:
			if err := e.drainFlushQueue(); err != nil {
				e.logger.Error("Memstore flush failed; it stays queued for retry.", "error", err)
			}

		case completionChan := <-e.forceFlushChan:
			e.mu.Lock()
			e.rotateMemstoreLocked()
			e.mu.Unlock()
			completionChan <- e.drainFlushQueue()

		case <-tickerChan:
			e.triggerPeriodicFlush()

		case <-e.shutdownChan:
			e.logger.Info("Flush loop shutting down.")
			return
		}
	}
}

// rotateMemstoreLocked moves a non-empty active memstore onto the flush
// queue, installs a fresh one, and signals the flush loop. Callers must hold
// e.mu.
func (e *RegionEngine) rotateMemstoreLocked() {
	if e.memstore == nil || e.memstore.Len() == 0 {
		return
	}
	e.flushQueue = append(e.flushQueue, e.memstore)
	e.memstore = memstore.NewMemStore(e.opts.MemstoreThreshold, e.clock)
	select {
	case e.flushChan <- struct{}{}:
	default:
	}
}

// triggerPeriodicFlush rotates the active memstore on the flush ticker, but
// only when it holds data and the queue is empty, so a backlogged flush loop
// does not pile up further work.
func (e *RegionEngine) triggerPeriodicFlush() {
	_, span := e.tracer.Start(context.Background(), "RegionEngine.triggerPeriodicFlush")
	defer span.End()

	e.mu.Lock()
	if e.memstore != nil && e.memstore.Len() > 0 && len(e.flushQueue) == 0 {
		span.SetAttributes(attribute.Bool("flush_triggered", true), attribute.Int64("memstore.size_bytes", e.memstore.Size()))
		e.logger.Info("Triggering periodic memstore flush.", "size_bytes", e.memstore.Size())
		e.rotateMemstoreLocked()
	} else {
		span.SetAttributes(attribute.Bool("flush_triggered", false))
	}
	e.mu.Unlock()
}

func (e *RegionEngine) hasQueuedMemstores() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.flushQueue) > 0
}

// drainFlushQueue flushes queued memstores oldest first until the queue is
// empty or a flush fails.
func (e *RegionEngine) drainFlushQueue() error {
	for e.hasQueuedMemstores() {
		if err := e.flushOldestQueued(); err != nil {
			return err
		}
	}
	return nil
}

// flushOldestQueued writes the oldest queued memstore to a segment. On
// failure the memstore stays at the head of the queue and the next signal
// retries it; there is no write-ahead log to replay, so dropping it would
// lose data. Only the flush loop and the shutdown path call this.
func (e *RegionEngine) flushOldestQueued() error {
	e.mu.RLock()
	if len(e.flushQueue) == 0 {
		e.mu.RUnlock()
		return nil
	}
	memToFlush := e.flushQueue[0]
	e.mu.RUnlock()

	ctx, span := e.tracer.Start(context.Background(), "RegionEngine.flushOldestQueued")
	defer span.End()

	newSeg, err := e.flushMemstoreToSegment(ctx, memToFlush)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.flushQueue = e.flushQueue[1:]
	if newSeg != nil {
		e.segments = append(e.segments, newSeg)
	}
	manifestErr := e.persistManifestLocked()
	e.mu.Unlock()

	memToFlush.Close()
	if manifestErr != nil {
		// The segment itself is durable; the loader reconciles it from the
		// directory listing if the manifest stays behind.
		e.logger.Error("Failed to persist segment manifest after flush.", "error", manifestErr)
	}
	return nil
}

// flushMemstoreToSegment writes one memstore to a new on-disk segment,
// threading the raw cell stream through the registered flush wraps. A wrap
// may swallow every cell, in which case the writer is aborted and no segment
// is produced.
func (e *RegionEngine) flushMemstoreToSegment(parentCtx context.Context, memToFlush *memstore.MemStore) (*segment.Reader, error) {
	if memToFlush == nil || memToFlush.Len() == 0 {
		return nil, nil
	}

	ctx, span := e.tracer.Start(parentCtx, "RegionEngine.flushMemstoreToSegment")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("memstore.size_bytes", memToFlush.Size()),
		attribute.Int("memstore.len", memToFlush.Len()),
	)
	startTime := e.clock.Now()

	e.metrics.FlushesTotal.Add(1)

	prePayload := hooks.PreFlushMemstorePayload{Cells: memToFlush.Len(), SizeBytes: memToFlush.Size()}
	e.hookManager.Trigger(ctx, hooks.NewPreFlushMemstoreEvent(prePayload))

	var src core.CellIterator = memToFlush.NewIterator(nil, nil)
	wrapped, err := e.applyWraps(ctx, ScanContext{Stage: StageFlush}, src)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush_wrap_failed")
		return nil, fmt.Errorf("failed to wrap flush stream: %w", err)
	}
	defer wrapped.Close()

	fileID := e.GetNextSegmentID()
	writer, err := segment.NewWriter(segment.WriterOptions{
		DataDir:              e.segDir,
		ID:                   fileID,
		BlockSize:            e.opts.BlockSize,
		RestartPointInterval: e.opts.RestartPointInterval,
		Compressor:           e.opts.Compressor,
		Tracer:               e.tracer,
		Logger:               e.logger,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed_to_create_segment_writer")
		return nil, fmt.Errorf("failed to create segment writer: %w", err)
	}

	for wrapped.Next() {
		cell, cellErr := wrapped.At()
		if cellErr != nil {
			writer.Abort()
			span.RecordError(cellErr)
			span.SetStatus(codes.Error, "flush_stream_failed")
			return nil, fmt.Errorf("failed to read cell during flush: %w", cellErr)
		}
		if addErr := writer.Add(cell); addErr != nil {
			writer.Abort()
			span.RecordError(addErr)
			span.SetStatus(codes.Error, "failed_to_write_segment")
			return nil, fmt.Errorf("failed to add cell to segment: %w", addErr)
		}
	}
	if iterErr := wrapped.Error(); iterErr != nil {
		writer.Abort()
		span.RecordError(iterErr)
		span.SetStatus(codes.Error, "flush_stream_failed")
		return nil, fmt.Errorf("flush stream failed: %w", iterErr)
	}

	if writer.CellCount() == 0 {
		e.logger.Info("Flush produced no cells; skipping segment creation.")
		writer.Abort()
		return nil, nil
	}

	if finishErr := writer.Finish(); finishErr != nil {
		writer.Abort()
		span.RecordError(finishErr)
		span.SetStatus(codes.Error, "failed_to_finish_segment")
		return nil, fmt.Errorf("failed to finish segment: %w", finishErr)
	}

	newSeg, err := segment.Load(segment.LoadOptions{
		FilePath:   writer.FilePath(),
		ID:         fileID,
		BlockCache: e.blockCache,
		Tracer:     e.tracer,
		Logger:     e.logger,
	})
	if err != nil {
		os.Remove(writer.FilePath())
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed_to_load_new_segment")
		return nil, fmt.Errorf("failed to load newly created segment %s: %w", writer.FilePath(), err)
	}

	segInfo := hooks.SegmentInfo{
		ID:    newSeg.ID(),
		Path:  newSeg.FilePath(),
		Size:  newSeg.Size(),
		Cells: int64(newSeg.CellCount()),
	}
	e.hookManager.Trigger(context.Background(), hooks.NewPostSegmentCreateEvent(segInfo))

	flushDuration := e.clock.Now().Sub(startTime)
	observeLatency(e.metrics.FlushLatencyHist, flushDuration.Seconds())
	e.metrics.FlushCellsTotal.Add(int64(memToFlush.Len()))
	e.metrics.FlushBytesTotal.Add(memToFlush.Size())
	e.metrics.SegmentsCreatedTotal.Add(1)

	postPayload := hooks.PostFlushMemstorePayload{Segment: segInfo, Duration: flushDuration}
	e.hookManager.Trigger(context.Background(), hooks.NewPostFlushMemstoreEvent(postPayload))

	span.SetAttributes(
		attribute.String("segment.path", newSeg.FilePath()),
		attribute.Float64("flush_duration_seconds", flushDuration.Seconds()),
	)
	e.logger.Info("Successfully flushed memstore to segment.",
		"path", newSeg.FilePath(),
		"cells", newSeg.CellCount(),
		"flush_duration_s", flushDuration.Seconds())

	return newSeg, nil
}

// ForceFlush rotates the active memstore and flushes the queue. With wait
// set it blocks until everything queued has hit disk; otherwise it only
// nudges the background loop.
func (e *RegionEngine) ForceFlush(ctx context.Context, wait bool) error {
	_, span := e.tracer.Start(ctx, "RegionEngine.ForceFlush", trace.WithAttributes(attribute.Bool("wait", wait)))
	defer span.End()

	if err := e.CheckStarted(); err != nil {
		return err
	}

	if !wait {
		e.mu.Lock()
		if e.memstore != nil && e.memstore.Len() > 0 {
			e.logger.Info("Asynchronously rotating memstore for flush.")
			e.rotateMemstoreLocked()
		}
		e.mu.Unlock()
		return nil
	}

	completionChan := make(chan error, 1)

	// The flush loop handles one synchronous request at a time; if it is not
	// ready to receive, another forced flush is running.
	select {
	case e.forceFlushChan <- completionChan:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.shutdownChan:
		return ErrEngineClosed
	default:
		return ErrFlushInProgress
	}

	select {
	case err := <-completionChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.shutdownChan:
		return ErrEngineClosed
	}
}

// flushRemaining synchronously flushes the queue and the active memstore.
// Close calls it after the background loops have stopped.
func (e *RegionEngine) flushRemaining() error {
	ctx, span := e.tracer.Start(context.Background(), "RegionEngine.flushRemaining")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	if len(e.flushQueue) > 0 {
		e.logger.Info("Flushing remaining queued memstores before close...", "count", len(e.flushQueue))
		span.SetAttributes(attribute.Int("flush_queue.length", len(e.flushQueue)))
		for _, mem := range e.flushQueue {
			if mem == nil {
				continue
			}
			newSeg, err := e.flushMemstoreToSegment(ctx, mem)
			if err != nil {
				flushErr := fmt.Errorf("failed to flush queued memstore during shutdown (size: %d): %w", mem.Size(), err)
				e.logger.Error(flushErr.Error())
				if firstErr == nil {
					firstErr = flushErr
				}
				continue
			}
			if newSeg != nil {
				e.segments = append(e.segments, newSeg)
			}
			mem.Close()
		}
		e.flushQueue = nil
	}

	if e.memstore != nil && e.memstore.Len() > 0 {
		e.logger.Info("Flushing final memstore during shutdown.", "size_bytes", e.memstore.Size())
		span.SetAttributes(attribute.Int64("memstore.size_bytes", e.memstore.Size()))
		memToFlush := e.memstore
		newSeg, err := e.flushMemstoreToSegment(ctx, memToFlush)
		if err != nil {
			flushErr := fmt.Errorf("failed to flush final memstore during shutdown (size: %d): %w", memToFlush.Size(), err)
			e.logger.Error(flushErr.Error())
			if firstErr == nil {
				firstErr = flushErr
			}
		} else {
			if newSeg != nil {
				e.segments = append(e.segments, newSeg)
			}
			memToFlush.Close()
		}
		e.memstore = memstore.NewMemStore(e.opts.MemstoreThreshold, e.clock)
	}

	if err := e.persistManifestLocked(); err != nil {
		manifestErr := fmt.Errorf("failed to persist segment manifest during shutdown: %w", err)
		if firstErr == nil {
			firstErr = manifestErr
		}
	}
	e.logger.Info("All remaining memstores processed.")
	return firstErr
}

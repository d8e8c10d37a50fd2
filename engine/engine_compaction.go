package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/flowbase/core"
	"github.com/INLOpen/flowbase/hooks"
	"github.com/INLOpen/flowbase/iterator"
	"github.com/INLOpen/flowbase/segment"

	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultCompactionInterval is used when RegionOptions.CompactionInterval
// is unset or invalid.
const DefaultCompactionInterval = 60 * time.Second

// CompactionManager runs segment compactions for one engine. A background
// loop folds the oldest segments together once their count reaches the
// configured fan-in; on-demand passes run through the engine's Compact
// method. Only one compaction runs at a time.
type CompactionManager struct {
	engine *RegionEngine

	compactionChan chan struct{}
	shutdownChan   chan struct{}
	compactionWg   sync.WaitGroup
	active         atomic.Bool

	logger *slog.Logger
}

// NewCompactionManager creates a compaction manager bound to the given engine.
func NewCompactionManager(engine *RegionEngine) *CompactionManager {
	return &CompactionManager{
		engine:         engine,
		compactionChan: make(chan struct{}, 1),
		shutdownChan:   make(chan struct{}),
		logger:         engine.logger.With("component", "CompactionManager"),
	}
}

// Start begins the background compaction loop.
func (cm *CompactionManager) Start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := cm.engine.opts.CompactionInterval
		if interval <= 0 {
			cm.logger.Warn("Invalid compaction interval, using default.", "interval", interval, "default", DefaultCompactionInterval)
			interval = DefaultCompactionInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				cm.performCompactionCycle()
			case <-cm.compactionChan:
				cm.performCompactionCycle()
			case <-cm.shutdownChan:
				cm.logger.Info("Shutting down compaction loop.")
				return
			}
		}
	}()
	cm.logger.Info("Started background compaction loop.")
}

// Stop signals the compaction loop to shut down and waits for any active
// compaction to finish.
func (cm *CompactionManager) Stop() {
	if cm.shutdownChan != nil {
		select {
		case <-cm.shutdownChan:
		default:
			close(cm.shutdownChan)
		}
		cm.compactionWg.Wait()
	}
	cm.logger.Info("Compaction loop stopped.")
}

// Trigger manually signals the compaction loop to perform a check.
func (cm *CompactionManager) Trigger() {
	select {
	case cm.compactionChan <- struct{}{}:
		cm.logger.Info("Manual compaction check triggered.")
	default:
		cm.logger.Info("Compaction check already pending, skipping manual trigger.")
	}
}

// Compact runs one compaction pass and waits for it to finish. A minor pass
// merges the oldest segments up to the configured fan-in and keeps every
// cell, tombstones included. A major pass rewrites all segments into one and
// discards tombstones along with the cells they mask.
func (e *RegionEngine) Compact(ctx context.Context, major bool) error {
	if err := e.CheckStarted(); err != nil {
		return err
	}
	return e.compactor.runRequested(ctx, &CompactionRequest{Major: major})
}

// runRequested runs one on-demand compaction, refusing to overlap another.
func (cm *CompactionManager) runRequested(ctx context.Context, req *CompactionRequest) error {
	if !cm.active.CompareAndSwap(false, true) {
		return ErrCompactionInProgress
	}
	defer cm.active.Store(false)

	if cm.engine.isClosing.Load() {
		return ErrEngineClosed
	}
	cm.compactionWg.Add(1)
	defer cm.compactionWg.Done()

	return cm.runCompaction(ctx, req)
}

// performCompactionCycle checks whether enough segments have accumulated and
// runs a minor compaction if so.
func (cm *CompactionManager) performCompactionCycle() {
	cm.engine.mu.RLock()
	segmentCount := len(cm.engine.segments)
	cm.engine.mu.RUnlock()

	if segmentCount < cm.engine.opts.CompactionFanIn {
		cm.logger.Debug("No compaction needed in this cycle.", "segments", segmentCount, "fan_in", cm.engine.opts.CompactionFanIn)
		return
	}

	if !cm.active.CompareAndSwap(false, true) {
		cm.logger.Info("Skipping compaction cycle as one is already active.")
		return
	}
	defer cm.active.Store(false)

	cm.compactionWg.Add(1)
	defer cm.compactionWg.Done()

	cm.logger.Info("Segment count reached compaction fan-in, starting minor compaction.", "segments", segmentCount, "fan_in", cm.engine.opts.CompactionFanIn)
	if err := cm.runCompaction(context.Background(), &CompactionRequest{Major: false}); err != nil {
		cm.logger.Error("Scheduled minor compaction failed.", "error", err)
	}
}

// runCompaction merges the selected input segments into a single new segment,
// swaps it into the read path, and retires the inputs. The caller must hold
// the active flag.
func (cm *CompactionManager) runCompaction(parentCtx context.Context, req *CompactionRequest) (err error) {
	e := cm.engine
	kind := "minor"
	if req.Major {
		kind = "major"
	}

	ctx, span := e.tracer.Start(parentCtx, "CompactionManager.runCompaction")
	defer span.End()
	span.SetAttributes(attribute.String("compaction.kind", kind))

	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compaction_failed")
			e.metrics.CompactionErrorsTotal.Add(1)
		}
	}()

	if cm.diskUsageTooHigh() {
		span.SetAttributes(attribute.Bool("compaction.performed", false), attribute.String("compaction.skipped_reason", "disk_usage"))
		return nil
	}

	inputs := cm.selectInputs(req.Major)
	minInputs := 2
	if req.Major {
		minInputs = 1
	}
	if len(inputs) < minInputs {
		cm.logger.Info("Not enough segments to compact.", "kind", kind, "segments", len(inputs))
		span.SetAttributes(attribute.Bool("compaction.performed", false), attribute.String("compaction.skipped_reason", "not_enough_segments"))
		return nil
	}
	span.SetAttributes(attribute.Int("compaction.input_segments", len(inputs)))

	inputInfos := make([]hooks.SegmentInfo, len(inputs))
	var cellsIn, bytesIn int64
	for i, seg := range inputs {
		inputInfos[i] = hooks.SegmentInfo{ID: seg.ID(), Path: seg.FilePath(), Size: seg.Size(), Cells: int64(seg.CellCount())}
		cellsIn += int64(seg.CellCount())
		bytesIn += seg.Size()
	}

	if hookErr := e.hookManager.Trigger(ctx, hooks.NewPreCompactionEvent(hooks.PreCompactionPayload{Kind: kind, Inputs: inputInfos})); hookErr != nil {
		return fmt.Errorf("compaction cancelled by pre-hook: %w", hookErr)
	}

	startTime := e.clock.Now()
	var outputInfos []hooks.SegmentInfo
	var cellsOut, bytesOut int64
	defer func() {
		e.hookManager.Trigger(context.Background(), hooks.NewPostCompactionEvent(hooks.PostCompactionPayload{
			Kind:     kind,
			Inputs:   inputInfos,
			Outputs:  outputInfos,
			Duration: e.clock.Now().Sub(startTime),
			CellsIn:  cellsIn,
			CellsOut: cellsOut,
			BytesIn:  bytesIn,
			BytesOut: bytesOut,
			Error:    err,
		}))
	}()

	merged, err := cm.openMergedInputs(inputs)
	if err != nil {
		return err
	}

	var shaped core.CellIterator
	if len(e.wraps) > 0 {
		shaped, err = e.applyWraps(ctx, ScanContext{Stage: StageCompaction, Compaction: req}, merged)
		if err != nil {
			return fmt.Errorf("failed to wrap compaction stream: %w", err)
		}
	} else if req.Major {
		// A major pass sees every live cell, so tombstones and the cells
		// they mask can be dropped for good.
		shaped = iterator.NewVersionCapIterator(merged, core.AllVersions)
	} else {
		// A minor pass must keep tombstones: they can still mask cells in
		// segments outside this compaction.
		shaped = merged
	}

	output, err := cm.writeCompactedSegment(ctx, shaped)
	closeErr := shaped.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		cm.logger.Warn("Error closing compaction input stream.", "error", closeErr)
	}

	// Give hooks a chance to veto retiring the inputs before any state
	// changes. An error here aborts the whole pass and discards the output.
	for _, info := range inputInfos {
		if hookErr := e.hookManager.Trigger(ctx, hooks.NewPreSegmentDeleteEvent(info)); hookErr != nil {
			if output != nil {
				output.Close()
				os.Remove(output.FilePath())
			}
			return fmt.Errorf("compaction aborted by pre-delete hook for segment %d: %w", info.ID, hookErr)
		}
	}

	if output != nil {
		outputInfos = []hooks.SegmentInfo{{ID: output.ID(), Path: output.FilePath(), Size: output.Size(), Cells: int64(output.CellCount())}}
		cellsOut = int64(output.CellCount())
		bytesOut = output.Size()
		e.hookManager.Trigger(context.Background(), hooks.NewPostSegmentCreateEvent(outputInfos[0]))
	}

	manifestErr := cm.swapCompactedSegments(inputs, output)

	// The swap waited for every open scan to close, so the retired readers
	// are no longer referenced.
	for i, seg := range inputs {
		if segCloseErr := seg.Close(); segCloseErr != nil {
			cm.logger.Warn("Error closing retired segment.", "segment_id", inputInfos[i].ID, "error", segCloseErr)
		}
	}

	if manifestErr != nil {
		// Keep the retired files: a reload from the stale manifest must
		// still find them, and the loader removes them once a later
		// manifest write lands.
		cm.logger.Error("Failed to persist segment manifest after compaction; retired segment files stay on disk.", "error", manifestErr)
	} else {
		for _, info := range inputInfos {
			cm.logger.Info("Deleting retired segment file after compaction.", "segment_id", info.ID, "path", info.Path)
			if removeErr := os.Remove(info.Path); removeErr != nil {
				cm.logger.Warn("Failed to delete retired segment file; it will be removed on the next load.", "path", info.Path, "error", removeErr)
			}
			e.metrics.SegmentsDeletedTotal.Add(1)
		}
	}

	duration := e.clock.Now().Sub(startTime)
	e.metrics.CompactionsTotal.Add(1)
	observeLatency(e.metrics.CompactionLatencyHist, duration.Seconds())
	if output != nil {
		e.metrics.SegmentsCreatedTotal.Add(1)
		e.metrics.CompactionDataWrittenBytesTotal.Add(output.Size())
	}

	span.SetAttributes(
		attribute.Bool("compaction.performed", true),
		attribute.Int("compaction.output_segments", len(outputInfos)),
		attribute.Float64("compaction.duration_seconds", duration.Seconds()),
	)
	cm.logger.Info("Compaction completed.",
		"kind", kind,
		"input_segments", len(inputs),
		"output_segments", len(outputInfos),
		"cells_in", cellsIn,
		"cells_out", cellsOut,
		"duration_seconds", duration.Seconds(),
	)
	return nil
}

// selectInputs snapshots the segments to compact. Inputs are always the
// oldest prefix of the segment list: a minor pass takes up to fan-in
// segments, a major pass takes all of them.
func (cm *CompactionManager) selectInputs(major bool) []*segment.Reader {
	cm.engine.mu.RLock()
	defer cm.engine.mu.RUnlock()

	n := len(cm.engine.segments)
	if !major && n > cm.engine.opts.CompactionFanIn {
		n = cm.engine.opts.CompactionFanIn
	}
	inputs := make([]*segment.Reader, n)
	copy(inputs, cm.engine.segments[:n])
	return inputs
}

// diskUsageTooHigh reports whether the data volume is too full to safely
// write the compaction output ahead of deleting the inputs.
func (cm *CompactionManager) diskUsageTooHigh() bool {
	du, err := disk.Usage(cm.engine.opts.DataDir)
	if err != nil {
		cm.logger.Warn("Could not determine disk usage; proceeding with compaction.", "path", cm.engine.opts.DataDir, "error", err)
		return false
	}
	if du.UsedPercent > cm.engine.opts.CompactionMaxDiskUsagePercent {
		cm.logger.Warn("Disk usage exceeds compaction threshold; skipping compaction.",
			"used_percent", du.UsedPercent, "threshold_percent", cm.engine.opts.CompactionMaxDiskUsagePercent)
		return true
	}
	return false
}

// openMergedInputs opens one iterator per input segment, freshest first so
// exact full-key ties resolve to the newest copy, and merges them.
func (cm *CompactionManager) openMergedInputs(inputs []*segment.Reader) (core.CellIterator, error) {
	iters := make([]core.CellIterator, 0, len(inputs))
	for i := len(inputs) - 1; i >= 0; i-- {
		seg := inputs[i]
		iter, err := seg.NewIterator(nil, nil)
		if err != nil {
			for _, opened := range iters {
				opened.Close()
			}
			return nil, fmt.Errorf("failed to open iterator on segment %d: %w", seg.ID(), err)
		}
		iters = append(iters, iter)
		cm.engine.metrics.CompactionDataReadBytesTotal.Add(seg.Size())
	}
	return iterator.NewMergingIterator(iters)
}

// writeCompactedSegment drains the shaped cell stream into a new segment
// file and opens a reader for it. A stream that yields no cells produces no
// file and returns (nil, nil).
func (cm *CompactionManager) writeCompactedSegment(ctx context.Context, cells core.CellIterator) (*segment.Reader, error) {
	e := cm.engine
	fileID := e.GetNextSegmentID()

	_, span := e.tracer.Start(ctx, "CompactionManager.writeCompactedSegment")
	defer span.End()
	span.SetAttributes(attribute.Int64("segment.id", int64(fileID)))

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
		return nil, fmt.Errorf("failed to create segment writer: %w", err)
	}

	for cells.Next() {
		cell, cellErr := cells.At()
		if cellErr != nil {
			writer.Abort()
			return nil, cellErr
		}
		if addErr := writer.Add(cell); addErr != nil {
			writer.Abort()
			return nil, fmt.Errorf("failed to add cell to segment %d: %w", fileID, addErr)
		}
	}
	if iterErr := cells.Error(); iterErr != nil {
		writer.Abort()
		return nil, fmt.Errorf("compaction stream failed: %w", iterErr)
	}

	if writer.CellCount() == 0 {
		cm.logger.Info("Compaction produced no cells; skipping segment creation.", "segment_id", fileID)
		if abortErr := writer.Abort(); abortErr != nil {
			cm.logger.Warn("Failed to abort empty segment writer.", "error", abortErr)
		}
		return nil, nil
	}

	if finishErr := writer.Finish(); finishErr != nil {
		writer.Abort()
		return nil, fmt.Errorf("failed to finish segment %d: %w", fileID, finishErr)
	}

	reader, loadErr := segment.Load(segment.LoadOptions{
		FilePath:   writer.FilePath(),
		ID:         fileID,
		BlockCache: e.blockCache,
		Tracer:     e.tracer,
		Logger:     e.logger,
	})
	if loadErr != nil {
		os.Remove(writer.FilePath())
		return nil, fmt.Errorf("failed to load newly created segment %s: %w", writer.FilePath(), loadErr)
	}
	return reader, nil
}

// swapCompactedSegments replaces the input prefix of the segment list with
// the compaction output. Flushes only ever append, so the inputs are still
// the oldest prefix. The output takes the oldest position: every cell it
// holds predates whatever flushed while the compaction ran.
func (cm *CompactionManager) swapCompactedSegments(inputs []*segment.Reader, output *segment.Reader) error {
	e := cm.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	remaining := e.segments[len(inputs):]
	newSegments := make([]*segment.Reader, 0, len(remaining)+1)
	if output != nil {
		newSegments = append(newSegments, output)
	}
	newSegments = append(newSegments, remaining...)
	e.segments = newSegments

	return e.persistManifestLocked()
}

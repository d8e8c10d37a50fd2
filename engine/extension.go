package engine

import (
	"context"

	"github.com/INLOpen/flowbase/core"
)

// Stage identifies which engine pipeline a scan wrap is being applied to.
type Stage uint8

const (
	// StageRead wraps the scanner a Get or Scan drains.
	StageRead Stage = iota
	// StageFlush wraps the memstore iterator feeding a new segment.
	StageFlush
	// StageCompaction wraps the merged iterator feeding a compaction output.
	StageCompaction
)

func (s Stage) String() string {
	switch s {
	case StageRead:
		return "read"
	case StageFlush:
		return "flush"
	case StageCompaction:
		return "compaction"
	default:
		return "unknown"
	}
}

// CompactionRequest describes the compaction whose iterator is being
// wrapped. The ticker-driven cycle always requests a minor pass.
type CompactionRequest struct {
	// Major is true when every segment of the region participates.
	Major bool
}

// ScanContext tells a ScanWrap which pipeline it is wrapping.
type ScanContext struct {
	Stage Stage
	// Scan carries the effective options on StageRead; nil otherwise.
	Scan *core.ScanOptions
	// Compaction carries the request on StageCompaction; nil otherwise.
	Compaction *CompactionRequest
}

// WriteTransform rewrites a batch before it is applied. Transforms run in
// registration order; an error aborts the apply.
type WriteTransform func(ctx context.Context, batch *core.WriteBatch) error

// ScanPrepare adjusts scan options before the engine builds its scanner.
type ScanPrepare func(ctx context.Context, scan *core.ScanOptions) error

// ScanWrap replaces the iterator a pipeline drains. The wrap owns inner:
// closing the returned iterator must close it.
type ScanWrap func(ctx context.Context, sc ScanContext, inner core.CellIterator) (core.CellIterator, error)

// RawScannerFunc opens the engine's unshaped scanner: memstore and segments
// merged newest-source-first, every stored version included. The caller must
// close the returned iterator.
type RawScannerFunc func(ctx context.Context, scan *core.ScanOptions) (core.CellIterator, error)

// GetHandler may take over a point lookup. Returning handled=true
// short-circuits the engine's default lookup with the returned cells; an
// empty handled result means the row resolves to nothing.
type GetHandler func(ctx context.Context, req *core.GetRequest, raw RawScannerFunc) ([]*core.Cell, bool, error)

// RegisterWriteTransform adds a write transform. Registration is only
// allowed before Start.
func (e *RegionEngine) RegisterWriteTransform(t WriteTransform) error {
	if err := e.checkNotStarted(); err != nil {
		return err
	}
	e.transforms = append(e.transforms, t)
	return nil
}

// RegisterScanPrepare adds a scan prepare. Registration is only allowed
// before Start.
func (e *RegionEngine) RegisterScanPrepare(p ScanPrepare) error {
	if err := e.checkNotStarted(); err != nil {
		return err
	}
	e.prepares = append(e.prepares, p)
	return nil
}

// RegisterScanWrap adds a scan wrap for all stages; the wrap switches on
// ScanContext.Stage. Registration is only allowed before Start.
func (e *RegionEngine) RegisterScanWrap(w ScanWrap) error {
	if err := e.checkNotStarted(); err != nil {
		return err
	}
	e.wraps = append(e.wraps, w)
	return nil
}

// RegisterGetHandler adds a get handler. Registration is only allowed
// before Start.
func (e *RegionEngine) RegisterGetHandler(h GetHandler) error {
	if err := e.checkNotStarted(); err != nil {
		return err
	}
	e.getHandlers = append(e.getHandlers, h)
	return nil
}

// applyWraps threads an iterator through every registered scan wrap in
// registration order. On failure the current iterator is closed so the
// caller never leaks a half-built pipeline.
func (e *RegionEngine) applyWraps(ctx context.Context, sc ScanContext, iter core.CellIterator) (core.CellIterator, error) {
	for _, wrap := range e.wraps {
		wrapped, err := wrap(ctx, sc, iter)
		if err != nil {
			iter.Close()
			return nil, err
		}
		iter = wrapped
	}
	return iter, nil
}

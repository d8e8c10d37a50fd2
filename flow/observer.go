// Package flow coordinates the write, read, flush, and compaction paths of
// flow-run aggregate regions. An Observer attached to a region engine tags
// incoming cells with the aggregation operation named by the batch
// attributes, stamps them with collision-free timestamps, and threads every
// cell stream the engine materializes through an aggregating scanner running
// in the mode of the pipeline it serves. Regions of other tables are left
// entirely alone.
package flow

import (
	"context"
	"io"
	"log/slog"

	"github.com/INLOpen/flowbase/aggregators"
	"github.com/INLOpen/flowbase/core"
	"github.com/INLOpen/flowbase/engine"
	"github.com/INLOpen/flowbase/hooks"
	"github.com/INLOpen/flowbase/hooks/listeners"
	"github.com/INLOpen/flowbase/internal/clock"
)

// Config configures an Observer.
type Config struct {
	// Tables lists the flow-run table names. The observer only activates on
	// an engine whose region belongs to one of them.
	Tables []string
	// ReadQuantile is the quantile DIST columns report on reads. Values
	// outside (0, 1) fall back to aggregators.DefaultReadQuantile.
	ReadQuantile float64
	// Logger receives observer diagnostics. Nil discards them.
	Logger *slog.Logger
	// Clock seeds the timestamp generator. Nil uses the system clock.
	Clock clock.Clock
}

// Observer is the per-region coordination point for flow-run aggregation.
// One observer serves one engine; the flow-run gate is computed once at
// attach time and never changes afterward.
type Observer struct {
	isFlowRunRegion bool
	region          core.RegionInfo
	generator       *TimestampGenerator
	env             aggregators.Environment
	logger          *slog.Logger
}

// Attach builds an observer for the engine's region and, when the region
// belongs to a flow-run table, registers the observer's pipeline stages on
// the engine. Attach must run before the engine starts. On a region outside
// the configured tables no stage is registered at all, so the engine keeps
// its untouched default behavior.
func Attach(e *engine.RegionEngine, cfg Config) (*Observer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "FlowObserver")

	region := e.Region()
	o := &Observer{
		isFlowRunRegion: isFlowRunTable(region.Table, cfg.Tables),
		region:          region,
		generator:       NewTimestampGenerator(cfg.Clock),
		env: aggregators.Environment{
			Logger:       logger,
			ReadQuantile: cfg.ReadQuantile,
		},
		logger: logger,
	}
	if !o.isFlowRunRegion {
		o.logger.Info("Region is not part of a flow-run table, observer stays passive.", "region", region.String())
		return o, nil
	}

	if err := e.RegisterWriteTransform(o.transformBatch); err != nil {
		return nil, err
	}
	if err := e.RegisterScanPrepare(o.prepareScan); err != nil {
		return nil, err
	}
	if err := e.RegisterScanWrap(o.wrapScan); err != nil {
		return nil, err
	}
	if err := e.RegisterGetHandler(o.handleGet); err != nil {
		return nil, err
	}

	hookMgr := e.GetHookManager()
	hookMgr.Register(hooks.EventPostFlushMemstore, listeners.NewFlushStatsListener(o.logger))
	audit := listeners.NewCompactionAuditListener(o.logger)
	hookMgr.Register(hooks.EventPreCompaction, audit)
	hookMgr.Register(hooks.EventPostCompaction, audit)

	o.logger.Info("Flow observer attached.", "region", region.String())
	return o, nil
}

// IsFlowRunRegion reports whether the observer's region passed the gate.
func (o *Observer) IsFlowRunRegion() bool {
	return o.isFlowRunRegion
}

func isFlowRunTable(table string, tables []string) bool {
	for _, t := range tables {
		if table == t {
			return true
		}
	}
	return false
}

// transformBatch is the engine's write transform. Batches without attributes
// pass through untouched; otherwise the attributes convert to one shared tag
// slice attached to every rebuilt upsert cell, and cells still carrying the
// LatestTimestamp sentinel get a generated timestamp. Tombstones are stamped
// but never tagged: they carry no aggregation state to describe.
func (o *Observer) transformBatch(_ context.Context, batch *core.WriteBatch) error {
	if !o.isFlowRunRegion {
		return nil
	}
	attrs := batch.Attributes()
	if len(attrs) == 0 {
		return nil
	}
	tags, err := TagsFromAttributes(attrs)
	if err != nil {
		return err
	}

	families := batch.Families()
	rebuilt := make(map[string][]*core.Cell, len(families))
	for _, family := range families {
		cells := batch.Cells(family)
		out := make([]*core.Cell, 0, len(cells))
		for _, cell := range cells {
			ts := cell.Timestamp
			if ts == core.LatestTimestamp {
				ts = o.generator.Next()
			}
			next := &core.Cell{
				Row:       cell.Row,
				Family:    cell.Family,
				Qualifier: cell.Qualifier,
				Timestamp: ts,
				Kind:      cell.Kind,
				Value:     cell.Value,
			}
			if cell.Kind == core.CellPut {
				next.Tags = tags
			}
			out = append(out, next)
		}
		rebuilt[family] = out
	}
	batch.SetFamilyCellMap(rebuilt)
	return nil
}

// prepareScan forces full version retention on read scans. Aggregation folds
// the versions itself; a pre-capped scan would hide contributions from the
// fold.
func (o *Observer) prepareScan(_ context.Context, scan *core.ScanOptions) error {
	if !o.isFlowRunRegion {
		return nil
	}
	scan.MaxVersions = core.AllVersions
	return nil
}

// wrapScan threads the engine's cell streams through an aggregation pass in
// the mode matching the pipeline: reads fold to final values, flushes and
// minor compactions keep folds resumable, major compactions finalize.
func (o *Observer) wrapScan(_ context.Context, sc engine.ScanContext, inner core.CellIterator) (core.CellIterator, error) {
	if !o.isFlowRunRegion {
		return inner, nil
	}
	var mode aggregators.Mode
	switch sc.Stage {
	case engine.StageRead:
		mode = aggregators.ModeRead
	case engine.StageFlush:
		mode = aggregators.ModeFlush
	case engine.StageCompaction:
		mode = aggregators.ModeMinorCompaction
		if sc.Compaction != nil && sc.Compaction.Major {
			mode = aggregators.ModeMajorCompaction
		}
		o.logger.Info("Wrapping compaction stream for aggregation.", "region", o.region.String(), "mode", mode.String())
	default:
		return inner, nil
	}
	return aggregators.NewScanner(o.env, sc.Scan, inner, mode)
}

// handleGet serves point lookups. The request derives a single-row scan with
// full version retention, the engine's raw scanner feeds a read-mode
// aggregation pass, and the aggregated row is drained and returned in place
// of the engine's default newest-version lookup.
func (o *Observer) handleGet(ctx context.Context, req *core.GetRequest, raw engine.RawScannerFunc) ([]*core.Cell, bool, error) {
	if !o.isFlowRunRegion {
		return nil, false, nil
	}
	scan := req.ScanForRow()
	scan.MaxVersions = core.AllVersions

	inner, err := raw(ctx, scan)
	if err != nil {
		return nil, false, err
	}
	scanner, err := aggregators.NewScanner(o.env, scan, inner, aggregators.ModeRead)
	if err != nil {
		inner.Close()
		return nil, false, err
	}
	defer scanner.Close()

	var cells []*core.Cell
	for scanner.Next() {
		cell, err := scanner.At()
		if err != nil {
			return nil, false, err
		}
		cells = append(cells, cell)
	}
	if err := scanner.Error(); err != nil {
		return nil, false, err
	}
	return cells, true, nil
}

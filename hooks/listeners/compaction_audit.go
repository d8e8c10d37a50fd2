package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/flowbase/hooks"
)

var (
	compactionMetricsOnce  sync.Once
	compactionBytesRead    *expvar.Int
	compactionBytesWritten *expvar.Int
	compactionEvents       *expvar.Int
	compactionMajorEvents  *expvar.Int
)

func initCompactionMetrics() {
	compactionMetricsOnce.Do(func() {
		compactionBytesRead = expvar.NewInt("engine_compaction_bytes_read_total")
		compactionBytesWritten = expvar.NewInt("engine_compaction_bytes_written_total")
		compactionEvents = expvar.NewInt("engine_compaction_events_total")
		compactionMajorEvents = expvar.NewInt("engine_compaction_major_events_total")
		// Write amplification across all compactions so far.
		expvar.Publish("engine_compaction_waf", expvar.Func(func() interface{} {
			read := compactionBytesRead.Value()
			if read == 0 {
				return 0.0
			}
			return float64(compactionBytesWritten.Value()) / float64(read)
		}))
	})
}

// CompactionAuditListener records how every compaction was classified and
// how much data it moved. Rewrites that ran as minor keep their full version
// history, so an unexpected minor/major split shows up here first.
type CompactionAuditListener struct {
	logger *slog.Logger

	bytesRead    *expvar.Int
	bytesWritten *expvar.Int
	events       *expvar.Int
	majorEvents  *expvar.Int
}

// NewCompactionAuditListener creates a new listener.
func NewCompactionAuditListener(logger *slog.Logger) *CompactionAuditListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initCompactionMetrics()
	return &CompactionAuditListener{
		logger:       logger.With("component", "CompactionAuditListener"),
		bytesRead:    compactionBytesRead,
		bytesWritten: compactionBytesWritten,
		events:       compactionEvents,
		majorEvents:  compactionMajorEvents,
	}
}

// OnEvent handles PreCompaction and PostCompaction events.
func (l *CompactionAuditListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch payload := event.Payload().(type) {
	case hooks.PreCompactionPayload:
		var planned int64
		for _, seg := range payload.Inputs {
			planned += seg.Size
		}
		l.logger.Info("Compaction starting",
			"kind", payload.Kind,
			"input_segments", len(payload.Inputs),
			"input_bytes", planned,
		)
	case hooks.PostCompactionPayload:
		var bytesRead int64
		for _, seg := range payload.Inputs {
			bytesRead += seg.Size
		}
		var bytesWritten int64
		for _, seg := range payload.Outputs {
			bytesWritten += seg.Size
		}

		l.bytesRead.Add(bytesRead)
		l.bytesWritten.Add(bytesWritten)
		l.events.Add(1)
		if payload.Kind == "major" {
			l.majorEvents.Add(1)
		}

		if payload.Error != nil {
			l.logger.Error("Compaction failed",
				"kind", payload.Kind,
				"error", payload.Error,
			)
			return nil
		}
		l.logger.Info("Compaction event processed",
			"kind", payload.Kind,
			"bytes_read", bytesRead,
			"bytes_written", bytesWritten,
			"cells_in", payload.CellsIn,
			"cells_out", payload.CellsOut,
			"duration", payload.Duration,
		)
	}
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *CompactionAuditListener) Priority() int {
	return 100
}

// IsAsync indicates this listener can run in the background.
func (l *CompactionAuditListener) IsAsync() bool {
	return true
}

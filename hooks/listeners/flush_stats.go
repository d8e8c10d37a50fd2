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
	// sync.Once keeps these expvars registered exactly once, making
	// NewFlushStatsListener idempotent.
	flushMetricsOnce sync.Once
	flushEvents      *expvar.Int
	flushBytesTotal  *expvar.Int
	flushCellsTotal  *expvar.Int
)

func initFlushMetrics() {
	flushMetricsOnce.Do(func() {
		flushEvents = expvar.NewInt("engine_flush_events_total")
		flushBytesTotal = expvar.NewInt("engine_flush_bytes_total")
		flushCellsTotal = expvar.NewInt("engine_flush_cells_total")
		// Recomputed by the metrics endpoint on each scrape.
		expvar.Publish("engine_flush_avg_segment_bytes", expvar.Func(func() interface{} {
			events := flushEvents.Value()
			if events == 0 {
				return 0.0
			}
			return float64(flushBytesTotal.Value()) / float64(events)
		}))
	})
}

// FlushStatsListener aggregates memstore flush throughput into expvars and
// logs one line per flushed segment.
type FlushStatsListener struct {
	logger *slog.Logger

	flushEvents     *expvar.Int
	flushBytesTotal *expvar.Int
	flushCellsTotal *expvar.Int
}

// NewFlushStatsListener creates a new listener.
func NewFlushStatsListener(logger *slog.Logger) *FlushStatsListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initFlushMetrics()
	return &FlushStatsListener{
		logger:          logger.With("component", "FlushStatsListener"),
		flushEvents:     flushEvents,
		flushBytesTotal: flushBytesTotal,
		flushCellsTotal: flushCellsTotal,
	}
}

// OnEvent is called when a PostFlushMemstore event is triggered.
func (l *FlushStatsListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostFlushMemstorePayload)
	if !ok {
		// This listener only cares about PostFlushMemstore events.
		return nil
	}

	l.flushEvents.Add(1)
	l.flushBytesTotal.Add(payload.Segment.Size)
	l.flushCellsTotal.Add(payload.Segment.Cells)

	l.logger.Info("Flush event processed",
		"segment_id", payload.Segment.ID,
		"segment_bytes", payload.Segment.Size,
		"cells", payload.Segment.Cells,
		"duration", payload.Duration,
	)
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *FlushStatsListener) Priority() int {
	return 100
}

// IsAsync indicates this listener can run in the background.
func (l *FlushStatsListener) IsAsync() bool {
	return true
}

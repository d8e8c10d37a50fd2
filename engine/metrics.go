package engine

import (
	"expvar"
	"fmt"
)

// Metrics holds all expvar variables for a RegionEngine instance.
type Metrics struct {
	PublishedGlobally bool // Indicates if the metrics are published to the global expvar namespace.

	PutsTotal             *expvar.Int
	PutErrorsTotal        *expvar.Int
	GetsTotal             *expvar.Int
	ScansTotal            *expvar.Int
	FlushesTotal          *expvar.Int
	CompactionsTotal      *expvar.Int
	CompactionErrorsTotal *expvar.Int
	SegmentsCreatedTotal  *expvar.Int
	SegmentsDeletedTotal  *expvar.Int

	FlushCellsTotal *expvar.Int
	FlushBytesTotal *expvar.Int

	CompactionDataReadBytesTotal    *expvar.Int
	CompactionDataWrittenBytesTotal *expvar.Int

	GetLatencyHist        *expvar.Map
	ScanLatencyHist       *expvar.Map
	ApplyLatencyHist      *expvar.Map
	FlushLatencyHist      *expvar.Map
	CompactionLatencyHist *expvar.Map

	CacheHits   *expvar.Int
	CacheMisses *expvar.Int
}

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// NewMetrics creates and initializes a Metrics struct. When publishGlobally
// is set, the variables register in the process-wide expvar namespace under
// the given prefix; otherwise they stay private to the engine, which keeps
// parallel test engines from colliding.
func NewMetrics(publishGlobally bool, prefix string) *Metrics {
	var newIntFunc func(string) *expvar.Int
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newMapFunc = publishExpvarMap
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	m := &Metrics{
		PublishedGlobally:     publishGlobally,
		PutsTotal:             newIntFunc(prefix + "puts_total"),
		PutErrorsTotal:        newIntFunc(prefix + "put_errors_total"),
		GetsTotal:             newIntFunc(prefix + "gets_total"),
		ScansTotal:            newIntFunc(prefix + "scans_total"),
		FlushesTotal:          newIntFunc(prefix + "flushes_total"),
		CompactionsTotal:      newIntFunc(prefix + "compactions_total"),
		CompactionErrorsTotal: newIntFunc(prefix + "compaction_errors_total"),
		SegmentsCreatedTotal:  newIntFunc(prefix + "segments_created_total"),
		SegmentsDeletedTotal:  newIntFunc(prefix + "segments_deleted_total"),

		FlushCellsTotal: newIntFunc(prefix + "flush_cells_total"),
		FlushBytesTotal: newIntFunc(prefix + "flush_bytes_total"),

		CompactionDataReadBytesTotal:    newIntFunc(prefix + "compaction_data_read_bytes_total"),
		CompactionDataWrittenBytesTotal: newIntFunc(prefix + "compaction_data_written_bytes_total"),

		GetLatencyHist:        newMapFunc(prefix + "get_latency_seconds"),
		ScanLatencyHist:       newMapFunc(prefix + "scan_latency_seconds"),
		ApplyLatencyHist:      newMapFunc(prefix + "apply_latency_seconds"),
		FlushLatencyHist:      newMapFunc(prefix + "flush_latency_seconds"),
		CompactionLatencyHist: newMapFunc(prefix + "compaction_latency_seconds"),

		CacheHits:   newIntFunc(prefix + "cache_hits"),
		CacheMisses: newIntFunc(prefix + "cache_misses"),
	}

	histMaps := []*expvar.Map{
		m.GetLatencyHist, m.ScanLatencyHist, m.ApplyLatencyHist,
		m.FlushLatencyHist, m.CompactionLatencyHist,
	}
	for _, hist := range histMaps {
		hist.Set("count", new(expvar.Int))
		hist.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			hist.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
		}
		hist.Set("le_inf", new(expvar.Int))
	}
	return m
}

// observeLatency records the duration in the provided histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if countVar := histMap.Get("count"); countVar != nil {
		if countInt, ok := countVar.(*expvar.Int); ok {
			countInt.Add(1)
		}
	}
	if sumVar := histMap.Get("sum"); sumVar != nil {
		if sumFloat, ok := sumVar.(*expvar.Float); ok {
			sumFloat.Add(durationSeconds)
		}
	}

	// Cumulative histogram: an observation counts toward every bucket whose
	// bound it fits under.
	for _, b := range latencyBuckets {
		if durationSeconds <= b {
			if bucketVar := histMap.Get(fmt.Sprintf("le_%.3f", b)); bucketVar != nil {
				if bucketInt, ok := bucketVar.(*expvar.Int); ok {
					bucketInt.Add(1)
				}
			}
		}
	}
	if infVar := histMap.Get("le_inf"); infVar != nil {
		if infInt, ok := infVar.(*expvar.Int); ok {
			infInt.Add(1)
		}
	}
}

// publishExpvarInt publishes an expvar.Int, reusing and resetting an existing
// variable of the same name. A name collision with a different type panics.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarMap publishes an expvar.Map, reusing an existing variable of
// the same name. NewMetrics resets its sub-metrics afterwards.
func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}

// publishExpvarFunc publishes a gauge backed by f. Funcs cannot be replaced
// once published, so a name that already exists is left untouched.
func publishExpvarFunc(name string, f func() interface{}) {
	if expvar.Get(name) == nil {
		expvar.Publish(name, expvar.Func(f))
	}
}

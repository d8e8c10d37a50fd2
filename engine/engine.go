package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/flowbase/cache"
	"github.com/INLOpen/flowbase/compressors"
	"github.com/INLOpen/flowbase/core"
	"github.com/INLOpen/flowbase/hooks"
	"github.com/INLOpen/flowbase/internal/clock"
	"github.com/INLOpen/flowbase/internal/fslock"
	"github.com/INLOpen/flowbase/memstore"
	"github.com/INLOpen/flowbase/segment"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrEngineClosed         = errors.New("engine is closed or not started")
	ErrEngineAlreadyStarted = errors.New("engine is already started")
	ErrFlushInProgress      = errors.New("a forced flush is already in progress")
	ErrCompactionInProgress = errors.New("a compaction is already in progress")
)

const (
	DefaultMemstoreThreshold             = 4 * 1024 * 1024
	DefaultCompactionFanIn               = 4
	DefaultCompactionMaxDiskUsagePercent = 90.0
)

// RegionOptions configures a RegionEngine.
type RegionOptions struct {
	DataDir string

	// Region names the table slice this engine serves. Observers read it
	// through Region() to decide whether their extension stages apply; the
	// engine itself only logs it.
	Region core.RegionInfo

	MemstoreThreshold    int64
	FlushInterval        time.Duration
	BlockSize            int
	RestartPointInterval int
	Compressor           core.Compressor
	BlockCacheCapacity   int

	CompactionInterval            time.Duration
	CompactionFanIn               int
	CompactionMaxDiskUsagePercent float64

	Metrics        *Metrics
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Clock          clock.Clock
}

// RegionEngine stores multi-version cells for one region: writes land in a
// memstore, full memstores flush to immutable segment files, and a background
// compactor folds old segments together. Extension stages registered before
// Start observe and reshape every write, read, flush, and compaction.
type RegionEngine struct {
	opts RegionOptions
	mu   sync.RWMutex

	nextSegmentID atomic.Uint64
	isStarted     atomic.Bool
	isClosing     atomic.Bool

	memstore   *memstore.MemStore
	flushQueue []*memstore.MemStore

	// segments is ordered oldest to freshest. Scans feed the merging
	// iterator freshest first so full-key ties resolve to the newest write.
	segments []*segment.Reader

	blockCache cache.Interface[[]byte]
	compactor  *CompactionManager

	stateLoader *StateLoader

	transforms  []WriteTransform
	prepares    []ScanPrepare
	wraps       []ScanWrap
	getHandlers []GetHandler

	flushChan      chan struct{}
	forceFlushChan chan chan error
	shutdownChan   chan struct{}
	wg             sync.WaitGroup
	logger         *slog.Logger

	tracer trace.Tracer

	segDir      string
	releaseLock func() error

	engineStartTime time.Time
	metrics         *Metrics
	hookManager     hooks.HookManager

	clock clock.Clock
}

// NewRegionEngine validates the options, fills in defaults, and prepares the
// data directories. The engine does not accept traffic until Start.
func NewRegionEngine(opts RegionOptions) (*RegionEngine, error) {
	var logger *slog.Logger
	if opts.Logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})).With("component", "RegionEngine")
	} else {
		logger = opts.Logger.With("component", "RegionEngine")
	}
	if opts.Region.Table != "" {
		logger = logger.With("region", opts.Region.String())
	}

	var clk clock.Clock
	if opts.Clock == nil {
		clk = clock.SystemClockDefault
	} else {
		clk = opts.Clock
	}

	if opts.MemstoreThreshold <= 0 {
		opts.MemstoreThreshold = DefaultMemstoreThreshold
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = segment.DefaultBlockSize
	}
	if opts.RestartPointInterval <= 0 {
		opts.RestartPointInterval = segment.DefaultRestartPointInterval
	}
	if opts.CompactionFanIn < 2 {
		opts.CompactionFanIn = DefaultCompactionFanIn
	}
	if opts.CompactionMaxDiskUsagePercent > 100 {
		logger.Warn("Compaction disk usage threshold must be between 0 and 100. Defaulting to 90.")
		opts.CompactionMaxDiskUsagePercent = DefaultCompactionMaxDiskUsagePercent
	} else if opts.CompactionMaxDiskUsagePercent <= 0 {
		opts.CompactionMaxDiskUsagePercent = DefaultCompactionMaxDiskUsagePercent
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewNoCompressionCompressor()
	}

	e := &RegionEngine{
		opts:            opts,
		flushQueue:      make([]*memstore.MemStore, 0),
		engineStartTime: clk.Now(),
		logger:          logger,
		metrics:         opts.Metrics,
		hookManager:     hooks.NewHookManager(logger.With("component", "HookManager")),
		clock:           clk,
		segDir:          filepath.Join(opts.DataDir, "segments"),
	}

	if opts.TracerProvider != nil {
		e.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/flowbase/engine")
	} else {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}

	e.stateLoader = NewStateLoader(e)

	if err := e.initializeDirectories(); err != nil {
		return nil, fmt.Errorf("failed to initialize directories: %w", err)
	}

	return e, nil
}

// Start acquires the data directory lock, loads persisted segments, and
// launches the flush and compaction services.
func (e *RegionEngine) Start() (err error) {
	if err := e.hookManager.Trigger(context.Background(), hooks.NewPreStartEngineEvent()); err != nil {
		return fmt.Errorf("engine start cancelled by pre-hook: %w", err)
	}

	if !e.isStarted.CompareAndSwap(false, true) {
		return ErrEngineAlreadyStarted
	}
	e.isClosing.Store(false)
	defer func() {
		if err != nil {
			if e.releaseLock != nil {
				_ = e.releaseLock()
				e.releaseLock = nil
			}
			e.isStarted.Store(false)
		}
	}()

	testFilePath := filepath.Join(e.opts.DataDir, ".writable_test")
	if testFile, testErr := os.Create(testFilePath); testErr != nil {
		e.logger.Error("Data directory is not writable.", "path", e.opts.DataDir, "error", testErr)
		return fmt.Errorf("data directory %s is not writable: %w", e.opts.DataDir, testErr)
	} else {
		_ = testFile.Close()
		_ = os.Remove(testFilePath)
	}

	release, lockErr := fslock.Acquire(filepath.Join(e.opts.DataDir, core.LockFileName))
	if lockErr != nil {
		e.logger.Error("Failed to acquire data directory lock.", "path", e.opts.DataDir, "error", lockErr)
		return lockErr
	}
	e.releaseLock = release

	e.initializeMetrics()
	e.initializeStoreComponents()

	if err := e.stateLoader.Load(); err != nil {
		e.logger.Error("Failed to load engine state.", "error", err)
		return err
	}

	e.flushChan = make(chan struct{}, 1)
	e.forceFlushChan = make(chan chan error)
	e.shutdownChan = make(chan struct{})

	e.wg.Add(1)
	go e.flushLoop()
	e.compactor.Start(&e.wg)

	e.logger.Info("RegionEngine background services started.", "data_dir", e.opts.DataDir)

	e.hookManager.Trigger(context.Background(), hooks.NewPostStartEngineEvent())
	return nil
}

func (e *RegionEngine) initializeDirectories() error {
	if e.opts.DataDir == "" {
		return fmt.Errorf("data directory must be specified")
	}

	info, err := os.Stat(e.opts.DataDir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("data directory %s exists but is not a directory", e.opts.DataDir)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat data directory %s: %w", e.opts.DataDir, err)
	}
	if err := os.MkdirAll(e.opts.DataDir, 0755); err != nil {
		e.logger.Error("failed to create data directory", "path", e.opts.DataDir, "error", err)
		return fmt.Errorf("failed to create data directory %s: %w", e.opts.DataDir, err)
	}
	if err := os.MkdirAll(e.segDir, 0755); err != nil {
		e.logger.Error("failed to create segment directory", "path", e.segDir, "error", err)
		return fmt.Errorf("failed to create segment directory %s: %w", e.segDir, err)
	}
	return nil
}

func (e *RegionEngine) initializeMetrics() {
	if e.metrics == nil {
		e.metrics = NewMetrics(true, "engine_")
	}

	if e.metrics.PublishedGlobally {
		publishExpvarFunc("engine_cache_hit_rate", func() interface{} {
			if e.blockCache == nil {
				return 0.0
			}
			return e.blockCache.GetHitRate()
		})
		publishExpvarFunc("engine_memstore_size_bytes", func() interface{} {
			e.mu.RLock()
			defer e.mu.RUnlock()
			if e.memstore == nil {
				return 0
			}
			return e.memstore.Size()
		})
		publishExpvarFunc("engine_flush_queue_length", func() interface{} {
			e.mu.RLock()
			defer e.mu.RUnlock()
			return len(e.flushQueue)
		})
		publishExpvarFunc("engine_segment_count", func() interface{} {
			e.mu.RLock()
			defer e.mu.RUnlock()
			return len(e.segments)
		})
		publishExpvarFunc("engine_uptime_seconds", func() interface{} {
			if e.engineStartTime.IsZero() {
				return 0.0
			}
			return e.clock.Now().Sub(e.engineStartTime).Seconds()
		})
	}
}

func (e *RegionEngine) initializeStoreComponents() {
	e.memstore = memstore.NewMemStore(e.opts.MemstoreThreshold, e.clock)

	onEvictedWithHook := func(key string, _ []byte) {
		e.hookManager.Trigger(context.Background(), hooks.NewOnCacheEvictionEvent(hooks.CachePayload{Key: key}))
	}
	onHitWithHook := func(key string) {
		e.hookManager.Trigger(context.Background(), hooks.NewOnCacheHitEvent(hooks.CachePayload{Key: key}))
	}
	onMissWithHook := func(key string) {
		e.hookManager.Trigger(context.Background(), hooks.NewOnCacheMissEvent(hooks.CachePayload{Key: key}))
	}
	e.blockCache = cache.NewLRUCache[[]byte](
		e.opts.BlockCacheCapacity,
		onEvictedWithHook,
		onHitWithHook,
		onMissWithHook,
	)
	e.blockCache.SetMetrics(e.metrics.CacheHits, e.metrics.CacheMisses)

	e.compactor = NewCompactionManager(e)
}

// Close drains background services, flushes whatever is still in memory, and
// releases the data directory lock. It is safe to call more than once.
func (e *RegionEngine) Close() error {
	if !e.isStarted.Load() {
		e.logger.Info("Close called on a non-running or already closed engine.")
		return nil
	}
	if err := e.hookManager.Trigger(context.Background(), hooks.NewPreCloseEngineEvent()); err != nil {
		return fmt.Errorf("engine close cancelled by pre-hook: %w", err)
	}

	if !e.isClosing.CompareAndSwap(false, true) {
		e.logger.Info("Close operation already in progress.")
		return nil
	}

	close(e.shutdownChan)
	e.compactor.Stop()
	e.wg.Wait()

	e.hookManager.Stop()

	var closeErr error
	closeErr = errors.Join(closeErr, e.flushRemaining())
	closeErr = errors.Join(closeErr, e.closeSegments())

	if e.releaseLock != nil {
		closeErr = errors.Join(closeErr, e.releaseLock())
		e.releaseLock = nil
	}

	if closeErr != nil {
		return fmt.Errorf("errors during close: %w", closeErr)
	}

	e.isStarted.Store(false)
	e.hookManager.Trigger(context.Background(), hooks.NewPostCloseEngineEvent())

	e.logger.Info("Shutdown complete.")
	return nil
}

func (e *RegionEngine) closeSegments() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	for _, seg := range e.segments {
		err = errors.Join(err, seg.Close())
	}
	e.segments = nil
	return err
}

// CheckStarted reports whether the engine is accepting traffic.
func (e *RegionEngine) CheckStarted() error {
	if !e.isStarted.Load() {
		return ErrEngineClosed
	}
	return nil
}

// checkNotStarted gates configuration that must happen before Start.
func (e *RegionEngine) checkNotStarted() error {
	if e.isStarted.Load() {
		return ErrEngineAlreadyStarted
	}
	return nil
}

// GetNextSegmentID hands out the next segment file ID.
func (e *RegionEngine) GetNextSegmentID() uint64 {
	if err := e.CheckStarted(); err != nil {
		panic(fmt.Errorf("GetNextSegmentID called on a non-running engine: %w", err))
	}
	return e.nextSegmentID.Add(1)
}

// Region reports the table slice this engine serves.
func (e *RegionEngine) Region() core.RegionInfo {
	return e.opts.Region
}

func (e *RegionEngine) GetDataDir() string {
	if e == nil || e.opts.DataDir == "" {
		return ""
	}
	return e.opts.DataDir
}

func (e *RegionEngine) GetHookManager() hooks.HookManager {
	return e.hookManager
}

// TriggerCompaction nudges the compaction service to run a check now.
func (e *RegionEngine) TriggerCompaction() {
	if e.compactor != nil {
		e.compactor.Trigger()
	}
}

func (e *RegionEngine) Metrics() (*Metrics, error) {
	if err := e.CheckStarted(); err != nil {
		return nil, err
	}
	return e.metrics, nil
}

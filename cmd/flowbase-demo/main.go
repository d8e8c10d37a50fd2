// Command flowbase-demo runs a scripted session against a single flow-run
// region: it writes the metrics of a few finished applications, flushes and
// compacts the region, and prints the aggregated flow-run row after each
// step.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/INLOpen/flowbase/aggregators"
	"github.com/INLOpen/flowbase/compressors"
	"github.com/INLOpen/flowbase/config"
	"github.com/INLOpen/flowbase/core"
	"github.com/INLOpen/flowbase/debugserver"
	"github.com/INLOpen/flowbase/engine"
	"github.com/INLOpen/flowbase/flow"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file // The file handle is the closer.
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// It sets up an exporter based on the configuration to send traces to a collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("flowbase")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}

	return tp, cleanup, nil
}

// buildCompressor maps the configured compression name to a block compressor.
func buildCompressor(name string, logger *slog.Logger) (core.Compressor, error) {
	switch strings.ToLower(name) {
	case "lz4":
		logger.Info("Using LZ4 compression for segments.")
		return compressors.NewLZ4Compressor(), nil
	case "zstd":
		logger.Info("Using ZSTD compression for segments.")
		return compressors.NewZstdCompressor()
	case "snappy":
		logger.Info("Using Snappy compression for segments.")
		return compressors.NewSnappyCompressor(), nil
	case "none":
		logger.Info("Using no compression for segments.")
		return compressors.NewNoCompressionCompressor(), nil
	default:
		return nil, fmt.Errorf("invalid compression value: %q", name)
	}
}

// appRun is one finished application attempt contributing to the flow run.
type appRun struct {
	id        string
	cpuMillis float64
	memMBPeak float64
	costUnits float64
	latencyMS float64
	status    float64
}

// writeApp records one application's metrics. Each aggregation operation
// travels in its own batch because a batch carries exactly one attribute set.
func writeApp(ctx context.Context, e *engine.RegionEngine, row []byte, app appRun) error {
	batches := []struct {
		family    string
		qualifier string
		value     float64
		op        string
	}{
		{"m", "cpu_ms", app.cpuMillis, "SUM"},
		{"m", "mem_mb_peak", app.memMBPeak, "MAX"},
		{"m", "cost_units", app.costUnits, "SUM_FINAL"},
		{"m", "latency_ms", app.latencyMS, "DIST"},
		{"i", "status", app.status, "LATEST"},
	}
	for _, b := range batches {
		batch := core.NewWriteBatch(row).
			Add(b.family, []byte(b.qualifier), core.EncodeMetricValue(b.value)).
			SetAttribute(b.op, nil).
			SetAttribute(flow.AttrApplicationID, []byte(app.id))
		if err := e.Apply(ctx, batch); err != nil {
			return fmt.Errorf("failed to write %s for %s: %w", b.qualifier, app.id, err)
		}
	}
	return nil
}

// printRow fetches and prints the aggregated flow-run row.
func printRow(ctx context.Context, e *engine.RegionEngine, row []byte, heading string) error {
	cells, err := e.Get(ctx, &core.GetRequest{Row: row})
	if err != nil {
		return fmt.Errorf("failed to read flow-run row: %w", err)
	}

	fmt.Printf("\n=== %s ===\n", heading)
	fmt.Printf("row %s\n", row)
	for _, cell := range cells {
		value, decodeErr := core.DecodeMetricValue(cell.Value)
		if decodeErr != nil {
			return fmt.Errorf("failed to decode %s:%s: %w", cell.Family, cell.Qualifier, decodeErr)
		}
		var lastApp string
		for _, tag := range cell.Tags {
			if tag.Type == aggregators.TagTypeCompactionDimension {
				lastApp = string(tag.Value)
			}
		}
		issuedAt := time.UnixMilli(flow.WallMillis(cell.Timestamp)).UTC()
		fmt.Printf("  %s:%-12s = %12.2f  op=%-9s last_app=%-8s issued=%s\n",
			cell.Family, cell.Qualifier, value,
			aggregators.OpFromTags(cell.Tags), lastApp,
			issuedAt.Format(time.RFC3339))
	}
	return nil
}

// runSession drives the scripted write, flush, compact and read sequence.
func runSession(ctx context.Context, e *engine.RegionEngine, logger *slog.Logger) error {
	row := []byte("cluster!alice!nightly-etl!1693000000")
	apps := []appRun{
		{id: "app_0001", cpuMillis: 48_200, memMBPeak: 812, costUnits: 3.10, latencyMS: 95, status: 1},
		{id: "app_0002", cpuMillis: 61_750, memMBPeak: 1_024, costUnits: 4.25, latencyMS: 142, status: 1},
		{id: "app_0003", cpuMillis: 55_310, memMBPeak: 968, costUnits: 3.80, latencyMS: 88, status: 2},
	}

	for i, app := range apps {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.Info("Writing application metrics.", "app", app.id)
		if err := writeApp(ctx, e, row, app); err != nil {
			return err
		}
		// Flush between applications so the run spans several segments and
		// the compaction step has files to merge.
		if i < len(apps)-1 {
			if err := e.ForceFlush(ctx, true); err != nil {
				return fmt.Errorf("flush failed: %w", err)
			}
		}
	}

	if err := printRow(ctx, e, row, "aggregated read across memstore and segments"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.ForceFlush(ctx, true); err != nil {
		return fmt.Errorf("final flush failed: %w", err)
	}
	logger.Info("Running major compaction.")
	if err := e.Compact(ctx, true); err != nil {
		return fmt.Errorf("major compaction failed: %w", err)
	}

	return printRow(ctx, e, row, "aggregated read after major compaction")
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if cfg.Engine.DataDir == "" {
		logger.Error("Engine data_dir must be specified in the configuration file.")
		os.Exit(1)
	}
	logger.Info("Using data directory", "path", cfg.Engine.DataDir)

	compressor, err := buildCompressor(cfg.Engine.Compression, logger)
	if err != nil {
		logger.Error("Invalid compression value in config.", "error", err)
		os.Exit(1)
	}

	if cfg.Debug.Enabled {
		dbg := debugserver.NewServer(&cfg.Debug, logger)
		go func() {
			if err := dbg.Start(); err != nil {
				logger.Error("Failed to start debug server", "error", err)
			}
		}()
		defer dbg.Stop()

		collector := debugserver.NewSystemCollector(cfg.Engine.DataDir, 15*time.Second, logger)
		collector.Start()
		defer collector.Stop()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}
	defer tracerCleanup()

	table := "timeline.flowrun"
	if len(cfg.Flow.Tables) > 0 {
		table = cfg.Flow.Tables[0]
	}

	e, err := engine.NewRegionEngine(engine.RegionOptions{
		DataDir:              cfg.Engine.DataDir,
		Region:               core.RegionInfo{Table: table, Region: "0001"},
		MemstoreThreshold:    cfg.Engine.MemstoreThresholdBytes,
		FlushInterval:        config.ParseDuration(cfg.Engine.FlushInterval, 0, logger),
		BlockSize:            cfg.Engine.BlockSizeBytes,
		RestartPointInterval: cfg.Engine.RestartPointInterval,
		Compressor:           compressor,
		BlockCacheCapacity:   cfg.Engine.BlockCacheCapacity,

		CompactionInterval:            config.ParseDuration(cfg.Engine.CompactionInterval, 120*time.Second, logger),
		CompactionFanIn:               cfg.Engine.CompactionFanIn,
		CompactionMaxDiskUsagePercent: cfg.Engine.CompactionMaxDiskUsagePercent,

		Logger:         logger,
		TracerProvider: tp,
	})
	if err != nil {
		logger.Error("Failed to create region engine", "error", err)
		os.Exit(1)
	}

	observer, err := flow.Attach(e, flow.Config{
		Tables:       cfg.Flow.Tables,
		ReadQuantile: cfg.Flow.ReadQuantile,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("Failed to attach flow observer", "error", err)
		os.Exit(1)
	}
	if !observer.IsFlowRunRegion() {
		logger.Warn("Configured region is not a flow-run region; writes will keep plain engine semantics.", "table", table)
	}

	if err := e.Start(); err != nil {
		logger.Error("Failed to start region engine", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Error("Engine close failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runSession(ctx, e, logger); err != nil {
		logger.Error("Demo session failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Demo session finished.")
}

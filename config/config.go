package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds region-engine tuning.
type EngineConfig struct {
	DataDir                string `yaml:"data_dir"`
	MemstoreThresholdBytes int64  `yaml:"memstore_threshold_bytes"`
	FlushInterval          string `yaml:"flush_interval"`

	BlockSizeBytes       int    `yaml:"block_size_bytes"`
	RestartPointInterval int    `yaml:"restart_point_interval"`
	Compression          string `yaml:"compression"`
	BlockCacheCapacity   int    `yaml:"block_cache_capacity"`

	CompactionInterval            string  `yaml:"compaction_interval"`
	CompactionFanIn               int     `yaml:"compaction_fan_in"`
	CompactionMaxDiskUsagePercent float64 `yaml:"compaction_max_disk_usage_percent"`
}

// FlowConfig selects which tables carry flow-run aggregation semantics.
type FlowConfig struct {
	// Tables lists the table names whose regions get an aggregation
	// observer. Regions of any other table run with plain engine behavior.
	Tables []string `yaml:"tables"`
	// ReadQuantile is the quantile DIST columns report on reads.
	ReadQuantile float64 `yaml:"read_quantile"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DebugConfig holds the debug HTTP listener configuration.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// Config is the top-level configuration struct.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Flow    FlowConfig    `yaml:"flow"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Debug   DebugConfig   `yaml:"debug"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Validate checks the cross-field constraints that yaml decoding alone
// cannot express. Zero values that the engine re-defaults are accepted.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Engine.Compression) {
	case "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("invalid engine.compression %q: must be one of none, snappy, lz4, zstd", c.Engine.Compression)
	}
	if c.Engine.MemstoreThresholdBytes < 0 {
		return fmt.Errorf("engine.memstore_threshold_bytes must not be negative, got %d", c.Engine.MemstoreThresholdBytes)
	}
	if c.Engine.CompactionMaxDiskUsagePercent < 0 || c.Engine.CompactionMaxDiskUsagePercent > 100 {
		return fmt.Errorf("engine.compaction_max_disk_usage_percent must be between 0 and 100, got %g", c.Engine.CompactionMaxDiskUsagePercent)
	}

	if q := c.Flow.ReadQuantile; q != 0 && (q <= 0 || q >= 1) {
		return fmt.Errorf("flow.read_quantile must be inside (0, 1), got %g", q)
	}
	for _, table := range c.Flow.Tables {
		if strings.TrimSpace(table) == "" {
			return fmt.Errorf("flow.tables must not contain empty names")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "none":
	case "file":
		if c.Logging.File == "" {
			return fmt.Errorf("logging.output is 'file' but logging.file is empty")
		}
	default:
		return fmt.Errorf("invalid logging.output %q", c.Logging.Output)
	}

	if c.Tracing.Enabled {
		switch strings.ToLower(c.Tracing.Protocol) {
		case "grpc", "http":
		default:
			return fmt.Errorf("invalid tracing.protocol %q: must be grpc or http", c.Tracing.Protocol)
		}
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing is enabled but tracing.endpoint is empty")
		}
	}

	if c.Debug.Enabled && c.Debug.ListenAddress == "" {
		return fmt.Errorf("debug listener is enabled but debug.listen_address is empty")
	}
	return nil
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Engine: EngineConfig{
			DataDir:                "./data",
			MemstoreThresholdBytes: 4 * 1024 * 1024, // 4 MiB
			FlushInterval:          "1s",
			BlockSizeBytes:         4 * 1024, // 4 KiB
			RestartPointInterval:   16,
			Compression:            "snappy",
			BlockCacheCapacity:     1024,

			CompactionInterval:            "120s",
			CompactionFanIn:               4,
			CompactionMaxDiskUsagePercent: 90.0,
		},
		Flow: FlowConfig{
			Tables:       []string{"timeline.flowrun"},
			ReadQuantile: 0.95,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "flowbase.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:          false,
			ListenAddress:    "localhost:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	// If data is empty, return defaults.
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

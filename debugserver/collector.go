package debugserver

import (
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector periodically samples system-level CPU, memory, and disk
// usage and publishes the readings via expvar.
type SystemCollector struct {
	cpuUsagePercent *expvar.Float
	memUsagePercent *expvar.Float
	diskUsage       *expvar.Float
	diskPath        string
	interval        time.Duration
	stopChan        chan struct{}
	wg              sync.WaitGroup
	logger          *slog.Logger
}

// publishFloat reuses an already registered expvar.Float so a second
// collector in the same process does not panic on re-registration.
func publishFloat(name string) *expvar.Float {
	if v := expvar.Get(name); v != nil {
		if f, ok := v.(*expvar.Float); ok {
			return f
		}
	}
	return expvar.NewFloat(name)
}

// NewSystemCollector creates a new collector.
// diskPath should be the path of the disk to monitor (e.g., the data directory).
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	return &SystemCollector{
		cpuUsagePercent: publishFloat("system_cpu_usage_percent"),
		memUsagePercent: publishFloat("system_mem_usage_percent"),
		diskUsage:       publishFloat("system_disk_usage_percent"),
		diskPath:        diskPath,
		interval:        interval,
		stopChan:        make(chan struct{}),
		logger:          logger.With("component", "SystemCollector"),
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.logger.Info("Stopping system metrics collector")
	close(sc.stopChan)
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	// Sample CPU over slightly less than the tick so the measurement is done
	// before the next tick arrives.
	cpuSampleWindow := sc.interval - time.Second
	if cpuSampleWindow < 0 {
		cpuSampleWindow = 0
	}

	for {
		select {
		case <-ticker.C:
			cpuPercentages, err := cpu.Percent(cpuSampleWindow, false)
			if err == nil && len(cpuPercentages) > 0 {
				sc.cpuUsagePercent.Set(cpuPercentages[0])
			}

			if vm, err := mem.VirtualMemory(); err == nil {
				sc.memUsagePercent.Set(vm.UsedPercent)
			}

			if du, err := disk.Usage(sc.diskPath); err == nil {
				sc.diskUsage.Set(du.UsedPercent)
			}
		case <-sc.stopChan:
			return
		}
	}
}

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/evoseal/core/internal/eventbus"
)

// ResourceSample is one periodic {cpu, memory, disk, net} reading.
type ResourceSample struct {
	Timestamp   time.Time
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
	NetBytesSent uint64
	NetBytesRecv uint64
}

// Thresholds is a {warn, critical} pair for one resource dimension.
type Thresholds struct {
	Warn     float64
	Critical float64
}

// ResourceMonitorConfig controls sampling cadence, thresholds, and history
// retention.
type ResourceMonitorConfig struct {
	Interval    time.Duration
	DiskPath    string
	HistorySize int
	CPU         Thresholds
	Memory      Thresholds
	Disk        Thresholds
}

// DefaultResourceMonitorConfig matches the spec's suggested warn/critical
// bands.
func DefaultResourceMonitorConfig() ResourceMonitorConfig {
	return ResourceMonitorConfig{
		Interval:    10 * time.Second,
		DiskPath:    "/",
		HistorySize: 120,
		CPU:         Thresholds{Warn: 80, Critical: 95},
		Memory:      Thresholds{Warn: 80, Critical: 95},
		Disk:        Thresholds{Warn: 85, Critical: 95},
	}
}

// ResourceMonitor samples system resource usage on a ticker, retaining a
// capped history ring and publishing resource.alert when a dimension
// crosses a threshold.
type ResourceMonitor struct {
	cfg ResourceMonitorConfig
	bus *eventbus.Bus

	mu        sync.Mutex
	history   []ResourceSample
	lastLevel map[string]string
}

// NewResourceMonitor constructs a monitor with the given config and bus
// (bus may be nil to disable alert publishing, e.g. in tests).
func NewResourceMonitor(cfg ResourceMonitorConfig, bus *eventbus.Bus) *ResourceMonitor {
	if cfg.Interval <= 0 {
		cfg = DefaultResourceMonitorConfig()
	}
	return &ResourceMonitor{cfg: cfg, bus: bus, lastLevel: make(map[string]string)}
}

// Run samples on cfg.Interval until ctx is cancelled. onCritical, if
// non-nil, is invoked synchronously whenever any dimension reaches
// Critical, letting the orchestrator checkpoint-and-pause per spec step 6
// without the monitor needing orchestrator internals.
func (m *ResourceMonitor) Run(ctx context.Context, onCritical func(dimension string)) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx, onCritical)
		}
	}
}

func (m *ResourceMonitor) sampleOnce(ctx context.Context, onCritical func(dimension string)) {
	sample := ResourceSample{Timestamp: time.Now()}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		sample.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, m.cfg.DiskPath); err == nil {
		sample.DiskPercent = du.UsedPercent
	}
	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		sample.NetBytesSent = counters[0].BytesSent
		sample.NetBytesRecv = counters[0].BytesRecv
	}

	m.mu.Lock()
	m.history = append(m.history, sample)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.mu.Unlock()

	m.checkDimension("cpu", sample.CPUPercent, m.cfg.CPU, onCritical)
	m.checkDimension("memory", sample.MemPercent, m.cfg.Memory, onCritical)
	m.checkDimension("disk", sample.DiskPercent, m.cfg.Disk, onCritical)
}

func (m *ResourceMonitor) checkDimension(dimension string, value float64, t Thresholds, onCritical func(string)) {
	level := "ok"
	switch {
	case value >= t.Critical:
		level = "critical"
	case value >= t.Warn:
		level = "warn"
	}

	m.mu.Lock()
	prev := m.lastLevel[dimension]
	m.lastLevel[dimension] = level
	m.mu.Unlock()

	if level == "ok" || level == prev {
		return
	}

	if m.bus != nil {
		m.bus.Publish(context.Background(), eventbus.NewEvent(eventbus.TypeResourceAlert, "resource_monitor", map[string]any{
			"dimension": dimension,
			"level":     level,
			"value":     value,
		}))
	}
	if level == "critical" && onCritical != nil {
		onCritical(dimension)
	}
}

// History returns a snapshot of retained samples, oldest first.
func (m *ResourceMonitor) History() []ResourceSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ResourceSample(nil), m.history...)
}

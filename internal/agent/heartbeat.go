package agent

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"github.com/relaywire/tunneld/internal/protocol"
)

// statsCollector samples host telemetry for the periodic heartbeat
// reply. Bytes sent/received are reported as the cumulative counters
// gopsutil returns; no previous snapshot is kept and no rate is
// computed.
type statsCollector struct {
	startedAt time.Time
}

func newStatsCollector() *statsCollector {
	return &statsCollector{startedAt: time.Now()}
}

// Collect samples CPU, memory, and cumulative network counters. A
// failure on any individual metric degrades that field to zero rather
// than failing the whole heartbeat reply; uptime instead falls back to
// the time since the collector was created.
func (c *statsCollector) Collect(ctx context.Context) *protocol.HostStats {
	stats := &protocol.HostStats{
		UptimeSecs: uint64(time.Since(c.startedAt).Seconds()),
	}

	if percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(percents) > 0 {
		stats.HostCPU = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.HostMemUsed = vm.Used
		stats.HostMemTotal = vm.Total
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		stats.NetSent = counters[0].BytesSent
		stats.NetRecv = counters[0].BytesRecv
	}

	if info, err := host.InfoWithContext(ctx); err == nil && info.Uptime > 0 {
		stats.UptimeSecs = info.Uptime
	}

	return stats
}

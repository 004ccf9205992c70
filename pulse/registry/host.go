package registry

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/blipee/pulse/errors"
)

const bytesPerGB = 1024 * 1024 * 1024

// MemoryStats is a point-in-time sample of host memory
type MemoryStats struct {
	UsedGB  float64 `json:"memory_used_gb"`
	TotalGB float64 `json:"memory_total_gb"`
	Percent float64 `json:"memory_percent"`
}

// SampleMemory reads host memory usage
func SampleMemory(ctx context.Context) (MemoryStats, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return MemoryStats{}, errors.Wrap(err, "failed to get memory stats")
	}
	if v.Total == 0 {
		return MemoryStats{}, nil
	}

	total := float64(v.Total) / bytesPerGB
	used := float64(v.Total-v.Available) / bytesPerGB
	return MemoryStats{
		UsedGB:  used,
		TotalGB: total,
		Percent: used / total * 100,
	}, nil
}

// Hostname prefers gopsutil's view of the host and falls back to os.Hostname
func Hostname(ctx context.Context) string {
	if info, err := host.InfoWithContext(ctx); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "unknown"
}

// DefaultInstanceID derives an instance id when none is configured.
// Two processes on one host get distinct ids through the pid.
func DefaultInstanceID(hostname string, pid int) string {
	return fmt.Sprintf("pulse-%s-%d", hostname, pid)
}

// Package capacity detects the cgroup/CPU environment the broker is
// running in, for two purposes only: sizing the worker pool via
// workerpool.NumThreadsFor, and reporting a resource snapshot on the
// health endpoint. It does not gate connection admission or apply any
// form of backpressure — the broker relies on OS socket buffering and the
// worker pool's queue for that, per design.
package capacity

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time resource reading, suitable for embedding in
// a health check response.
type Snapshot struct {
	Goroutines      int     `json:"goroutines"`
	CPUCores        int     `json:"cpu_cores"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryUsedBytes uint64  `json:"memory_used_bytes"`
	MemoryLimitBytes int64  `json:"memory_limit_bytes"`
}

// CoreCount returns GOMAXPROCS, which automaxprocs (wired in cmd/broker)
// has already adjusted to the container's cgroup CPU quota if present.
func CoreCount() int {
	return runtime.GOMAXPROCS(0)
}

// MemoryLimit returns the cgroup memory limit in bytes, checking cgroup v2
// first and falling back to v1. Returns 0 if no limit is detected (e.g.
// running outside a container), in which case callers should treat the
// environment as unconstrained.
func MemoryLimit() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit != "max" {
			if n, err := strconv.ParseInt(limit, 10, 64); err == nil {
				return n
			}
		}
		return 0
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// Read takes a resource snapshot. The context bounds the underlying CPU
// sample (cpu.PercentWithContext blocks for a short interval).
func Read(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Goroutines:       runtime.NumGoroutine(),
		CPUCores:         CoreCount(),
		MemoryLimitBytes: MemoryLimit(),
	}

	percents, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryUsedBytes = vm.Used
	}

	return snap, nil
}

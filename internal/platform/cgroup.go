// Package platform detects container resource allocation (memory limit
// via cgroup files, CPU usage via gopsutil) and turns it into connection
// admission decisions, the way a container-aware service sizes itself
// instead of trusting runtime.NumCPU/free host memory.
package platform

import (
	"os"
	"strconv"
	"strings"
)

// MemoryLimit returns the container memory limit in bytes, read from
// the cgroup filesystem. Tries cgroup v2 first, then v1. Returns 0 (no
// error) when no cgroup file is found, or when cgroup v2 reports "max".
// Under cgroup v1 an unconstrained container's file holds the kernel's
// very large sentinel value, which is returned as is.
func MemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	return 0, nil
}

// CalculateMaxConnections derives a safe connection ceiling from the
// detected memory limit, reserving headroom for runtime overhead
// (Go heap, goroutine stacks, connection pools) and budgeting a fixed
// per-connection cost for the send buffer and subscription bookkeeping.
func CalculateMaxConnections(memoryLimitBytes int64) int {
	if memoryLimitBytes == 0 {
		return 10000
	}

	const runtimeOverheadBytes = 128 * 1024 * 1024
	const bytesPerConnection = 64 * 1024 // send channel + subscription set + client struct

	available := memoryLimitBytes - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimitBytes / 2
	}

	maxConns := int(available / bytesPerConnection)
	if maxConns < 100 {
		maxConns = 100
	}
	if maxConns > 50000 {
		maxConns = 50000
	}
	return maxConns
}

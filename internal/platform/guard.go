package platform

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard gates new connection admission on observed CPU usage,
// sampled periodically via gopsutil rather than on every admission
// check (cpu.Percent blocks for its sampling interval). The sample is
// gopsutil's host-wide CPU percent; it is not scaled to a container's
// cgroup CPU allocation.
type ResourceGuard struct {
	mu sync.RWMutex

	rejectThreshold float64
	pauseThreshold  float64

	lastPercent float64
	sampleEvery time.Duration

	stop chan struct{}
}

// NewResourceGuard starts a background sampler and returns a guard
// whose Allow/ShouldPause reflect the most recent sample.
func NewResourceGuard(rejectThreshold, pauseThreshold float64, sampleEvery time.Duration) *ResourceGuard {
	g := &ResourceGuard{
		rejectThreshold: rejectThreshold,
		pauseThreshold:  pauseThreshold,
		sampleEvery:     sampleEvery,
		stop:            make(chan struct{}),
	}
	go g.sampleLoop()
	return g
}

func (g *ResourceGuard) sampleLoop() {
	ticker := time.NewTicker(g.sampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			percents, err := cpu.Percent(0, false)
			if err != nil || len(percents) == 0 {
				continue
			}
			g.mu.Lock()
			g.lastPercent = percents[0]
			g.mu.Unlock()
		case <-g.stop:
			return
		}
	}
}

// Stop halts the background sampler.
func (g *ResourceGuard) Stop() { close(g.stop) }

// CurrentPercent returns the most recently sampled CPU usage percent.
func (g *ResourceGuard) CurrentPercent() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastPercent
}

// AllowConnection reports whether a new connection may be admitted:
// false once CPU usage is at or above the reject threshold.
func (g *ResourceGuard) AllowConnection() bool {
	return g.CurrentPercent() < g.rejectThreshold
}

// ShouldPauseIngestion reports whether upstream mutation ingestion
// (delta fan-out) should be paused to let the event loop catch up.
func (g *ResourceGuard) ShouldPauseIngestion() bool {
	return g.CurrentPercent() >= g.pauseThreshold
}

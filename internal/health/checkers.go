package health

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/hazardstack/internal/arena"
	"github.com/23skdu/hazardstack/internal/hazard"
)

// slotPressure is the fraction of hazard slots in use above which the
// manager reports degraded.
const slotPressure = 0.9

// HazardChecker reports on a hazard manager's slot table and orphans
type HazardChecker struct {
	name string
	mgr  *hazard.Manager
}

func NewHazardChecker(mgr *hazard.Manager) *HazardChecker {
	return &HazardChecker{name: "hazard", mgr: mgr}
}

func (hc *HazardChecker) Name() string {
	return hc.name
}

func (hc *HazardChecker) Check(_ context.Context) *ComponentHealth {
	stats := hc.mgr.Stats()

	status := StatusHealthy
	message := "Hazard slots available"
	switch {
	case stats.InUse >= stats.Capacity:
		status = StatusUnhealthy
		message = "All hazard slots are in use"
	case float64(stats.InUse) >= slotPressure*float64(stats.Capacity):
		status = StatusDegraded
		message = fmt.Sprintf("%d of %d hazard slots in use", stats.InUse, stats.Capacity)
	case stats.Orphaned > 0:
		status = StatusDegraded
		message = fmt.Sprintf("%d orphaned nodes awaiting adoption", stats.Orphaned)
	}

	return &ComponentHealth{
		Name:        hc.name,
		Status:      status,
		Message:     message,
		LastChecked: time.Now(),
		Metadata: map[string]interface{}{
			"capacity":         stats.Capacity,
			"in_use":           stats.InUse,
			"retire_threshold": stats.RetireThreshold,
			"orphaned":         stats.Orphaned,
			"reclaimed":        stats.Reclaimed,
		},
	}
}

// ArenaStatser is implemented by every arena.Arena instantiation
type ArenaStatser interface {
	Stats() arena.Stats
}

// ArenaChecker reports how close a stack's node arena is to its cap
type ArenaChecker struct {
	name  string
	arena ArenaStatser
}

func NewArenaChecker(name string, a ArenaStatser) *ArenaChecker {
	return &ArenaChecker{name: name, arena: a}
}

func (ac *ArenaChecker) Name() string {
	return ac.name
}

func (ac *ArenaChecker) Check(_ context.Context) *ComponentHealth {
	stats := ac.arena.Stats()

	status := StatusHealthy
	message := "Node arena has headroom"
	// retired nodes still count until a scan frees them
	used := stats.Live
	switch {
	case used >= int64(stats.MaxNodes):
		status = StatusUnhealthy
		message = "Node arena exhausted"
	case float64(used) >= slotPressure*float64(stats.MaxNodes):
		status = StatusDegraded
		message = fmt.Sprintf("%d of %d nodes in use", used, stats.MaxNodes)
	}

	return &ComponentHealth{
		Name:        ac.name,
		Status:      status,
		Message:     message,
		LastChecked: time.Now(),
		Metadata: map[string]interface{}{
			"live":      stats.Live,
			"free":      stats.Free,
			"chunks":    stats.Chunks,
			"high_mark": stats.HighMark,
			"max_nodes": stats.MaxNodes,
		},
	}
}

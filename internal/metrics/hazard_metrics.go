package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HazardSlotsInUse tracks acquired hazard slots across all managers
	HazardSlotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hpstack_hazard_slots_in_use",
			Help: "Number of hazard slots currently owned by a participant",
		},
	)

	// HazardSlotExhaustedTotal counts acquisitions rejected because the table was full
	HazardSlotExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpstack_slot_exhausted_total",
			Help: "Total number of hazard slot acquisitions that found no free slot",
		},
	)

	// RetiredNodes tracks nodes waiting in retire lists
	RetiredNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hpstack_retired_nodes",
			Help: "Number of retired nodes not yet reclaimed",
		},
	)

	// ReclaimedNodesTotal counts nodes handed to their reclaimer
	ReclaimedNodesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpstack_reclaimed_nodes_total",
			Help: "Total number of retired nodes physically reclaimed",
		},
	)

	// ReclaimKeptTotal counts retired nodes kept because a hazard slot still held them
	ReclaimKeptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpstack_reclaim_kept_total",
			Help: "Total number of retired nodes kept by a scan because they were protected",
		},
	)

	// ReclaimScansTotal counts reclamation scans by trigger
	ReclaimScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpstack_reclaim_scans_total",
			Help: "Total number of reclamation scans",
		},
		[]string{"trigger"}, // "threshold", "drain"
	)

	// ReclaimScanDuration measures a single scan-and-partition pass
	ReclaimScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hpstack_reclaim_scan_duration_seconds",
			Help:    "Duration of hazard snapshot and retire list partition",
			Buckets: []float64{1e-7, 1e-6, 1e-5, 1e-4, 0.001, 0.01, 0.1},
		},
	)

	// OrphanedNodes tracks retired nodes left behind by closed participants
	OrphanedNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hpstack_orphaned_nodes",
			Help: "Number of retired nodes transferred to the manager by closed participants",
		},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ArenaNodes tracks node counts by lifecycle bucket
	ArenaNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hpstack_arena_nodes",
			Help: "Number of arena nodes by state",
		},
		[]string{"state"}, // "live", "free"
	)

	// ArenaChunksTotal counts node chunks published by arenas
	ArenaChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpstack_arena_chunks_total",
			Help: "Total number of node chunks allocated by arenas",
		},
	)

	// ArenaExhaustedTotal counts allocations rejected at the arena node cap
	ArenaExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpstack_arena_exhausted_total",
			Help: "Total number of node allocations rejected because the arena was full",
		},
	)

	// ArenaIllegalTransitionsTotal counts rejected node state transitions
	ArenaIllegalTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpstack_arena_illegal_transitions_total",
			Help: "Total number of node state transitions rejected by the arena",
		},
		[]string{"to"},
	)
)

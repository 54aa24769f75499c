package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StackPushTotal counts successful pushes
	StackPushTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpstack_push_total",
			Help: "Total number of values pushed onto concurrent stacks",
		},
	)

	// StackPushErrorsTotal counts pushes rejected because the node arena was exhausted
	StackPushErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpstack_push_errors_total",
			Help: "Total number of pushes that failed to allocate a node",
		},
	)

	// StackPopTotal counts pops by outcome
	StackPopTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpstack_pop_total",
			Help: "Total number of pop operations by result",
		},
		[]string{"result"}, // "hit" or "empty"
	)

	// CASRetriesTotal counts head CAS attempts that lost a race and were retried
	CASRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpstack_cas_retries_total",
			Help: "Total number of retried head compare-and-swap attempts",
		},
		[]string{"op"}, // "push", "pop"
	)

	// StaleProtectionsTotal counts pops that discarded a hazard whose head moved before validation
	StaleProtectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hpstack_stale_protections_total",
			Help: "Total number of hazard protections discarded because head changed before validation",
		},
	)

	// RateLimitWaitsTotal counts paced stress operations by outcome
	RateLimitWaitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hpstack_rate_limit_waits_total",
			Help: "Total number of rate limiter waits by result",
		},
		[]string{"result"}, // "allowed" or "throttled"
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskfleet"

var (
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "tasks_claimed_total",
		Help:      "Tasks successfully claimed by executors.",
	})

	ClaimRacesLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "claim_races_lost_total",
		Help:      "Claim attempts that lost the conditional write to a concurrent claimer.",
	})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "tasks_finished_total",
		Help:      "Tasks reaching a terminal status.",
	}, []string{"status"})

	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "task_retries_total",
		Help:      "Failed tasks re-enqueued for another attempt.",
	})

	StaleClaimsReset = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "stale_claims_reset_total",
		Help:      "Claiming-state tasks swept back to pending.",
	})

	GateValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "validations_total",
		Help:      "Phase gate validations by outcome.",
	}, []string{"phase", "passed"})

	TicketTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "ticket_transitions_total",
		Help:      "Ticket status transitions by target status.",
	}, []string{"to_status"})

	TicketsBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "tickets_blocked_total",
		Help:      "Tickets marked blocked, manually or by the stall monitor.",
	})

	ClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "claim_duration_seconds",
		Help:      "Wall time of one claim attempt, including candidate scoring.",
		Buckets:   prometheus.DefBuckets,
	})
)

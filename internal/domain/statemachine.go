package domain

import "fmt"

// Ticket statuses. "done" is terminal; "blocked" is an overlay flag on the
// ticket, never a status of its own.
const (
	TicketBacklog      = "backlog"
	TicketAnalyzing    = "analyzing"
	TicketBuilding     = "building"
	TicketBuildingDone = "building-done"
	TicketTesting      = "testing"
	TicketDone         = "done"
)

// Workflow phases, one per ticket status.
const (
	PhaseBacklog        = "PHASE_BACKLOG"
	PhaseRequirements   = "PHASE_REQUIREMENTS"
	PhaseImplementation = "PHASE_IMPLEMENTATION"
	PhaseDeployment     = "PHASE_DEPLOYMENT"
	PhaseTesting        = "PHASE_TESTING"
	PhaseDone           = "PHASE_DONE"
)

// Task lifecycle.
const (
	TaskPending           = "pending"
	TaskClaiming          = "claiming"
	TaskAssigned          = "assigned"
	TaskRunning           = "running"
	TaskPendingValidation = "pending_validation"
	TaskValidating        = "validating"
	TaskCompleted         = "completed"
	TaskFailed            = "failed"
)

const (
	PriorityCritical = "CRITICAL"
	PriorityHigh     = "HIGH"
	PriorityMedium   = "MEDIUM"
	PriorityLow      = "LOW"
)

// ticketTransitions is the complete legal edge set. The single backward
// edge is testing->building.
var ticketTransitions = map[string][]string{
	TicketBacklog:      {TicketAnalyzing},
	TicketAnalyzing:    {TicketBuilding},
	TicketBuilding:     {TicketBuildingDone},
	TicketBuildingDone: {TicketTesting},
	TicketTesting:      {TicketDone, TicketBuilding},
	TicketDone:         {},
}

var statusPhase = map[string]string{
	TicketBacklog:      PhaseBacklog,
	TicketAnalyzing:    PhaseRequirements,
	TicketBuilding:     PhaseImplementation,
	TicketBuildingDone: PhaseDeployment,
	TicketTesting:      PhaseTesting,
	TicketDone:         PhaseDone,
}

// statusProgression is the forward chain CheckAndProgress walks.
var statusProgression = map[string]string{
	TicketBacklog:      TicketAnalyzing,
	TicketAnalyzing:    TicketBuilding,
	TicketBuilding:     TicketBuildingDone,
	TicketBuildingDone: TicketTesting,
	TicketTesting:      TicketDone,
}

// unblockEligible are the statuses a blocked ticket may be transitioned
// into; arriving at one of them clears the blocked overlay.
var unblockEligible = map[string]bool{
	TicketAnalyzing:    true,
	TicketBuilding:     true,
	TicketBuildingDone: true,
	TicketTesting:      true,
}

func ValidTicketStatus(s string) bool {
	_, ok := ticketTransitions[s]
	return ok
}

func CanTransition(from, to string) bool {
	for _, next := range ticketTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTargets returns the legal targets for a status, nil for
// terminal or unknown statuses.
func TransitionTargets(from string) []string {
	return ticketTransitions[from]
}

// NextStatus returns the forward-progression successor. ok is false for
// the terminal status.
func NextStatus(from string) (string, bool) {
	next, ok := statusProgression[from]
	return next, ok
}

// PhaseFor maps a ticket status onto its phase. Unknown statuses map to
// the backlog phase.
func PhaseFor(status string) string {
	if p, ok := statusPhase[status]; ok {
		return p
	}
	return PhaseBacklog
}

func TerminalStatus(s string) bool {
	return s == TicketDone
}

func UnblockEligible(s string) bool {
	return unblockEligible[s]
}

func ValidTaskStatus(s string) bool {
	switch s {
	case TaskPending, TaskClaiming, TaskAssigned, TaskRunning,
		TaskPendingValidation, TaskValidating, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

func TerminalTaskStatus(s string) bool {
	return s == TaskCompleted || s == TaskFailed
}

func ValidPriority(p string) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// ValidateTicketTransition mirrors CanTransition but yields a descriptive
// error for callers that surface the failure to an operator.
func ValidateTicketTransition(from, to string) error {
	if !ValidTicketStatus(from) {
		return fmt.Errorf("unknown ticket status %q", from)
	}
	if !ValidTicketStatus(to) {
		return fmt.Errorf("unknown ticket status %q", to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid ticket transition %s -> %s", from, to)
	}
	return nil
}

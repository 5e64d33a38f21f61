package domain_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"taskfleet/internal/domain"
)

var allStatuses = []string{
	domain.TicketBacklog,
	domain.TicketAnalyzing,
	domain.TicketBuilding,
	domain.TicketBuildingDone,
	domain.TicketTesting,
	domain.TicketDone,
}

func TestTransitionTableClosure(t *testing.T) {
	legal := map[[2]string]bool{
		{domain.TicketBacklog, domain.TicketAnalyzing}:       true,
		{domain.TicketAnalyzing, domain.TicketBuilding}:      true,
		{domain.TicketBuilding, domain.TicketBuildingDone}:   true,
		{domain.TicketBuildingDone, domain.TicketTesting}:    true,
		{domain.TicketTesting, domain.TicketDone}:            true,
		{domain.TicketTesting, domain.TicketBuilding}:        true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := legal[[2]string{from, to}]
			require.Equal(t, want, domain.CanTransition(from, to), "%s -> %s", from, to)
			if want {
				require.NoError(t, domain.ValidateTicketTransition(from, to))
			} else {
				require.Error(t, domain.ValidateTicketTransition(from, to))
			}
		}
	}
}

func TestProgressionChain(t *testing.T) {
	status := domain.TicketBacklog
	var walked []string
	for {
		next, ok := domain.NextStatus(status)
		if !ok {
			break
		}
		require.True(t, domain.CanTransition(status, next), "progression must follow legal edges")
		walked = append(walked, next)
		status = next
	}
	require.Equal(t, []string{
		domain.TicketAnalyzing,
		domain.TicketBuilding,
		domain.TicketBuildingDone,
		domain.TicketTesting,
		domain.TicketDone,
	}, walked)
	require.True(t, domain.TerminalStatus(status))
}

func TestPhaseMapping(t *testing.T) {
	want := map[string]string{
		domain.TicketBacklog:      domain.PhaseBacklog,
		domain.TicketAnalyzing:    domain.PhaseRequirements,
		domain.TicketBuilding:     domain.PhaseImplementation,
		domain.TicketBuildingDone: domain.PhaseDeployment,
		domain.TicketTesting:      domain.PhaseTesting,
		domain.TicketDone:         domain.PhaseDone,
	}
	for status, phase := range want {
		require.Equal(t, phase, domain.PhaseFor(status))
	}
	require.Equal(t, domain.PhaseBacklog, domain.PhaseFor("garbage"))
}

func TestUnblockEligibleSet(t *testing.T) {
	eligible := map[string]bool{
		domain.TicketAnalyzing:    true,
		domain.TicketBuilding:     true,
		domain.TicketBuildingDone: true,
		domain.TicketTesting:      true,
	}
	for _, status := range allStatuses {
		require.Equal(t, eligible[status], domain.UnblockEligible(status), status)
	}
}

func TestTransitionTargets(t *testing.T) {
	require.Empty(t, domain.TransitionTargets(domain.TicketDone))
	require.Nil(t, domain.TransitionTargets("garbage"))
	require.ElementsMatch(t,
		[]string{domain.TicketDone, domain.TicketBuilding},
		domain.TransitionTargets(domain.TicketTesting))
}

func TestTaskStatusHelpers(t *testing.T) {
	for _, s := range []string{
		domain.TaskPending, domain.TaskClaiming, domain.TaskAssigned, domain.TaskRunning,
		domain.TaskPendingValidation, domain.TaskValidating, domain.TaskCompleted, domain.TaskFailed,
	} {
		require.True(t, domain.ValidTaskStatus(s), s)
	}
	require.False(t, domain.ValidTaskStatus("paused"))
	require.True(t, domain.TerminalTaskStatus(domain.TaskCompleted))
	require.True(t, domain.TerminalTaskStatus(domain.TaskFailed))
	require.False(t, domain.TerminalTaskStatus(domain.TaskRunning))
}

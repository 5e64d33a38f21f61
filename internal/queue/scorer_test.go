package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskfleet/internal/domain"
	"taskfleet/internal/queue"
)

func scoreTask(priority string, age time.Duration, retries, dependents int) float64 {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	task := domain.Task{
		Priority:   priority,
		RetryCount: retries,
		CreatedAt:  now.Add(-age).Format(time.RFC3339),
	}
	return queue.DefaultScorer{}.Score(task, queue.ScoreInput{Now: now, DependentCount: dependents})
}

func TestScorePriorityMonotonic(t *testing.T) {
	order := []string{domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityCritical}
	for i := 1; i < len(order); i++ {
		lower := scoreTask(order[i-1], time.Hour, 0, 0)
		higher := scoreTask(order[i], time.Hour, 0, 0)
		require.Greater(t, higher, lower, "%s must outrank %s", order[i], order[i-1])
	}
}

func TestScoreAgeCapped(t *testing.T) {
	fresh := scoreTask(domain.PriorityMedium, 0, 0, 0)
	aged := scoreTask(domain.PriorityMedium, 12*time.Hour, 0, 0)
	capped := scoreTask(domain.PriorityMedium, 24*time.Hour, 0, 0)
	ancient := scoreTask(domain.PriorityMedium, 96*time.Hour, 0, 0)

	require.Greater(t, aged, fresh)
	require.Greater(t, capped, aged)
	require.Equal(t, capped, ancient, "age contribution saturates at the cap")
}

func TestScoreAgeCannotOutweighPriorityStep(t *testing.T) {
	// A LOW task can sit forever without overtaking a fresh CRITICAL.
	oldLow := scoreTask(domain.PriorityLow, 96*time.Hour, 0, 0)
	freshCritical := scoreTask(domain.PriorityCritical, 0, 0, 0)
	require.Greater(t, freshCritical, oldLow)
}

func TestScoreDependentsAndRetries(t *testing.T) {
	base := scoreTask(domain.PriorityMedium, time.Hour, 0, 0)
	unblocking := scoreTask(domain.PriorityMedium, time.Hour, 0, 3)
	require.InDelta(t, base+6, unblocking, 1e-9)

	retried := scoreTask(domain.PriorityMedium, time.Hour, 2, 0)
	require.InDelta(t, base-2, retried, 1e-9)
}

func TestScoreUnknownPriorityTreatedAsMedium(t *testing.T) {
	require.Equal(t,
		scoreTask(domain.PriorityMedium, time.Hour, 0, 0),
		scoreTask("WHENEVER", time.Hour, 0, 0))
}

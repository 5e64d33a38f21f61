package queue

import (
	"time"

	"taskfleet/internal/domain"
)

// Scorer ranks claimable tasks. Implementations must be monotonic in
// priority: a CRITICAL task never scores below an otherwise identical
// LOW one.
type Scorer interface {
	Score(task domain.Task, in ScoreInput) float64
}

// ScoreInput carries the context a scorer may weigh beyond the task row.
type ScoreInput struct {
	Now time.Time
	// DependentCount is how many other live tasks list this task as a
	// dependency; finishing it unblocks them.
	DependentCount int
}

var priorityValues = map[string]float64{
	domain.PriorityCritical: 1.0,
	domain.PriorityHigh:     0.75,
	domain.PriorityMedium:   0.5,
	domain.PriorityLow:      0.25,
}

// DefaultScorer blends priority, queue age, downstream impact, and a
// retry penalty. Zero value uses the standard weights.
type DefaultScorer struct {
	PriorityWeight float64
	AgeWeight      float64
	BlockerWeight  float64
	RetryPenalty   float64
	// MaxAge caps the age contribution; tasks older than this all get
	// the full age weight.
	MaxAge time.Duration
}

func (s DefaultScorer) withDefaults() DefaultScorer {
	if s.PriorityWeight == 0 {
		s.PriorityWeight = 10
	}
	if s.AgeWeight == 0 {
		s.AgeWeight = 5
	}
	if s.BlockerWeight == 0 {
		s.BlockerWeight = 2
	}
	if s.RetryPenalty == 0 {
		s.RetryPenalty = 1
	}
	if s.MaxAge == 0 {
		s.MaxAge = 24 * time.Hour
	}
	return s
}

func (s DefaultScorer) Score(task domain.Task, in ScoreInput) float64 {
	s = s.withDefaults()
	prio, ok := priorityValues[task.Priority]
	if !ok {
		prio = priorityValues[domain.PriorityMedium]
	}
	score := s.PriorityWeight * prio

	if created, err := time.Parse(time.RFC3339, task.CreatedAt); err == nil {
		age := in.Now.Sub(created)
		if age < 0 {
			age = 0
		}
		frac := float64(age) / float64(s.MaxAge)
		if frac > 1 {
			frac = 1
		}
		score += s.AgeWeight * frac
	}

	score += s.BlockerWeight * float64(in.DependentCount)
	score -= s.RetryPenalty * float64(task.RetryCount)
	return score
}

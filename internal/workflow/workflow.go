package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskfleet/internal/config"
	"taskfleet/internal/domain"
	"taskfleet/internal/events"
	"taskfleet/internal/gate"
	"taskfleet/internal/metrics"
	"taskfleet/internal/queue"
	"taskfleet/internal/repo"
)

// BlockerClassifier names the blocker type for a stalled ticket.
type BlockerClassifier interface {
	Classify(ctx context.Context, ticket domain.Ticket, failedTasks []domain.Task) string
}

// RuleClassifier is the built-in classifier: any failed task means the
// ticket is stuck on failing checks, otherwise it is waiting on a human.
type RuleClassifier struct{}

func (RuleClassifier) Classify(_ context.Context, _ domain.Ticket, failedTasks []domain.Task) string {
	if len(failedTasks) > 0 {
		return "failing_checks"
	}
	return "waiting_on_clarification"
}

// Workflow owns the ticket state machine: transitions, the blocked
// overlay, gated progression, and stall detection.
type Workflow struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Bus        *events.Bus
	Gate       gate.Validator
	Queue      queue.Queue
	Classifier BlockerClassifier
	Settings   *config.Settings
	Log        *zap.Logger
	Now        func() time.Time
}

func (w Workflow) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w Workflow) nowString() string {
	return w.now().Format(time.RFC3339)
}

func (w Workflow) log() *zap.Logger {
	if w.Log != nil {
		return w.Log
	}
	return zap.NewNop()
}

func (w Workflow) classifier() BlockerClassifier {
	if w.Classifier != nil {
		return w.Classifier
	}
	return RuleClassifier{}
}

func (w Workflow) settings() *config.Settings {
	if w.Settings != nil {
		return w.Settings
	}
	return config.Default()
}

type NewTicket struct {
	ProjectID   string
	Title       string
	Description string
	Priority    string
	ContextJSON string
	ActorID     string
}

// CreateTicket opens a ticket in backlog.
func (w Workflow) CreateTicket(ctx context.Context, in NewTicket) (domain.Ticket, error) {
	if in.Title == "" {
		return domain.Ticket{}, fmt.Errorf("title required")
	}
	if _, err := w.Repo.GetProject(ctx, in.ProjectID); err != nil {
		return domain.Ticket{}, fmt.Errorf("project %s: %w", in.ProjectID, err)
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(in.Priority) {
		return domain.Ticket{}, fmt.Errorf("unknown priority %q", in.Priority)
	}
	now := w.nowString()
	ticket := domain.Ticket{
		ID:          uuid.NewString(),
		ProjectID:   in.ProjectID,
		Title:       in.Title,
		Description: in.Description,
		Status:      domain.TicketBacklog,
		PhaseID:     domain.PhaseFor(domain.TicketBacklog),
		Priority:    in.Priority,
		ContextJSON: in.ContextJSON,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := w.Repo.InsertTicket(ctx, ticket); err != nil {
		return domain.Ticket{}, err
	}
	w.log().Info("ticket created",
		zap.String("ticket_id", ticket.ID),
		zap.String("project_id", ticket.ProjectID),
		zap.String("actor_id", in.ActorID))
	return ticket, nil
}

type TransitionOpts struct {
	InitiatedBy string
	Reason      string
	// Force skips the edge-table check; the blocked overlay discipline
	// still applies through the unblock-eligible set.
	Force bool
}

// TransitionStatus moves a ticket along the state machine, recording the
// hop in phase_history and the event log atomically with the state
// change.
func (w Workflow) TransitionStatus(ctx context.Context, ticketID, to string, opts TransitionOpts) (domain.Ticket, error) {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	ticket, err := w.Repo.GetTicketTx(ctx, tx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	updated, err := w.transitionTx(ctx, tx, ticket, to, opts)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	w.afterTransition(ticket, updated, opts)
	return updated, nil
}

// transitionTx applies one transition inside the caller's transaction.
func (w Workflow) transitionTx(ctx context.Context, tx *sql.Tx, ticket domain.Ticket, to string, opts TransitionOpts) (domain.Ticket, error) {
	if !domain.ValidTicketStatus(to) {
		return domain.Ticket{}, fmt.Errorf("unknown ticket status %q", to)
	}
	if ticket.IsBlocked && !opts.Force && !domain.UnblockEligible(to) {
		return domain.Ticket{}, &BlockedError{TicketID: ticket.ID, To: to}
	}
	if !opts.Force && !domain.CanTransition(ticket.Status, to) {
		return domain.Ticket{}, &InvalidTransitionError{TicketID: ticket.ID, From: ticket.Status, To: to}
	}

	now := w.nowString()
	fromStatus := ticket.Status
	fromPhase := ticket.PhaseID

	ticket.Status = to
	ticket.PhaseID = domain.PhaseFor(to)
	ticket.PreviousPhaseID = &fromPhase
	ticket.UpdatedAt = now
	if ticket.IsBlocked && domain.UnblockEligible(to) {
		ticket.IsBlocked = false
		ticket.BlockedReason = nil
		ticket.BlockedAt = nil
	}

	if err := w.Repo.UpdateTicketStateTx(ctx, tx, ticket); err != nil {
		return domain.Ticket{}, err
	}
	if err := w.Repo.InsertPhaseHistoryTx(ctx, tx, domain.PhaseHistory{
		ID:          uuid.NewString(),
		TicketID:    ticket.ID,
		FromStatus:  &fromStatus,
		ToStatus:    to,
		FromPhaseID: &fromPhase,
		ToPhaseID:   ticket.PhaseID,
		InitiatedBy: opts.InitiatedBy,
		Reason:      opts.Reason,
		CreatedAt:   now,
	}); err != nil {
		return domain.Ticket{}, err
	}
	if err := w.Events.Append(ctx, tx, events.TicketTransitioned, ticket.ProjectID, "ticket", ticket.ID, opts.InitiatedBy, events.EventPayload{
		"from_status": fromStatus,
		"to_status":   to,
		"from_phase":  fromPhase,
		"to_phase":    ticket.PhaseID,
		"forced":      opts.Force,
	}); err != nil {
		return domain.Ticket{}, err
	}
	return ticket, nil
}

func (w Workflow) afterTransition(before, after domain.Ticket, opts TransitionOpts) {
	metrics.TicketTransitions.WithLabelValues(after.Status).Inc()
	w.log().Info("ticket transitioned",
		zap.String("ticket_id", after.ID),
		zap.String("from", before.Status),
		zap.String("to", after.Status),
		zap.Bool("forced", opts.Force))
	w.Bus.Publish(events.Event{
		Type:       events.TicketTransitioned,
		ProjectID:  after.ProjectID,
		EntityKind: "ticket",
		EntityID:   after.ID,
		ActorID:    opts.InitiatedBy,
		Payload: events.EventPayload{
			"from_status": before.Status,
			"to_status":   after.Status,
			"from_phase":  before.PhaseID,
			"to_phase":    after.PhaseID,
			"forced":      opts.Force,
		},
		TS: w.now(),
	})
}

// CheckAndProgress validates the current phase gate and, if it passes,
// advances the ticket one step along the progression chain. Blocked and
// terminal tickets are untouched. The gate result, when one was
// evaluated, comes back either way.
func (w Workflow) CheckAndProgress(ctx context.Context, ticketID, initiatedBy string) (*domain.Ticket, *gate.Result, error) {
	ticket, err := w.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, nil, err
	}
	if ticket.IsBlocked || domain.TerminalStatus(ticket.Status) {
		return nil, nil, nil
	}
	next, ok := domain.NextStatus(ticket.Status)
	if !ok {
		return nil, nil, nil
	}
	res, err := w.Gate.Validate(ctx, ticketID, ticket.PhaseID)
	if err != nil {
		return nil, nil, err
	}
	if !res.Passed {
		return nil, &res, nil
	}
	updated, err := w.TransitionStatus(ctx, ticketID, next, TransitionOpts{
		InitiatedBy: initiatedBy,
		Reason:      fmt.Sprintf("gate passed for %s", ticket.PhaseID),
	})
	if err != nil {
		return nil, &res, err
	}
	return &updated, &res, nil
}

// Regress bounces a ticket from testing back to building, recording the
// feedback in the ticket context under "regressions".
func (w Workflow) Regress(ctx context.Context, ticketID, feedback, initiatedBy string) (domain.Ticket, error) {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	ticket, err := w.Repo.GetTicketTx(ctx, tx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if ticket.Status != domain.TicketTesting {
		return domain.Ticket{}, &InvalidTransitionError{TicketID: ticketID, From: ticket.Status, To: domain.TicketBuilding}
	}

	contextMap := map[string]any{}
	if ticket.ContextJSON != "" {
		if err := json.Unmarshal([]byte(ticket.ContextJSON), &contextMap); err != nil {
			contextMap = map[string]any{}
		}
	}
	regressions, _ := contextMap["regressions"].([]any)
	regressions = append(regressions, domain.Regression{
		FromStatus:  domain.TicketTesting,
		ToStatus:    domain.TicketBuilding,
		Feedback:    feedback,
		InitiatedBy: initiatedBy,
		At:          w.nowString(),
	})
	contextMap["regressions"] = regressions
	raw, err := json.Marshal(contextMap)
	if err != nil {
		return domain.Ticket{}, err
	}
	ticket.ContextJSON = string(raw)

	updated, err := w.transitionTx(ctx, tx, ticket, domain.TicketBuilding, TransitionOpts{
		InitiatedBy: initiatedBy,
		Reason:      feedback,
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	w.afterTransition(ticket, updated, TransitionOpts{InitiatedBy: initiatedBy, Reason: feedback})
	return updated, nil
}

// MarkBlocked sets the blocked overlay. Blocking an already blocked
// ticket is a no-op; blocking a done ticket is an error.
func (w Workflow) MarkBlocked(ctx context.Context, ticketID, blockerType, initiatedBy string) (domain.Ticket, error) {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	ticket, err := w.Repo.GetTicketTx(ctx, tx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if domain.TerminalStatus(ticket.Status) {
		return domain.Ticket{}, fmt.Errorf("ticket %s is done; cannot block", ticketID)
	}
	if ticket.IsBlocked {
		return ticket, tx.Commit()
	}

	now := w.nowString()
	ticket.IsBlocked = true
	ticket.BlockedReason = &blockerType
	ticket.BlockedAt = &now
	ticket.UpdatedAt = now
	if err := w.Repo.UpdateTicketStateTx(ctx, tx, ticket); err != nil {
		return domain.Ticket{}, err
	}
	if err := w.Events.Append(ctx, tx, events.TicketBlocked, ticket.ProjectID, "ticket", ticket.ID, initiatedBy, events.EventPayload{
		"blocker_type": blockerType,
		"status":       ticket.Status,
	}); err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	metrics.TicketsBlocked.Inc()
	w.log().Warn("ticket blocked",
		zap.String("ticket_id", ticket.ID),
		zap.String("blocker_type", blockerType))
	w.Bus.Publish(events.Event{
		Type:       events.TicketBlocked,
		ProjectID:  ticket.ProjectID,
		EntityKind: "ticket",
		EntityID:   ticket.ID,
		ActorID:    initiatedBy,
		Payload:    events.EventPayload{"blocker_type": blockerType},
		TS:         w.now(),
	})
	return ticket, nil
}

// Unblock clears the blocked overlay without changing status.
func (w Workflow) Unblock(ctx context.Context, ticketID, initiatedBy string) (domain.Ticket, error) {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	ticket, err := w.Repo.GetTicketTx(ctx, tx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if !ticket.IsBlocked {
		return ticket, tx.Commit()
	}
	ticket.IsBlocked = false
	ticket.BlockedReason = nil
	ticket.BlockedAt = nil
	ticket.UpdatedAt = w.nowString()
	if err := w.Repo.UpdateTicketStateTx(ctx, tx, ticket); err != nil {
		return domain.Ticket{}, err
	}
	if err := w.Events.Append(ctx, tx, events.TicketUnblocked, ticket.ProjectID, "ticket", ticket.ID, initiatedBy, nil); err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	w.Bus.Publish(events.Event{
		Type:       events.TicketUnblocked,
		ProjectID:  ticket.ProjectID,
		EntityKind: "ticket",
		EntityID:   ticket.ID,
		ActorID:    initiatedBy,
		TS:         w.now(),
	})
	return ticket, nil
}

// StallReport describes one ticket the monitor judged stuck.
type StallReport struct {
	TicketID     string        `json:"ticket_id"`
	Status       string        `json:"status"`
	TimeInStatus time.Duration `json:"time_in_status"`
	BlockerType  string        `json:"blocker_type"`
}

// DetectStalled finds active unblocked tickets whose time in the current
// status exceeds the stall window with no task progress inside it.
func (w Workflow) DetectStalled(ctx context.Context) ([]StallReport, error) {
	window := time.Duration(w.settings().Monitor.StallMinutes) * time.Minute
	now := w.now()
	cutoff := now.Add(-window).Format(time.RFC3339)

	tickets, err := w.Repo.ListActiveUnblockedTickets(ctx)
	if err != nil {
		return nil, err
	}
	var reports []StallReport
	for _, ticket := range tickets {
		changedAt, err := w.Repo.LastStatusChangeAt(ctx, ticket.ID)
		if err != nil {
			return nil, err
		}
		changed, err := time.Parse(time.RFC3339, changedAt)
		if err != nil {
			continue
		}
		inStatus := now.Sub(changed)
		if inStatus < window {
			continue
		}
		progressed, err := w.Repo.TaskProgressSince(ctx, ticket.ID, cutoff)
		if err != nil {
			return nil, err
		}
		if progressed {
			continue
		}
		failed, err := w.Repo.ListFailed(ctx, ticket.ID)
		if err != nil {
			return nil, err
		}
		reports = append(reports, StallReport{
			TicketID:     ticket.ID,
			Status:       ticket.Status,
			TimeInStatus: inStatus,
			BlockerType:  w.classifier().Classify(ctx, ticket, failed),
		})
	}
	return reports, nil
}

// BlockStalled marks every stalled ticket blocked and enqueues a
// critical remediation task in its current phase. Remediation enqueue is
// best effort; a failure there never unwinds the block.
func (w Workflow) BlockStalled(ctx context.Context, initiatedBy string) ([]StallReport, error) {
	reports, err := w.DetectStalled(ctx)
	if err != nil {
		return nil, err
	}
	for _, report := range reports {
		ticket, err := w.MarkBlocked(ctx, report.TicketID, report.BlockerType, initiatedBy)
		if err != nil {
			return reports, err
		}
		if _, err := w.Queue.Enqueue(ctx, queue.NewTask{
			TicketID: ticket.ID,
			TaskType: "resolve_blocker",
			Title:    fmt.Sprintf("Resolve blocker: %s", report.BlockerType),
			PhaseID:  ticket.PhaseID,
			Priority: domain.PriorityCritical,
			ActorID:  initiatedBy,
		}); err != nil {
			w.log().Warn("remediation task enqueue failed",
				zap.String("ticket_id", ticket.ID), zap.Error(err))
		}
	}
	return reports, nil
}

package workflow_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"taskfleet/internal/config"
	"taskfleet/internal/db"
	"taskfleet/internal/domain"
	"taskfleet/internal/events"
	"taskfleet/internal/gate"
	"taskfleet/internal/migrate"
	"taskfleet/internal/queue"
	"taskfleet/internal/repo"
	"taskfleet/internal/workflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	DB       *sql.DB
	Repo     repo.Repo
	Queue    queue.Queue
	Workflow workflow.Workflow
	Clock    *fakeClock
	Ctx      context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := repo.Repo{DB: conn}
	writer := events.Writer{DB: conn, Now: clock.Now}
	bus := events.NewBus(nil)
	q := queue.Queue{DB: conn, Repo: r, Events: writer, Bus: bus, Settings: config.Default(), Now: clock.Now}
	wf := workflow.Workflow{
		DB:       conn,
		Repo:     r,
		Events:   writer,
		Bus:      bus,
		Gate:     gate.Validator{Repo: r, Now: clock.Now},
		Queue:    q,
		Settings: config.Default(),
		Now:      clock.Now,
	}
	e := &env{DB: conn, Repo: r, Queue: q, Workflow: wf, Clock: clock, Ctx: context.Background()}

	now := clock.Now().Format(time.RFC3339)
	require.NoError(t, r.InsertOrganization(e.Ctx, domain.Organization{ID: "org-1", Name: "org-1", Tier: "enterprise", CreatedAt: now}))
	require.NoError(t, r.InsertProject(e.Ctx, domain.Project{ID: "proj-1", OrgID: "org-1", Name: "proj-1", CreatedAt: now}))
	require.NoError(t, r.UpsertProjectSettings(e.Ctx, "proj-1", config.Default()))
	return e
}

func (e *env) createTicket(t *testing.T) domain.Ticket {
	t.Helper()
	ticket, err := e.Workflow.CreateTicket(e.Ctx, workflow.NewTicket{
		ProjectID: "proj-1",
		Title:     "add rollback support",
		ActorID:   "tester",
	})
	require.NoError(t, err)
	return ticket
}

func (e *env) forceTo(t *testing.T, ticketID, status string) domain.Ticket {
	t.Helper()
	ticket, err := e.Workflow.TransitionStatus(e.Ctx, ticketID, status, workflow.TransitionOpts{
		InitiatedBy: "tester",
		Force:       true,
	})
	require.NoError(t, err)
	return ticket
}

func (e *env) submitArtifact(t *testing.T, ticketID, phaseID, kind string, content map[string]any) {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	now := e.Clock.Now().Format(time.RFC3339)
	require.NoError(t, e.Repo.UpsertArtifact(e.Ctx, domain.PhaseArtifact{
		ID:          uuid.NewString(),
		TicketID:    ticketID,
		PhaseID:     phaseID,
		Kind:        kind,
		ContentJSON: string(raw),
		CreatedBy:   "tester",
		CreatedAt:   now,
		UpdatedAt:   now,
	}))
}

func requirementsContent() map[string]any {
	return map[string]any{
		"content":  strings.Repeat("The scope covers rollback of failed deployments. Acceptance_criteria follow. ", 10),
		"sections": []string{"scope", "acceptance_criteria"},
	}
}

func TestCreateTicketDefaults(t *testing.T) {
	e := newEnv(t)
	ticket := e.createTicket(t)
	require.Equal(t, domain.TicketBacklog, ticket.Status)
	require.Equal(t, domain.PhaseBacklog, ticket.PhaseID)
	require.Equal(t, domain.PriorityMedium, ticket.Priority)
	require.False(t, ticket.IsBlocked)

	_, err := e.Workflow.CreateTicket(e.Ctx, workflow.NewTicket{ProjectID: "nope", Title: "x"})
	require.Error(t, err)
}

func TestHappyPathChain(t *testing.T) {
	e := newEnv(t)
	ticket := e.createTicket(t)

	chain := []struct{ status, phase string }{
		{domain.TicketAnalyzing, domain.PhaseRequirements},
		{domain.TicketBuilding, domain.PhaseImplementation},
		{domain.TicketBuildingDone, domain.PhaseDeployment},
		{domain.TicketTesting, domain.PhaseTesting},
		{domain.TicketDone, domain.PhaseDone},
	}
	prevPhase := domain.PhaseBacklog
	for _, step := range chain {
		updated, err := e.Workflow.TransitionStatus(e.Ctx, ticket.ID, step.status, workflow.TransitionOpts{InitiatedBy: "tester"})
		require.NoError(t, err)
		require.Equal(t, step.status, updated.Status)
		require.Equal(t, step.phase, updated.PhaseID)
		require.NotNil(t, updated.PreviousPhaseID)
		require.Equal(t, prevPhase, *updated.PreviousPhaseID)
		prevPhase = step.phase
	}

	history, err := e.Repo.ListPhaseHistory(e.Ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, history, len(chain))

	// done is terminal.
	_, err = e.Workflow.TransitionStatus(e.Ctx, ticket.ID, domain.TicketTesting, workflow.TransitionOpts{InitiatedBy: "tester"})
	var invalid *workflow.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestInvalidTransitionAndForce(t *testing.T) {
	e := newEnv(t)
	ticket := e.createTicket(t)

	_, err := e.Workflow.TransitionStatus(e.Ctx, ticket.ID, domain.TicketTesting, workflow.TransitionOpts{InitiatedBy: "tester"})
	var invalid *workflow.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, domain.TicketBacklog, invalid.From)
	require.Equal(t, domain.TicketTesting, invalid.To)

	updated, err := e.Workflow.TransitionStatus(e.Ctx, ticket.ID, domain.TicketTesting, workflow.TransitionOpts{
		InitiatedBy: "tester",
		Force:       true,
	})
	require.NoError(t, err)
	require.Equal(t, domain.TicketTesting, updated.Status)
}

func TestBlockedOverlayDiscipline(t *testing.T) {
	e := newEnv(t)
	ticket := e.createTicket(t)
	e.forceTo(t, ticket.ID, domain.TicketAnalyzing)

	_, err := e.Workflow.MarkBlocked(e.Ctx, ticket.ID, "waiting_on_clarification", "monitor")
	require.NoError(t, err)

	// backlog is not unblock-eligible, so a blocked ticket cannot move there.
	_, err = e.Workflow.TransitionStatus(e.Ctx, ticket.ID, domain.TicketBacklog, workflow.TransitionOpts{
		InitiatedBy: "tester",
		Force:       false,
	})
	var blocked *workflow.BlockedError
	require.ErrorAs(t, err, &blocked)

	// Moving into an active working status clears the overlay.
	updated, err := e.Workflow.TransitionStatus(e.Ctx, ticket.ID, domain.TicketBuilding, workflow.TransitionOpts{InitiatedBy: "tester"})
	require.NoError(t, err)
	require.False(t, updated.IsBlocked)
	require.Nil(t, updated.BlockedReason)
	require.Nil(t, updated.BlockedAt)
}

func TestMarkBlockedIdempotentAndTerminal(t *testing.T) {
	e := newEnv(t)
	ticket := e.createTicket(t)
	e.forceTo(t, ticket.ID, domain.TicketBuilding)

	first, err := e.Workflow.MarkBlocked(e.Ctx, ticket.ID, "failing_checks", "monitor")
	require.NoError(t, err)
	require.True(t, first.IsBlocked)

	second, err := e.Workflow.MarkBlocked(e.Ctx, ticket.ID, "something_else", "monitor")
	require.NoError(t, err)
	require.Equal(t, "failing_checks", *second.BlockedReason)

	e.forceTo(t, ticket.ID, domain.TicketDone)
	_, err = e.Workflow.MarkBlocked(e.Ctx, ticket.ID, "failing_checks", "monitor")
	require.Error(t, err)
}

func TestUnblock(t *testing.T) {
	e := newEnv(t)
	ticket := e.createTicket(t)

	// Unblocking an unblocked ticket is a no-op.
	_, err := e.Workflow.Unblock(e.Ctx, ticket.ID, "op")
	require.NoError(t, err)

	_, err = e.Workflow.MarkBlocked(e.Ctx, ticket.ID, "waiting_on_clarification", "monitor")
	require.NoError(t, err)
	updated, err := e.Workflow.Unblock(e.Ctx, ticket.ID, "op")
	require.NoError(t, err)
	require.False(t, updated.IsBlocked)
	require.Equal(t, domain.TicketBacklog, updated.Status, "unblock never changes status")
}

func TestRegress(t *testing.T) {
	e := newEnv(t)
	ticket := e.createTicket(t)

	_, err := e.Workflow.Regress(e.Ctx, ticket.ID, "flaky login test", "qa")
	require.Error(t, err, "only testing tickets can regress")

	e.forceTo(t, ticket.ID, domain.TicketTesting)
	updated, err := e.Workflow.Regress(e.Ctx, ticket.ID, "flaky login test", "qa")
	require.NoError(t, err)
	require.Equal(t, domain.TicketBuilding, updated.Status)
	require.Equal(t, domain.PhaseImplementation, updated.PhaseID)

	var contextMap map[string]any
	require.NoError(t, json.Unmarshal([]byte(updated.ContextJSON), &contextMap))
	regressions, ok := contextMap["regressions"].([]any)
	require.True(t, ok)
	require.Len(t, regressions, 1)
	entry := regressions[0].(map[string]any)
	require.Equal(t, "flaky login test", entry["feedback"])
	require.Equal(t, domain.TicketTesting, entry["from_status"])
}

func TestCheckAndProgress(t *testing.T) {
	e := newEnv(t)
	ticket := e.createTicket(t)
	e.forceTo(t, ticket.ID, domain.TicketAnalyzing)

	// Gate fails while the requirements document is missing.
	updated, res, err := e.Workflow.CheckAndProgress(e.Ctx, ticket.ID, "coordinator")
	require.NoError(t, err)
	require.Nil(t, updated)
	require.NotNil(t, res)
	require.False(t, res.Passed)
	require.Equal(t, gate.StatusBlocked, res.Check.Status)

	e.submitArtifact(t, ticket.ID, domain.PhaseRequirements, "requirements_document", requirementsContent())
	e.Clock.Advance(time.Minute)
	updated, res, err = e.Workflow.CheckAndProgress(e.Ctx, ticket.ID, "coordinator")
	require.NoError(t, err)
	require.NotNil(t, res)
	require.True(t, res.Passed)
	require.NotNil(t, updated)
	require.Equal(t, domain.TicketBuilding, updated.Status)

	history, err := e.Repo.ListPhaseHistory(e.Ctx, ticket.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	require.Contains(t, last.Reason, "gate passed")
}

func TestCheckAndProgressSkipsBlockedAndTerminal(t *testing.T) {
	e := newEnv(t)
	ticket := e.createTicket(t)
	_, err := e.Workflow.MarkBlocked(e.Ctx, ticket.ID, "waiting_on_clarification", "monitor")
	require.NoError(t, err)

	updated, res, err := e.Workflow.CheckAndProgress(e.Ctx, ticket.ID, "coordinator")
	require.NoError(t, err)
	require.Nil(t, updated)
	require.Nil(t, res)

	dsnDone := e.createTicket(t)
	e.forceTo(t, dsnDone.ID, domain.TicketDone)
	updated, res, err = e.Workflow.CheckAndProgress(e.Ctx, dsnDone.ID, "coordinator")
	require.NoError(t, err)
	require.Nil(t, updated)
	require.Nil(t, res)
}

func TestDetectStalled(t *testing.T) {
	e := newEnv(t)
	ticket := e.createTicket(t)
	e.forceTo(t, ticket.ID, domain.TicketBuilding)

	// Fresh transition: nothing stalled yet.
	reports, err := e.Workflow.DetectStalled(e.Ctx)
	require.NoError(t, err)
	require.Empty(t, reports)

	e.Clock.Advance(31 * time.Minute)
	reports, err = e.Workflow.DetectStalled(e.Ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, ticket.ID, reports[0].TicketID)
	require.Equal(t, "waiting_on_clarification", reports[0].BlockerType)
	require.GreaterOrEqual(t, reports[0].TimeInStatus, 31*time.Minute)
}

func TestDetectStalledSeesTaskProgress(t *testing.T) {
	e := newEnv(t)
	ticket := e.createTicket(t)
	e.forceTo(t, ticket.ID, domain.TicketBuilding)

	e.Clock.Advance(20 * time.Minute)
	_, err := e.Queue.Enqueue(e.Ctx, queue.NewTask{TicketID: ticket.ID, TaskType: "implement_feature"})
	require.NoError(t, err)

	e.Clock.Advance(15 * time.Minute)
	reports, err := e.Workflow.DetectStalled(e.Ctx)
	require.NoError(t, err)
	require.Empty(t, reports, "recent task activity counts as progress")
}

func TestDetectStalledClassifiesFailures(t *testing.T) {
	e := newEnv(t)
	ticket := e.createTicket(t)
	e.forceTo(t, ticket.ID, domain.TicketBuilding)

	task, err := e.Queue.Enqueue(e.Ctx, queue.NewTask{TicketID: ticket.ID, TaskType: "run_tests"})
	require.NoError(t, err)
	failTask(t, e, task.ID)

	e.Clock.Advance(31 * time.Minute)
	reports, err := e.Workflow.DetectStalled(e.Ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "failing_checks", reports[0].BlockerType)
}

func TestBlockStalled(t *testing.T) {
	e := newEnv(t)
	ticket := e.createTicket(t)
	e.forceTo(t, ticket.ID, domain.TicketBuilding)

	e.Clock.Advance(31 * time.Minute)
	reports, err := e.Workflow.BlockStalled(e.Ctx, "monitor")
	require.NoError(t, err)
	require.Len(t, reports, 1)

	blocked, err := e.Repo.GetTicket(e.Ctx, ticket.ID)
	require.NoError(t, err)
	require.True(t, blocked.IsBlocked)
	require.Equal(t, "waiting_on_clarification", *blocked.BlockedReason)

	tasks, err := e.Repo.ListTasks(e.Ctx, repo.TaskFilter{TicketID: ticket.ID, TaskType: "resolve_blocker"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, domain.PriorityCritical, tasks[0].Priority)
}

func failTask(t *testing.T, e *env, taskID string) {
	t.Helper()
	tx, err := e.DB.BeginTx(e.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	task, err := e.Repo.GetTaskTx(e.Ctx, tx, taskID)
	require.NoError(t, err)
	now := e.Clock.Now().Format(time.RFC3339)
	msg := "assertion failed"
	task.Status = domain.TaskFailed
	task.ErrorMessage = &msg
	task.CompletedAt = &now
	task.UpdatedAt = now
	require.NoError(t, e.Repo.UpdateTaskStateTx(e.Ctx, tx, task))
	require.NoError(t, tx.Commit())
}

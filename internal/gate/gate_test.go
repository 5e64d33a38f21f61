package gate_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"taskfleet/internal/config"
	"taskfleet/internal/db"
	"taskfleet/internal/domain"
	"taskfleet/internal/gate"
	"taskfleet/internal/migrate"
	"taskfleet/internal/repo"
)

type env struct {
	DB        *sql.DB
	Repo      repo.Repo
	Validator gate.Validator
	Ctx       context.Context
	now       time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := repo.Repo{DB: conn}
	e := &env{
		DB:        conn,
		Repo:      r,
		Validator: gate.Validator{Repo: r, Now: func() time.Time { return now }},
		Ctx:       context.Background(),
		now:       now,
	}
	ts := now.Format(time.RFC3339)
	require.NoError(t, r.InsertOrganization(e.Ctx, domain.Organization{ID: "org-1", Name: "org-1", Tier: "team", CreatedAt: ts}))
	require.NoError(t, r.InsertProject(e.Ctx, domain.Project{ID: "proj-1", OrgID: "org-1", Name: "proj-1", CreatedAt: ts}))
	require.NoError(t, r.UpsertProjectSettings(e.Ctx, "proj-1", config.Default()))
	return e
}

func (e *env) setStrictness(t *testing.T, mode string) {
	t.Helper()
	settings := config.Default()
	settings.Gate.Strictness = mode
	require.NoError(t, e.Repo.UpsertProjectSettings(e.Ctx, "proj-1", settings))
}

func (e *env) seedTicket(t *testing.T, status string) domain.Ticket {
	t.Helper()
	ts := e.now.Format(time.RFC3339)
	ticket := domain.Ticket{
		ID:        uuid.NewString(),
		ProjectID: "proj-1",
		Title:     "gate fixture",
		Status:    status,
		PhaseID:   domain.PhaseFor(status),
		Priority:  domain.PriorityMedium,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	require.NoError(t, e.Repo.InsertTicket(e.Ctx, ticket))
	return ticket
}

func (e *env) submit(t *testing.T, ticketID, phaseID, kind string, content map[string]any) {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	ts := e.now.Format(time.RFC3339)
	require.NoError(t, e.Repo.UpsertArtifact(e.Ctx, domain.PhaseArtifact{
		ID:          uuid.NewString(),
		TicketID:    ticketID,
		PhaseID:     phaseID,
		Kind:        kind,
		ContentJSON: string(raw),
		CreatedBy:   "tester",
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}))
}

func (e *env) addPhaseTask(t *testing.T, ticketID, phaseID, status string) {
	t.Helper()
	tx, err := e.DB.BeginTx(e.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	ts := e.now.Format(time.RFC3339)
	require.NoError(t, e.Repo.InsertTaskTx(e.Ctx, tx, domain.Task{
		ID:         uuid.NewString(),
		TicketID:   ticketID,
		PhaseID:    phaseID,
		TaskType:   "analyze_requirements",
		Title:      "analyze",
		Status:     status,
		Priority:   domain.PriorityMedium,
		MaxRetries: 3,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}))
	require.NoError(t, tx.Commit())
}

func goodRequirementsDoc() map[string]any {
	return map[string]any{
		"content":  strings.Repeat("Scope covers retry handling for the importer. Acceptance_criteria are enumerated below. ", 10),
		"sections": []string{"scope", "acceptance_criteria"},
	}
}

func (e *env) addCompletedTask(t *testing.T, ticketID, phaseID string, result map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	resultJSON := string(raw)
	tx, err := e.DB.BeginTx(e.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	ts := e.now.Format(time.RFC3339)
	id := uuid.NewString()
	require.NoError(t, e.Repo.InsertTaskTx(e.Ctx, tx, domain.Task{
		ID:          id,
		TicketID:    ticketID,
		PhaseID:     phaseID,
		TaskType:    "analyze_requirements",
		Title:       "analyze",
		Status:      domain.TaskCompleted,
		Priority:    domain.PriorityMedium,
		MaxRetries:  3,
		ResultJSON:  &resultJSON,
		CompletedAt: &ts,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}))
	require.NoError(t, tx.Commit())
	return id
}

func TestValidateTable(t *testing.T) {
	require.NoError(t, gate.ValidateTable())
}

func TestCheckNotConfigured(t *testing.T) {
	e := newEnv(t)
	ticket := e.seedTicket(t, domain.TicketBacklog)
	check, err := e.Validator.Check(e.Ctx, ticket.ID, domain.PhaseBacklog)
	require.NoError(t, err)
	require.Equal(t, gate.StatusNotConfigured, check.Status)

	res, err := e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseBacklog)
	require.NoError(t, err)
	require.True(t, res.Passed, "unconfigured phases pass trivially")
}

func TestCheckMissingArtifacts(t *testing.T) {
	e := newEnv(t)
	ticket := e.seedTicket(t, domain.TicketAnalyzing)
	check, err := e.Validator.Check(e.Ctx, ticket.ID, domain.PhaseRequirements)
	require.NoError(t, err)
	require.Equal(t, gate.StatusBlocked, check.Status)
	require.Equal(t, []string{"requirements_document"}, check.MissingArtifacts)
}

func TestCheckWaitingTasks(t *testing.T) {
	e := newEnv(t)
	ticket := e.seedTicket(t, domain.TicketAnalyzing)
	e.submit(t, ticket.ID, domain.PhaseRequirements, "requirements_document", goodRequirementsDoc())
	e.addPhaseTask(t, ticket.ID, domain.PhaseRequirements, domain.TaskRunning)

	check, err := e.Validator.Check(e.Ctx, ticket.ID, domain.PhaseRequirements)
	require.NoError(t, err)
	require.Equal(t, gate.StatusWaitingTasks, check.Status)
	require.Equal(t, 1, check.IncompleteTasks)
}

func TestCheckReady(t *testing.T) {
	e := newEnv(t)
	ticket := e.seedTicket(t, domain.TicketAnalyzing)
	e.submit(t, ticket.ID, domain.PhaseRequirements, "requirements_document", goodRequirementsDoc())
	e.addPhaseTask(t, ticket.ID, domain.PhaseRequirements, domain.TaskCompleted)

	check, err := e.Validator.Check(e.Ctx, ticket.ID, domain.PhaseRequirements)
	require.NoError(t, err)
	require.Equal(t, gate.StatusReady, check.Status)
}

func TestStrictMinLength(t *testing.T) {
	e := newEnv(t)
	ticket := e.seedTicket(t, domain.TicketAnalyzing)
	e.submit(t, ticket.ID, domain.PhaseRequirements, "requirements_document", map[string]any{
		"content":  "Too short. Scope and acceptance_criteria are named but the document is thin.",
		"sections": []string{"scope", "acceptance_criteria"},
	})

	res, err := e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseRequirements)
	require.NoError(t, err)
	require.False(t, res.Passed)
	require.Len(t, res.Issues, 1)
	require.Equal(t, "min_length", res.Issues[0].Rule)
}

func TestStrictRequiredSections(t *testing.T) {
	e := newEnv(t)
	ticket := e.seedTicket(t, domain.TicketAnalyzing)
	e.submit(t, ticket.ID, domain.PhaseRequirements, "requirements_document", map[string]any{
		"content": strings.Repeat("Scope is described here at length without the other mandatory section. ", 10),
	})

	res, err := e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseRequirements)
	require.NoError(t, err)
	require.False(t, res.Passed)
	require.Len(t, res.Issues, 1)
	require.Equal(t, "required_sections", res.Issues[0].Rule)
	require.Contains(t, res.Issues[0].Detail, "acceptance_criteria")
}

func TestCoverageThresholdFromSettings(t *testing.T) {
	e := newEnv(t)
	ticket := e.seedTicket(t, domain.TicketBuilding)
	e.submit(t, ticket.ID, domain.PhaseImplementation, "code_changes", map[string]any{"content": "diff"})
	e.submit(t, ticket.ID, domain.PhaseImplementation, "test_coverage", map[string]any{
		"has_tests":  true,
		"percentage": 72.5,
	})

	res, err := e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseImplementation)
	require.NoError(t, err)
	require.False(t, res.Passed, "72.5%% is under the default 80%% floor")
	require.Len(t, res.Issues, 1)
	require.Equal(t, "min_percentage", res.Issues[0].Rule)

	settings := config.Default()
	settings.Gate.MinTestCoverage = 70
	require.NoError(t, e.Repo.UpsertProjectSettings(e.Ctx, "proj-1", settings))

	res, err = e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseImplementation)
	require.NoError(t, err)
	require.True(t, res.Passed)
}

func TestAllPassedCriterion(t *testing.T) {
	e := newEnv(t)
	ticket := e.seedTicket(t, domain.TicketTesting)
	e.submit(t, ticket.ID, domain.PhaseTesting, "test_results", map[string]any{"all_passed": false})
	e.submit(t, ticket.ID, domain.PhaseTesting, "test_evidence", map[string]any{"content": "log excerpt"})

	res, err := e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseTesting)
	require.NoError(t, err)
	require.False(t, res.Passed)
	require.Equal(t, "all_passed", res.Issues[0].Rule)

	e.submit(t, ticket.ID, domain.PhaseTesting, "test_results", map[string]any{"all_passed": true})
	res, err = e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseTesting)
	require.NoError(t, err)
	require.True(t, res.Passed)
}

func TestLenientDemotesCriteria(t *testing.T) {
	e := newEnv(t)
	e.setStrictness(t, config.StrictnessLenient)
	ticket := e.seedTicket(t, domain.TicketTesting)
	e.submit(t, ticket.ID, domain.PhaseTesting, "test_results", map[string]any{"all_passed": false})
	e.submit(t, ticket.ID, domain.PhaseTesting, "test_evidence", map[string]any{"content": "log excerpt"})

	res, err := e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseTesting)
	require.NoError(t, err)
	require.True(t, res.Passed)
	require.Empty(t, res.Issues)
	require.NotEmpty(t, res.Warnings)
}

func TestLenientStillFailsOnMissingArtifacts(t *testing.T) {
	e := newEnv(t)
	e.setStrictness(t, config.StrictnessLenient)
	ticket := e.seedTicket(t, domain.TicketTesting)

	res, err := e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseTesting)
	require.NoError(t, err)
	require.False(t, res.Passed)
	require.Equal(t, gate.StatusBlocked, res.Check.Status)
}

func TestBypassAlwaysPasses(t *testing.T) {
	e := newEnv(t)
	e.setStrictness(t, config.StrictnessBypass)
	ticket := e.seedTicket(t, domain.TicketTesting)

	res, err := e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseTesting)
	require.NoError(t, err)
	require.True(t, res.Passed)
	require.Contains(t, res.Warnings[0], "bypassed")
}

func TestValidateCollectsArtifactsFromTaskResults(t *testing.T) {
	e := newEnv(t)
	ticket := e.seedTicket(t, domain.TicketAnalyzing)

	decl := goodRequirementsDoc()
	decl["type"] = "requirements_document"
	decl["path"] = "docs/prd.md"
	taskID := e.addCompletedTask(t, ticket.ID, domain.PhaseRequirements, map[string]any{
		"artifacts": []any{decl},
	})

	res, err := e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseRequirements)
	require.NoError(t, err)
	require.True(t, res.Passed, "evidence reported in the task result satisfies the gate")

	artifacts, err := e.Repo.ListArtifacts(e.Ctx, ticket.ID, domain.PhaseRequirements)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, "requirements_document", artifacts[0].Kind)
	require.Equal(t, "docs/prd.md", artifacts[0].Path)
	require.Equal(t, "task:"+taskID, artifacts[0].CreatedBy)

	// Re-validation collects nothing new.
	_, err = e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseRequirements)
	require.NoError(t, err)
	artifacts, err = e.Repo.ListArtifacts(e.Ctx, ticket.ID, domain.PhaseRequirements)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
}

func TestCollectNeverOverwritesSubmittedEvidence(t *testing.T) {
	e := newEnv(t)
	ticket := e.seedTicket(t, domain.TicketAnalyzing)
	e.submit(t, ticket.ID, domain.PhaseRequirements, "requirements_document", goodRequirementsDoc())

	e.addCompletedTask(t, ticket.ID, domain.PhaseRequirements, map[string]any{
		"artifacts": []any{map[string]any{"type": "requirements_document", "content": "thin"}},
	})

	res, err := e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseRequirements)
	require.NoError(t, err)
	require.True(t, res.Passed)

	artifacts, err := e.Repo.ListArtifacts(e.Ctx, ticket.ID, domain.PhaseRequirements)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, "tester", artifacts[0].CreatedBy, "the filled slot keeps its evidence")
	require.NotContains(t, artifacts[0].ContentJSON, "thin")
}

func TestCanTransition(t *testing.T) {
	e := newEnv(t)
	ticket := e.seedTicket(t, domain.TicketAnalyzing)

	allowed, reasons, err := e.Validator.CanTransition(e.Ctx, ticket.ID)
	require.NoError(t, err)
	require.False(t, allowed)
	require.NotEmpty(t, reasons)
	require.Contains(t, reasons[0], "requirements_document")

	e.submit(t, ticket.ID, domain.PhaseRequirements, "requirements_document", goodRequirementsDoc())
	allowed, reasons, err = e.Validator.CanTransition(e.Ctx, ticket.ID)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Empty(t, reasons)
}

func TestValidatePersistsResult(t *testing.T) {
	e := newEnv(t)
	ticket := e.seedTicket(t, domain.TicketAnalyzing)

	res, err := e.Validator.Validate(e.Ctx, ticket.ID, domain.PhaseRequirements)
	require.NoError(t, err)
	require.False(t, res.Passed)

	record, err := e.Repo.LatestGateResult(e.Ctx, ticket.ID, domain.PhaseRequirements)
	require.NoError(t, err)
	require.False(t, record.Passed)
	require.Equal(t, config.StrictnessStrict, record.Strictness)

	var stored gate.Result
	require.NoError(t, json.Unmarshal([]byte(record.ValidationJSON), &stored))
	require.Equal(t, gate.StatusBlocked, stored.Check.Status)
}

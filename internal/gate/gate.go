package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskfleet/internal/config"
	"taskfleet/internal/domain"
	"taskfleet/internal/metrics"
	"taskfleet/internal/repo"
)

// Requirement check statuses.
const (
	StatusNotConfigured = "not_configured"
	StatusReady         = "ready"
	StatusBlocked       = "blocked"
	StatusWaitingTasks  = "waiting_tasks"
)

// Criteria are the per-artifact-kind quality rules. Zero fields are not
// enforced.
type Criteria struct {
	MinLength        int
	RequiredSections []string
	// MinPercentage <= 0 defers to the project's gate.min_test_coverage.
	MinPercentage float64
	MustHaveTests bool
	AllPassed     bool
}

// Requirements describe what a phase demands before a ticket may leave it.
type Requirements struct {
	RequiredArtifacts []string
	RequireTasksDone  bool
	Criteria          map[string]Criteria
}

// phaseRequirements is the gate table. Phases absent here are
// unconfigured and pass trivially.
var phaseRequirements = map[string]Requirements{
	domain.PhaseRequirements: {
		RequiredArtifacts: []string{"requirements_document"},
		RequireTasksDone:  true,
		Criteria: map[string]Criteria{
			"requirements_document": {
				MinLength:        500,
				RequiredSections: []string{"scope", "acceptance_criteria"},
			},
		},
	},
	domain.PhaseImplementation: {
		RequiredArtifacts: []string{"code_changes", "test_coverage"},
		RequireTasksDone:  true,
		Criteria: map[string]Criteria{
			"test_coverage": {MustHaveTests: true},
		},
	},
	domain.PhaseTesting: {
		RequiredArtifacts: []string{"test_results", "test_evidence"},
		RequireTasksDone:  true,
		Criteria: map[string]Criteria{
			"test_results": {AllPassed: true},
		},
	},
	domain.PhaseDeployment: {
		RequiredArtifacts: []string{"packaging_bundle", "handoff_documentation"},
		RequireTasksDone:  true,
	},
}

// RequirementsFor returns the gate table entry for a phase.
func RequirementsFor(phaseID string) (Requirements, bool) {
	r, ok := phaseRequirements[phaseID]
	return r, ok
}

// ValidateTable sanity-checks the gate table at startup: every criteria
// kind must be a required artifact of its phase.
func ValidateTable() error {
	for phase, req := range phaseRequirements {
		required := make(map[string]bool, len(req.RequiredArtifacts))
		for _, kind := range req.RequiredArtifacts {
			if kind == "" {
				return fmt.Errorf("phase %s has empty artifact kind", phase)
			}
			required[kind] = true
		}
		for kind := range req.Criteria {
			if !required[kind] {
				return fmt.Errorf("phase %s has criteria for unrequired artifact %s", phase, kind)
			}
		}
	}
	return nil
}

type CheckResult struct {
	Status           string   `json:"status"`
	MissingArtifacts []string `json:"missing_artifacts,omitempty"`
	IncompleteTasks  int      `json:"incomplete_tasks,omitempty"`
}

type Issue struct {
	ArtifactKind string `json:"artifact_kind"`
	Rule         string `json:"rule"`
	Detail       string `json:"detail"`
}

type Result struct {
	TicketID   string      `json:"ticket_id"`
	PhaseID    string      `json:"phase_id"`
	Passed     bool        `json:"passed"`
	Strictness string      `json:"strictness"`
	Check      CheckResult `json:"check"`
	Issues     []Issue     `json:"issues,omitempty"`
	Warnings   []string    `json:"warnings,omitempty"`
}

// Validator evaluates phase gates against stored artifacts and task
// completion, honoring the project's strictness mode.
type Validator struct {
	Repo repo.Repo
	Log  *zap.Logger
	Now  func() time.Time
}

func (v Validator) now() time.Time {
	if v.Now != nil {
		return v.Now().UTC()
	}
	return time.Now().UTC()
}

func (v Validator) log() *zap.Logger {
	if v.Log != nil {
		return v.Log
	}
	return zap.NewNop()
}

// CollectArtifacts scans the phase's completed tasks for artifact
// declarations embedded in their result payloads and persists any not
// already recorded. An executor reports evidence as
// result_json["artifacts"]: a list of {"type": ..., "path": ...}
// objects; the whole declaration becomes the artifact content.
// Idempotent on (kind, path), and filled slots are never overwritten,
// so re-validation cannot clobber manually submitted evidence.
func (v Validator) CollectArtifacts(ctx context.Context, ticketID, phaseID string) (int, error) {
	tasks, err := v.Repo.ListTasks(ctx, repo.TaskFilter{
		TicketID: ticketID,
		PhaseID:  phaseID,
		Status:   domain.TaskCompleted,
	})
	if err != nil {
		return 0, err
	}
	collected := 0
	for _, task := range tasks {
		if task.ResultJSON == nil {
			continue
		}
		var result struct {
			Artifacts []map[string]any `json:"artifacts"`
		}
		if err := json.Unmarshal([]byte(*task.ResultJSON), &result); err != nil {
			continue
		}
		for _, decl := range result.Artifacts {
			kind, _ := decl["type"].(string)
			if kind == "" {
				continue
			}
			path, _ := decl["path"].(string)
			exists, err := v.Repo.HasArtifactAt(ctx, ticketID, phaseID, kind, path)
			if err != nil {
				return collected, err
			}
			if exists {
				continue
			}
			content, err := json.Marshal(decl)
			if err != nil {
				continue
			}
			now := v.now().Format(time.RFC3339)
			if err := v.Repo.UpsertArtifact(ctx, domain.PhaseArtifact{
				ID:          uuid.NewString(),
				TicketID:    ticketID,
				PhaseID:     phaseID,
				Kind:        kind,
				Path:        path,
				ContentJSON: string(content),
				CreatedBy:   "task:" + task.ID,
				CreatedAt:   now,
				UpdatedAt:   now,
			}); err != nil {
				return collected, err
			}
			collected++
		}
	}
	if collected > 0 {
		v.log().Info("artifacts collected",
			zap.String("ticket_id", ticketID),
			zap.String("phase_id", phaseID),
			zap.Int("count", collected))
	}
	return collected, nil
}

// Check reports requirement readiness without judging artifact quality.
func (v Validator) Check(ctx context.Context, ticketID, phaseID string) (CheckResult, error) {
	req, configured := phaseRequirements[phaseID]
	if !configured {
		return CheckResult{Status: StatusNotConfigured}, nil
	}
	artifacts, err := v.Repo.ListArtifacts(ctx, ticketID, phaseID)
	if err != nil {
		return CheckResult{}, err
	}
	present := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		present[a.Kind] = true
	}
	var missing []string
	for _, kind := range req.RequiredArtifacts {
		if !present[kind] {
			missing = append(missing, kind)
		}
	}
	if len(missing) > 0 {
		return CheckResult{Status: StatusBlocked, MissingArtifacts: missing}, nil
	}
	if req.RequireTasksDone {
		incomplete, err := v.Repo.CountIncompleteForPhase(ctx, ticketID, phaseID)
		if err != nil {
			return CheckResult{}, err
		}
		if incomplete > 0 {
			return CheckResult{Status: StatusWaitingTasks, IncompleteTasks: incomplete}, nil
		}
	}
	return CheckResult{Status: StatusReady}, nil
}

// Validate collects task-reported artifacts, runs the full gate for a
// ticket's phase, and persists the outcome as a gate_results row.
//
// strict: any missing artifact, incomplete task, or criteria violation
// fails the gate. lenient: missing artifacts still fail; everything else
// downgrades to warnings. bypass: always passes, all findings become
// warnings.
func (v Validator) Validate(ctx context.Context, ticketID, phaseID string) (Result, error) {
	ticket, err := v.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return Result{}, err
	}
	settings, err := v.Repo.GetProjectSettings(ctx, ticket.ProjectID)
	if err != nil {
		return Result{}, err
	}

	if _, err := v.CollectArtifacts(ctx, ticketID, phaseID); err != nil {
		return Result{}, err
	}

	res := Result{
		TicketID:   ticketID,
		PhaseID:    phaseID,
		Strictness: settings.Gate.Strictness,
	}
	res.Check, err = v.Check(ctx, ticketID, phaseID)
	if err != nil {
		return Result{}, err
	}

	if res.Check.Status == StatusNotConfigured {
		res.Passed = true
		return res, v.persist(ctx, ticket, res)
	}

	if res.Check.Status == StatusReady {
		res.Issues, err = v.evaluateCriteria(ctx, ticketID, phaseID, settings)
		if err != nil {
			return Result{}, err
		}
	}

	switch settings.Gate.Strictness {
	case config.StrictnessBypass:
		res.Passed = true
		res.Warnings = append(res.Warnings, "gate bypassed by project settings")
		res.Warnings = append(res.Warnings, demote(res)...)
		res.Issues = nil
	case config.StrictnessLenient:
		res.Passed = res.Check.Status != StatusBlocked
		if res.Passed {
			res.Warnings = append(res.Warnings, demote(res)...)
			res.Issues = nil
		}
	default:
		res.Passed = res.Check.Status == StatusReady && len(res.Issues) == 0
	}

	return res, v.persist(ctx, ticket, res)
}

// CanTransition validates the exit gate of the ticket's current phase
// and renders the verdict as (allowed, reasons). The target phase plays
// no part: leaving is gated, arriving is not.
func (v Validator) CanTransition(ctx context.Context, ticketID string) (bool, []string, error) {
	ticket, err := v.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return false, nil, err
	}
	res, err := v.Validate(ctx, ticketID, ticket.PhaseID)
	if err != nil {
		return false, nil, err
	}
	if res.Passed {
		return true, nil, nil
	}
	var reasons []string
	if len(res.Check.MissingArtifacts) > 0 {
		reasons = append(reasons, fmt.Sprintf("missing artifacts: %s", strings.Join(res.Check.MissingArtifacts, ", ")))
	}
	if res.Check.IncompleteTasks > 0 {
		reasons = append(reasons, fmt.Sprintf("%d phase tasks incomplete", res.Check.IncompleteTasks))
	}
	for _, issue := range res.Issues {
		reasons = append(reasons, fmt.Sprintf("%s: %s (%s)", issue.ArtifactKind, issue.Detail, issue.Rule))
	}
	return false, reasons, nil
}

// demote renders non-fatal findings as warning strings.
func demote(res Result) []string {
	var warnings []string
	if res.Check.Status == StatusWaitingTasks {
		warnings = append(warnings, fmt.Sprintf("%d phase tasks incomplete", res.Check.IncompleteTasks))
	}
	if res.Check.Status == StatusBlocked {
		warnings = append(warnings, fmt.Sprintf("missing artifacts: %s", strings.Join(res.Check.MissingArtifacts, ", ")))
	}
	for _, issue := range res.Issues {
		warnings = append(warnings, fmt.Sprintf("%s: %s (%s)", issue.ArtifactKind, issue.Detail, issue.Rule))
	}
	return warnings
}

func (v Validator) evaluateCriteria(ctx context.Context, ticketID, phaseID string, settings *config.Settings) ([]Issue, error) {
	req := phaseRequirements[phaseID]
	artifacts, err := v.Repo.ListArtifacts(ctx, ticketID, phaseID)
	if err != nil {
		return nil, err
	}
	byKind := make(map[string]domain.PhaseArtifact, len(artifacts))
	for _, a := range artifacts {
		byKind[a.Kind] = a
	}

	var issues []Issue
	for kind, rules := range req.Criteria {
		artifact, ok := byKind[kind]
		if !ok {
			continue
		}
		var content map[string]any
		if err := json.Unmarshal([]byte(artifact.ContentJSON), &content); err != nil {
			issues = append(issues, Issue{ArtifactKind: kind, Rule: "content", Detail: "content is not a JSON object"})
			continue
		}
		issues = append(issues, evaluateArtifact(kind, rules, content, settings.Gate.MinTestCoverage)...)
	}
	return issues, nil
}

func evaluateArtifact(kind string, rules Criteria, content map[string]any, minCoverage float64) []Issue {
	var issues []Issue
	text, _ := content["content"].(string)

	if rules.MinLength > 0 && len(text) < rules.MinLength {
		issues = append(issues, Issue{
			ArtifactKind: kind,
			Rule:         "min_length",
			Detail:       fmt.Sprintf("content is %d chars, need %d", len(text), rules.MinLength),
		})
	}
	if len(rules.RequiredSections) > 0 {
		declared := map[string]bool{}
		if sections, ok := content["sections"].([]any); ok {
			for _, s := range sections {
				if name, ok := s.(string); ok {
					declared[strings.ToLower(name)] = true
				}
			}
		}
		lower := strings.ToLower(text)
		for _, section := range rules.RequiredSections {
			if declared[strings.ToLower(section)] || strings.Contains(lower, strings.ToLower(section)) {
				continue
			}
			issues = append(issues, Issue{
				ArtifactKind: kind,
				Rule:         "required_sections",
				Detail:       fmt.Sprintf("missing section %q", section),
			})
		}
	}
	if rules.MustHaveTests {
		hasTests, _ := content["has_tests"].(bool)
		if !hasTests {
			issues = append(issues, Issue{ArtifactKind: kind, Rule: "must_have_tests", Detail: "no tests reported"})
		}
		threshold := rules.MinPercentage
		if threshold <= 0 {
			threshold = minCoverage
		}
		pct := numberField(content, "percentage")
		if pct < threshold {
			issues = append(issues, Issue{
				ArtifactKind: kind,
				Rule:         "min_percentage",
				Detail:       fmt.Sprintf("coverage %.1f%% below %.1f%%", pct, threshold),
			})
		}
	}
	if rules.AllPassed {
		allPassed, _ := content["all_passed"].(bool)
		if !allPassed {
			issues = append(issues, Issue{ArtifactKind: kind, Rule: "all_passed", Detail: "not all tests passed"})
		}
	}
	return issues
}

func numberField(content map[string]any, key string) float64 {
	switch v := content[key].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func (v Validator) persist(ctx context.Context, ticket domain.Ticket, res Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	record := domain.GateResult{
		ID:             uuid.NewString(),
		TicketID:       res.TicketID,
		PhaseID:        res.PhaseID,
		Passed:         res.Passed,
		Strictness:     res.Strictness,
		ValidationJSON: string(payload),
		CreatedAt:      v.now().Format(time.RFC3339),
	}
	if err := v.Repo.InsertGateResult(ctx, record); err != nil {
		return err
	}
	metrics.GateValidations.WithLabelValues(res.PhaseID, strconv.FormatBool(res.Passed)).Inc()
	v.log().Info("gate validated",
		zap.String("ticket_id", res.TicketID),
		zap.String("phase_id", res.PhaseID),
		zap.Bool("passed", res.Passed),
		zap.String("strictness", res.Strictness))
	return nil
}

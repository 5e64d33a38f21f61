package progression

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"taskfleet/internal/config"
	"taskfleet/internal/domain"
	"taskfleet/internal/events"
	"taskfleet/internal/queue"
	"taskfleet/internal/repo"
	"taskfleet/internal/workflow"
)

const actorID = "progression-coordinator"

// PRDArtifactKind is the requirements document the requirements phase
// pivots on: absent, the coordinator spawns a generation task before any
// analysis work.
const PRDArtifactKind = "requirements_document"

// phaseInitialTasks are the default task templates spawned when a ticket
// enters a phase with no project-level override.
var phaseInitialTasks = map[string][]config.SpawnTask{
	domain.PhaseRequirements: {
		{TaskType: "analyze_requirements", Title: "Analyze requirements", Priority: domain.PriorityHigh},
	},
	domain.PhaseImplementation: {
		{TaskType: "create_design", Title: "Create design", Priority: domain.PriorityHigh},
		{TaskType: "implement_feature", Title: "Implement feature", Priority: domain.PriorityHigh},
	},
	domain.PhaseTesting: {
		{TaskType: "run_tests", Title: "Run tests", Priority: domain.PriorityHigh},
	},
	domain.PhaseDeployment: {
		{TaskType: "deploy", Title: "Package and hand off", Priority: domain.PriorityHigh},
	},
}

// Coordinator wires phase progression to the event stream: implement
// work drags tickets forward, finished phases auto-progress, and newly
// entered phases get their tasks spawned.
type Coordinator struct {
	Repo     repo.Repo
	Queue    queue.Queue
	Workflow workflow.Workflow
	Log      *zap.Logger
}

func (c *Coordinator) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

// Register subscribes the coordinator's hooks on the bus. Handlers run
// on the publisher's goroutine, so each hook keeps its work to a few
// queries.
func (c *Coordinator) Register(bus *events.Bus) {
	bus.Subscribe(c.onTaskStarted, events.TaskStarted)
	bus.Subscribe(c.onTaskCompleted, events.TaskCompleted)
	bus.Subscribe(c.onTicketTransitioned, events.TicketTransitioned)
}

func payloadString(p events.EventPayload, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

// onTaskStarted forces a ticket into building the moment implementation
// work actually starts, wherever the ticket happens to sit.
func (c *Coordinator) onTaskStarted(evt events.Event) {
	if payloadString(evt.Payload, "task_type") != "implement_feature" {
		return
	}
	ctx := context.Background()
	ticketID := payloadString(evt.Payload, "ticket_id")
	ticket, err := c.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		c.log().Warn("load ticket", zap.String("ticket_id", ticketID), zap.Error(err))
		return
	}
	if ticket.IsBlocked || ticket.Status == domain.TicketBuilding || domain.TerminalStatus(ticket.Status) {
		return
	}
	if _, err := c.Workflow.TransitionStatus(ctx, ticket.ID, domain.TicketBuilding, workflow.TransitionOpts{
		InitiatedBy: actorID,
		Reason:      "implementation started",
		Force:       true,
	}); err != nil {
		c.log().Warn("force building", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
}

func (c *Coordinator) onTaskCompleted(evt events.Event) {
	ctx := context.Background()
	ticketID := payloadString(evt.Payload, "ticket_id")
	taskType := payloadString(evt.Payload, "task_type")

	ticket, err := c.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		c.log().Warn("load ticket", zap.String("ticket_id", ticketID), zap.Error(err))
		return
	}
	if ticket.IsBlocked || domain.TerminalStatus(ticket.Status) {
		return
	}

	// A finished implementation closes the ticket outright; everything
	// else only completes its own phase.
	if taskType == "implement_feature" {
		if _, err := c.Workflow.TransitionStatus(ctx, ticket.ID, domain.TicketDone, workflow.TransitionOpts{
			InitiatedBy: actorID,
			Reason:      "implementation completed",
			Force:       true,
		}); err != nil {
			c.log().Warn("force done", zap.String("ticket_id", ticket.ID), zap.Error(err))
		}
		return
	}

	settings, err := c.Repo.GetProjectSettings(ctx, ticket.ProjectID)
	if err != nil {
		c.log().Warn("load settings", zap.String("project_id", ticket.ProjectID), zap.Error(err))
		return
	}
	if !settings.Progression.Auto {
		return
	}
	incomplete, err := c.Repo.CountIncompleteForPhase(ctx, ticket.ID, ticket.PhaseID)
	if err != nil {
		c.log().Warn("count phase tasks", zap.String("ticket_id", ticket.ID), zap.Error(err))
		return
	}
	if incomplete > 0 {
		return
	}
	if _, _, err := c.Workflow.CheckAndProgress(ctx, ticket.ID, actorID); err != nil {
		c.log().Warn("auto progress", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
}

func (c *Coordinator) onTicketTransitioned(evt events.Event) {
	if payloadString(evt.Payload, "from_phase") == payloadString(evt.Payload, "to_phase") {
		return
	}
	if payloadString(evt.Payload, "to_status") == domain.TicketDone {
		return
	}
	ctx := context.Background()
	ticket, err := c.Repo.GetTicket(ctx, evt.EntityID)
	if err != nil {
		c.log().Warn("load ticket", zap.String("ticket_id", evt.EntityID), zap.Error(err))
		return
	}
	if err := c.SpawnPhaseTasks(ctx, ticket); err != nil {
		c.log().Warn("spawn phase tasks", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
}

// prdContextKeys are the ticket context entries that count as an
// existing requirements document reference.
var prdContextKeys = []string{"prd_url", "requirements_document", "spec_id"}

func prdInContext(ticket domain.Ticket) bool {
	if ticket.ContextJSON == "" {
		return false
	}
	var contextMap map[string]any
	if err := json.Unmarshal([]byte(ticket.ContextJSON), &contextMap); err != nil {
		return false
	}
	for _, key := range prdContextKeys {
		if s, ok := contextMap[key].(string); ok && s != "" {
			return true
		}
	}
	return false
}

// SpawnPhaseTasks creates the initial tasks for a ticket's current
// phase. Idempotent: a phase that already has live tasks gets nothing.
func (c *Coordinator) SpawnPhaseTasks(ctx context.Context, ticket domain.Ticket) error {
	active, err := c.Repo.HasActiveTasksForPhase(ctx, ticket.ID, ticket.PhaseID)
	if err != nil {
		return err
	}
	if active {
		return nil
	}

	// Requirements phase without a PRD: generate one before anything
	// else gets analyzed. The document may arrive as a persisted artifact
	// or as a reference in the ticket's context.
	if ticket.PhaseID == domain.PhaseRequirements {
		hasPRD := prdInContext(ticket)
		if !hasPRD {
			hasPRD, err = c.Repo.HasArtifact(ctx, ticket.ID, PRDArtifactKind)
			if err != nil {
				return err
			}
		}
		if !hasPRD {
			_, err := c.Queue.Enqueue(ctx, queue.NewTask{
				TicketID: ticket.ID,
				TaskType: "generate_prd",
				Title:    fmt.Sprintf("Generate PRD for %s", ticket.Title),
				PhaseID:  ticket.PhaseID,
				Priority: domain.PriorityCritical,
				ActorID:  actorID,
			})
			return err
		}
	}

	settings, err := c.Repo.GetProjectSettings(ctx, ticket.ProjectID)
	if err != nil {
		return err
	}
	templates := settings.Progression.SpawnTasks[ticket.PhaseID]
	if len(templates) == 0 {
		templates = phaseInitialTasks[ticket.PhaseID]
	}
	for _, tpl := range templates {
		priority := tpl.Priority
		if priority == "" {
			priority = domain.PriorityHigh
		}
		title := tpl.Title
		if title == "" {
			title = tpl.TaskType
		}
		if _, err := c.Queue.Enqueue(ctx, queue.NewTask{
			TicketID: ticket.ID,
			TaskType: tpl.TaskType,
			Title:    title,
			PhaseID:  ticket.PhaseID,
			Priority: priority,
			ActorID:  actorID,
		}); err != nil {
			return err
		}
	}
	if len(templates) > 0 {
		c.log().Info("phase tasks spawned",
			zap.String("ticket_id", ticket.ID),
			zap.String("phase_id", ticket.PhaseID),
			zap.Int("count", len(templates)))
	}
	return nil
}

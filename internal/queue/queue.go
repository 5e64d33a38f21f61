package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"database/sql"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskfleet/internal/config"
	"taskfleet/internal/domain"
	"taskfleet/internal/events"
	"taskfleet/internal/metrics"
	"taskfleet/internal/repo"
)

// Queue hands work to executors. Claiming is decided by one conditional
// write on the task row, so any number of concurrent claimers resolve to
// exactly one winner without holding a lock across the selection scan.
type Queue struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Bus        *events.Bus
	Scorer     Scorer
	Classifier Classifier
	Settings   *config.Settings
	Log        *zap.Logger
	Now        func() time.Time
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

func (q Queue) nowString() string {
	return q.now().Format(time.RFC3339)
}

func (q Queue) log() *zap.Logger {
	if q.Log != nil {
		return q.Log
	}
	return zap.NewNop()
}

func (q Queue) scorer() Scorer {
	if q.Scorer != nil {
		return q.Scorer
	}
	return DefaultScorer{}
}

func (q Queue) classifier() Classifier {
	if q.Classifier != nil {
		return q.Classifier
	}
	return PatternClassifier{}
}

func (q Queue) settings() *config.Settings {
	if q.Settings != nil {
		return q.Settings
	}
	return config.Default()
}

// taskTransitions is the legal task edge set for UpdateStatus. Claiming
// is entered only through Claim's conditional write; claiming->pending
// is the stale-claim sweep.
var taskTransitions = map[string][]string{
	domain.TaskPending:           {},
	domain.TaskClaiming:          {domain.TaskAssigned, domain.TaskPending},
	domain.TaskAssigned:          {domain.TaskRunning, domain.TaskFailed},
	domain.TaskRunning:           {domain.TaskPendingValidation, domain.TaskCompleted, domain.TaskFailed},
	domain.TaskPendingValidation: {domain.TaskValidating},
	domain.TaskValidating:        {domain.TaskCompleted, domain.TaskFailed},
}

func validTaskTransition(from, to string) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type NewTask struct {
	TicketID             string
	TaskType             string
	Title                string
	Description          string
	PhaseID              string
	Priority             string
	Dependencies         []string
	RequiredCapabilities []string
	MaxRetries           *int
	TimeoutSeconds       *int
	ActorID              string
}

// Enqueue adds a pending task to a ticket. Dependency sets that would
// close a cycle are refused outright.
func (q Queue) Enqueue(ctx context.Context, in NewTask) (domain.Task, error) {
	if in.TaskType == "" {
		return domain.Task{}, fmt.Errorf("task_type required")
	}
	ticket, err := q.Repo.GetTicket(ctx, in.TicketID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("ticket %s: %w", in.TicketID, err)
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(in.Priority) {
		return domain.Task{}, fmt.Errorf("unknown priority %q", in.Priority)
	}
	if in.PhaseID == "" {
		in.PhaseID = ticket.PhaseID
	}

	id := uuid.NewString()
	if len(in.Dependencies) > 0 {
		cycle, err := q.DetectCycle(ctx, id, in.Dependencies)
		if err != nil {
			return domain.Task{}, err
		}
		if len(cycle) > 0 {
			return domain.Task{}, fmt.Errorf("dependency cycle: %v", cycle)
		}
	}

	maxRetries := q.settings().Queue.DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	now := q.nowString()
	task := domain.Task{
		ID:                   id,
		TicketID:             in.TicketID,
		PhaseID:              in.PhaseID,
		TaskType:             in.TaskType,
		Title:                in.Title,
		Description:          in.Description,
		Status:               domain.TaskPending,
		Priority:             in.Priority,
		Dependencies:         in.Dependencies,
		RequiredCapabilities: in.RequiredCapabilities,
		MaxRetries:           maxRetries,
		TimeoutSeconds:       in.TimeoutSeconds,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if task.Title == "" {
		task.Title = task.TaskType
	}

	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := q.Repo.InsertTaskTx(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	actor := in.ActorID
	if actor == "" {
		actor = "system"
	}
	if err := q.Events.Append(ctx, tx, events.TaskCreated, ticket.ProjectID, "task", task.ID, actor, events.EventPayload{
		"ticket_id": task.TicketID,
		"phase_id":  task.PhaseID,
		"task_type": task.TaskType,
		"priority":  task.Priority,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	q.publish(events.TaskCreated, ticket.ProjectID, task, actor)
	return task, nil
}

type ClaimRequest struct {
	ExecutorID   string
	ProjectID    string
	PhaseID      string
	Capabilities []string
}

// Claim picks the best eligible pending task and attempts the
// conditional claim write. Returns (nil, nil) when nothing is eligible
// or when a concurrent claimer won the row; callers poll again.
func (q Queue) Claim(ctx context.Context, req ClaimRequest) (*domain.Task, error) {
	if req.ExecutorID == "" {
		return nil, fmt.Errorf("executor id required")
	}
	started := q.now()
	defer func() {
		metrics.ClaimLatency.Observe(time.Since(started).Seconds())
	}()

	candidates, err := q.Repo.ListClaimable(ctx, req.ProjectID, req.PhaseID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	dependents, err := q.dependentCounts(ctx)
	if err != nil {
		return nil, err
	}
	capSet := make(map[string]bool, len(req.Capabilities))
	for _, c := range req.Capabilities {
		capSet[c] = true
	}

	// Admission counts are computed once per cycle and memoized per
	// project/org; losing a race refreshes them on the next call.
	projectCache := map[string]bool{}
	orgCache := map[string]bool{}

	best := -1
	bestScore := 0.0
	for i, task := range candidates {
		if !q.capabilitiesMatch(task, capSet) {
			continue
		}
		ok, err := q.dependenciesComplete(ctx, task)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ok, err = q.admissionAllows(ctx, task, projectCache, orgCache)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		score := q.scorer().Score(task, ScoreInput{Now: q.now(), DependentCount: dependents[task.ID]})
		if best == -1 || score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best == -1 {
		return nil, nil
	}

	won, err := q.Repo.ClaimTask(ctx, candidates[best].ID, req.ExecutorID, bestScore, q.nowString())
	if err != nil {
		return nil, err
	}
	if !won {
		metrics.ClaimRacesLost.Inc()
		q.log().Debug("claim race lost",
			zap.String("task_id", candidates[best].ID),
			zap.String("executor_id", req.ExecutorID))
		return nil, nil
	}
	metrics.TasksClaimed.Inc()
	task, err := q.Repo.GetTask(ctx, candidates[best].ID)
	if err != nil {
		return nil, err
	}
	q.log().Info("task claimed",
		zap.String("task_id", task.ID),
		zap.String("executor_id", req.ExecutorID),
		zap.Float64("score", bestScore))
	return &task, nil
}

type BatchRequest struct {
	ProjectID    string
	PhaseID      string
	Limit        int
	Capabilities []string
}

// ClaimBatch returns the top scored eligible tasks for parallel
// dispatch planning. Same filtering as Claim, but nothing is claimed:
// callers still go through Claim or Assign per task before execution.
// Each surviving task's score is persisted.
func (q Queue) ClaimBatch(ctx context.Context, req BatchRequest) ([]domain.Task, error) {
	if req.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	candidates, err := q.Repo.ListClaimable(ctx, req.ProjectID, req.PhaseID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	dependents, err := q.dependentCounts(ctx)
	if err != nil {
		return nil, err
	}
	capSet := make(map[string]bool, len(req.Capabilities))
	for _, c := range req.Capabilities {
		capSet[c] = true
	}
	projectCache := map[string]bool{}
	orgCache := map[string]bool{}

	var survivors []domain.Task
	for _, task := range candidates {
		if !q.capabilitiesMatch(task, capSet) {
			continue
		}
		ok, err := q.dependenciesComplete(ctx, task)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ok, err = q.admissionAllows(ctx, task, projectCache, orgCache)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		task.Score = q.scorer().Score(task, ScoreInput{Now: q.now(), DependentCount: dependents[task.ID]})
		survivors = append(survivors, task)
	}
	sort.SliceStable(survivors, func(i, j int) bool { return survivors[i].Score > survivors[j].Score })
	if len(survivors) > req.Limit {
		survivors = survivors[:req.Limit]
	}
	now := q.nowString()
	for _, task := range survivors {
		if err := q.Repo.SetTaskScore(ctx, task.ID, task.Score, now); err != nil {
			return nil, err
		}
	}
	return survivors, nil
}

// Assign hands a task to an executor from pending or claiming, stamping
// the executor handle. Calls from any other state are benign races out
// of crash recovery: logged and returned unchanged, never failed.
func (q Queue) Assign(ctx context.Context, taskID, executorID string) (domain.Task, error) {
	if executorID == "" {
		return domain.Task{}, fmt.Errorf("executor id required")
	}
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := q.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status != domain.TaskPending && task.Status != domain.TaskClaiming {
		q.log().Warn("assign skipped",
			zap.String("task_id", taskID),
			zap.String("status", task.Status),
			zap.String("executor_id", executorID))
		return task, nil
	}

	task.Status = domain.TaskAssigned
	task.ExecutorID = &executorID
	task.UpdatedAt = q.nowString()
	if err := q.Repo.UpdateTaskStateTx(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	ticket, err := q.Repo.GetTicketTx(ctx, tx, task.TicketID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := q.Events.Append(ctx, tx, events.TaskAssigned, ticket.ProjectID, "task", task.ID, executorID, events.EventPayload{
		"ticket_id":   task.TicketID,
		"phase_id":    task.PhaseID,
		"task_type":   task.TaskType,
		"executor_id": executorID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	q.publish(events.TaskAssigned, ticket.ProjectID, task, executorID)
	return task, nil
}

func (q Queue) capabilitiesMatch(task domain.Task, offered map[string]bool) bool {
	for _, need := range task.RequiredCapabilities {
		if !offered[need] {
			return false
		}
	}
	return true
}

// dependenciesComplete is fail-closed: a dependency id with no backing
// row keeps the task unclaimable.
func (q Queue) dependenciesComplete(ctx context.Context, task domain.Task) (bool, error) {
	if len(task.Dependencies) == 0 {
		return true, nil
	}
	statuses, err := q.Repo.DependencyStatuses(ctx, task.Dependencies)
	if err != nil {
		return false, err
	}
	for _, dep := range task.Dependencies {
		if statuses[dep] != domain.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// admissionAllows checks the org agent limit first, then the project
// concurrency cap. A candidate over either cap is skipped, not failed.
func (q Queue) admissionAllows(ctx context.Context, task domain.Task, projectCache, orgCache map[string]bool) (bool, error) {
	ticket, err := q.Repo.GetTicket(ctx, task.TicketID)
	if err != nil {
		return false, err
	}
	project, err := q.Repo.GetProject(ctx, ticket.ProjectID)
	if err != nil {
		return false, err
	}

	if allowed, seen := orgCache[project.OrgID]; seen {
		if !allowed {
			return false, nil
		}
	} else {
		limit, err := q.Repo.OrgAgentLimit(ctx, project.ID)
		if err != nil {
			return false, err
		}
		allowed := true
		if limit >= 0 {
			active, err := q.Repo.CountActiveByOrg(ctx, project.OrgID)
			if err != nil {
				return false, err
			}
			allowed = active < limit
		}
		orgCache[project.OrgID] = allowed
		if !allowed {
			return false, nil
		}
	}

	if allowed, seen := projectCache[project.ID]; seen {
		return allowed, nil
	}
	settings, err := q.Repo.GetProjectSettings(ctx, project.ID)
	if err != nil {
		return false, err
	}
	active, err := q.Repo.CountActiveByProject(ctx, project.ID)
	if err != nil {
		return false, err
	}
	allowed := active < settings.Concurrency.MaxPerProject
	projectCache[project.ID] = allowed
	return allowed, nil
}

func (q Queue) dependentCounts(ctx context.Context) (map[string]int, error) {
	edges, err := q.Repo.LiveDependencyEdges(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, deps := range edges {
		for _, dep := range deps {
			counts[dep]++
		}
	}
	return counts, nil
}

type StatusUpdate struct {
	Status       string
	ActorID      string
	ResultJSON   *string
	ErrorMessage *string
}

// UpdateStatus moves a task along its lifecycle, stamping started_at and
// completed_at and appending the matching lifecycle event.
func (q Queue) UpdateStatus(ctx context.Context, taskID string, u StatusUpdate) (domain.Task, error) {
	if !domain.ValidTaskStatus(u.Status) {
		return domain.Task{}, fmt.Errorf("unknown task status %q", u.Status)
	}
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := q.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !validTaskTransition(task.Status, u.Status) {
		return domain.Task{}, fmt.Errorf("invalid task transition %s -> %s", task.Status, u.Status)
	}

	now := q.nowString()
	prev := task.Status
	task.Status = u.Status
	task.UpdatedAt = now
	if u.ResultJSON != nil {
		task.ResultJSON = u.ResultJSON
	}
	if u.ErrorMessage != nil {
		task.ErrorMessage = u.ErrorMessage
	}
	switch u.Status {
	case domain.TaskRunning:
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	case domain.TaskCompleted, domain.TaskFailed:
		task.CompletedAt = &now
	case domain.TaskPending:
		task.ExecutorID = nil
	}

	if err := q.Repo.UpdateTaskStateTx(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}

	ticket, err := q.Repo.GetTicketTx(ctx, tx, task.TicketID)
	if err != nil {
		return domain.Task{}, err
	}
	actor := u.ActorID
	if actor == "" {
		actor = "system"
	}
	evtType := lifecycleEvent(u.Status)
	if evtType != "" {
		payload := events.EventPayload{
			"ticket_id":   task.TicketID,
			"phase_id":    task.PhaseID,
			"task_type":   task.TaskType,
			"from_status": prev,
		}
		if task.ExecutorID != nil {
			payload["executor_id"] = *task.ExecutorID
		}
		if err := q.Events.Append(ctx, tx, evtType, ticket.ProjectID, "task", task.ID, actor, payload); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	if u.Status == domain.TaskCompleted || u.Status == domain.TaskFailed {
		metrics.TasksCompleted.WithLabelValues(u.Status).Inc()
		if err := q.Repo.ReleaseLocksHeldBy(ctx, task.ID, now); err != nil {
			q.log().Warn("release locks", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	if evtType != "" {
		q.publish(evtType, ticket.ProjectID, task, actor)
	}
	return task, nil
}

func lifecycleEvent(status string) string {
	switch status {
	case domain.TaskAssigned:
		return events.TaskAssigned
	case domain.TaskRunning:
		return events.TaskStarted
	case domain.TaskCompleted:
		return events.TaskCompleted
	case domain.TaskFailed:
		return events.TaskFailed
	}
	return ""
}

// Retry re-enqueues a failed task for another attempt. Returns false
// without error when the retry budget is spent. The failure classifier
// is advisory and consulted by callers (the sweep checks it; an
// operator invoking retry directly overrides it).
func (q Queue) Retry(ctx context.Context, taskID, actorID string) (bool, domain.Task, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := q.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return false, domain.Task{}, err
	}
	if task.Status != domain.TaskFailed {
		return false, domain.Task{}, fmt.Errorf("task %s is %s, not failed", taskID, task.Status)
	}
	if task.RetryCount >= task.MaxRetries {
		return false, task, nil
	}

	now := q.nowString()
	task.Status = domain.TaskPending
	task.ExecutorID = nil
	task.RetryCount++
	task.ErrorMessage = nil
	task.ResultJSON = nil
	task.StartedAt = nil
	task.CompletedAt = nil
	task.UpdatedAt = now
	if err := q.Repo.UpdateTaskStateTx(ctx, tx, task); err != nil {
		return false, domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return false, domain.Task{}, err
	}
	metrics.TaskRetries.Inc()
	q.log().Info("task retried",
		zap.String("task_id", task.ID),
		zap.Int("retry_count", task.RetryCount),
		zap.String("actor_id", actorID))
	return true, task, nil
}

// RequeueRetryable consults the failure classifier for every failed
// task and walks the retryable ones through Retry, returning those put
// back on the queue. Permanent failures and spent retry budgets are
// skipped silently; the sweep calls this after the timeout and
// stale-assignment passes so their failures get a second chance.
func (q Queue) RequeueRetryable(ctx context.Context, actorID string) ([]domain.Task, error) {
	failed, err := q.Repo.ListFailed(ctx, "")
	if err != nil {
		return nil, err
	}
	var requeued []domain.Task
	for _, t := range failed {
		errMsg := ""
		if t.ErrorMessage != nil {
			errMsg = *t.ErrorMessage
		}
		if !q.classifier().Retryable(errMsg) {
			continue
		}
		retried, task, err := q.Retry(ctx, t.ID, actorID)
		if err != nil {
			// Another actor may have moved the task since the listing.
			q.log().Warn("requeue skipped", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if retried {
			requeued = append(requeued, task)
		}
	}
	return requeued, nil
}

// Cancel force-fails a task from assigned or running.
func (q Queue) Cancel(ctx context.Context, taskID, reason, actorID string) (domain.Task, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := q.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status != domain.TaskAssigned && task.Status != domain.TaskRunning {
		return domain.Task{}, fmt.Errorf("cannot cancel task in status %s", task.Status)
	}

	now := q.nowString()
	msg := fmt.Sprintf("Task cancelled: %s", reason)
	task.Status = domain.TaskFailed
	task.ErrorMessage = &msg
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := q.Repo.UpdateTaskStateTx(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	ticket, err := q.Repo.GetTicketTx(ctx, tx, task.TicketID)
	if err != nil {
		return domain.Task{}, err
	}
	actor := actorID
	if actor == "" {
		actor = "system"
	}
	if err := q.Events.Append(ctx, tx, events.TaskCancelled, ticket.ProjectID, "task", task.ID, actor, events.EventPayload{
		"ticket_id": task.TicketID,
		"phase_id":  task.PhaseID,
		"task_type": task.TaskType,
		"reason":    reason,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	metrics.TasksCompleted.WithLabelValues(domain.TaskFailed).Inc()
	if err := q.Repo.ReleaseLocksHeldBy(ctx, task.ID, now); err != nil {
		q.log().Warn("release locks", zap.String("task_id", task.ID), zap.Error(err))
	}
	q.publish(events.TaskCancelled, ticket.ProjectID, task, actor)
	return task, nil
}

// SetTimeout sets or clears the running-time budget of a task.
func (q Queue) SetTimeout(ctx context.Context, taskID string, seconds *int) (domain.Task, error) {
	if seconds != nil && *seconds <= 0 {
		return domain.Task{}, fmt.Errorf("timeout must be positive")
	}
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	task, err := q.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	task.TimeoutSeconds = seconds
	task.UpdatedAt = q.nowString()
	if err := q.Repo.UpdateTaskStateTx(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// TimedOutTask pairs a running task with how long it has been running.
type TimedOutTask struct {
	Task    domain.Task
	Elapsed time.Duration
}

// TimedOut lists running tasks past their timeout budget. Tasks without
// a budget never time out.
func (q Queue) TimedOut(ctx context.Context) ([]TimedOutTask, error) {
	running, err := q.Repo.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	var out []TimedOutTask
	now := q.now()
	for _, task := range running {
		if task.TimeoutSeconds == nil || task.StartedAt == nil {
			continue
		}
		started, err := time.Parse(time.RFC3339, *task.StartedAt)
		if err != nil {
			continue
		}
		elapsed := now.Sub(started)
		if elapsed > time.Duration(*task.TimeoutSeconds)*time.Second {
			out = append(out, TimedOutTask{Task: task, Elapsed: elapsed})
		}
	}
	return out, nil
}

// FailTimedOut fails every running task past its budget.
func (q Queue) FailTimedOut(ctx context.Context, actorID string) ([]domain.Task, error) {
	timedOut, err := q.TimedOut(ctx)
	if err != nil {
		return nil, err
	}
	var failed []domain.Task
	for _, overdue := range timedOut {
		msg := fmt.Sprintf("Task timed out after %ds (timeout: %ds)",
			int(overdue.Elapsed.Seconds()), *overdue.Task.TimeoutSeconds)
		task, err := q.UpdateStatus(ctx, overdue.Task.ID, StatusUpdate{
			Status:       domain.TaskFailed,
			ActorID:      actorID,
			ErrorMessage: &msg,
		})
		if err != nil {
			return failed, err
		}
		failed = append(failed, task)
	}
	return failed, nil
}

// CleanupStaleClaiming resets tasks stuck in claiming back to pending.
// An executor that claimed and died before assignment loses the task.
func (q Queue) CleanupStaleClaiming(ctx context.Context) (int, error) {
	threshold := time.Duration(q.settings().Queue.ClaimStaleSeconds) * time.Second
	cutoff := q.now().Add(-threshold).Format(time.RFC3339)
	ids, err := q.Repo.ResetStaleClaiming(ctx, cutoff, q.nowString())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		metrics.StaleClaimsReset.Inc()
		q.log().Warn("stale claim reset", zap.String("task_id", id))
	}
	return len(ids), nil
}

// CleanupStaleAssigned fails tasks an executor claimed or was assigned
// but never started within the window.
func (q Queue) CleanupStaleAssigned(ctx context.Context, actorID string) ([]domain.Task, error) {
	threshold := time.Duration(q.settings().Queue.AssignStaleMinutes) * time.Minute
	cutoff := q.now().Add(-threshold).Format(time.RFC3339)
	stale, err := q.Repo.ListStaleAssigned(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var failed []domain.Task
	for _, task := range stale {
		executor := "unknown"
		if task.ExecutorID != nil {
			executor = *task.ExecutorID
		}
		msg := fmt.Sprintf("Executor %s did not start task within %dm", executor, q.settings().Queue.AssignStaleMinutes)
		// Claiming-state rows are not reachable through the normal
		// transition path, so fail them directly.
		updated, err := q.forceFail(ctx, task, msg, actorID)
		if err != nil {
			return failed, err
		}
		failed = append(failed, updated)
	}
	return failed, nil
}

func (q Queue) forceFail(ctx context.Context, task domain.Task, msg, actorID string) (domain.Task, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	now := q.nowString()
	task.Status = domain.TaskFailed
	task.ErrorMessage = &msg
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := q.Repo.UpdateTaskStateTx(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	ticket, err := q.Repo.GetTicketTx(ctx, tx, task.TicketID)
	if err != nil {
		return domain.Task{}, err
	}
	actor := actorID
	if actor == "" {
		actor = "system"
	}
	if err := q.Events.Append(ctx, tx, events.TaskFailed, ticket.ProjectID, "task", task.ID, actor, events.EventPayload{
		"ticket_id": task.TicketID,
		"phase_id":  task.PhaseID,
		"task_type": task.TaskType,
		"error":     msg,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	metrics.TasksCompleted.WithLabelValues(domain.TaskFailed).Inc()
	if err := q.Repo.ReleaseLocksHeldBy(ctx, task.ID, now); err != nil {
		q.log().Warn("release locks", zap.String("task_id", task.ID), zap.Error(err))
	}
	q.publish(events.TaskFailed, ticket.ProjectID, task, actor)
	return task, nil
}

// AddDependency appends a dependency edge to an existing task after
// checking that the edge keeps the graph acyclic.
func (q Queue) AddDependency(ctx context.Context, taskID, dependsOn string) (domain.Task, error) {
	if taskID == dependsOn {
		return domain.Task{}, fmt.Errorf("dependency cycle: %v", []string{taskID, taskID})
	}
	task, err := q.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if domain.TerminalTaskStatus(task.Status) {
		return domain.Task{}, fmt.Errorf("task %s is %s, dependencies are frozen", taskID, task.Status)
	}
	for _, dep := range task.Dependencies {
		if dep == dependsOn {
			return task, nil
		}
	}
	next := append(append([]string{}, task.Dependencies...), dependsOn)
	cycle, err := q.DetectCycle(ctx, taskID, next)
	if err != nil {
		return domain.Task{}, err
	}
	if len(cycle) > 0 {
		return domain.Task{}, fmt.Errorf("dependency cycle: %v", cycle)
	}

	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	task, err = q.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	task.Dependencies = next
	task.UpdatedAt = q.nowString()
	if err := q.Repo.UpdateTaskStateTx(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// Dependents lists the live tasks waiting on the given task. These are
// the tasks a long-running or failed task is holding up.
func (q Queue) Dependents(ctx context.Context, taskID string) ([]domain.Task, error) {
	edges, err := q.Repo.LiveDependencyEdges(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	for id, deps := range edges {
		for _, dep := range deps {
			if dep != taskID {
				continue
			}
			task, err := q.Repo.GetTask(ctx, id)
			if err != nil {
				return nil, err
			}
			out = append(out, task)
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// DetectCycle walks the dependency graph from a prospective task and its
// declared dependencies. Returns the cycle path when one exists, nil
// otherwise. Unknown ids terminate their branch.
func (q Queue) DetectCycle(ctx context.Context, taskID string, deps []string) ([]string, error) {
	depsOf := func(id string) ([]string, error) {
		if id == taskID {
			return deps, nil
		}
		t, err := q.Repo.GetTask(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return t.Dependencies, nil
	}

	var path []string
	onPath := map[string]bool{}
	done := map[string]bool{}
	var visit func(id string) ([]string, error)
	visit = func(id string) ([]string, error) {
		if onPath[id] {
			for i, p := range path {
				if p == id {
					cycle := append(append([]string{}, path[i:]...), id)
					return cycle, nil
				}
			}
		}
		if done[id] {
			return nil, nil
		}
		path = append(path, id)
		onPath[id] = true
		next, err := depsOf(id)
		if err != nil {
			return nil, err
		}
		for _, dep := range next {
			cycle, err := visit(dep)
			if err != nil || cycle != nil {
				return cycle, err
			}
		}
		path = path[:len(path)-1]
		onPath[id] = false
		done[id] = true
		return nil, nil
	}
	return visit(taskID)
}

func (q Queue) publish(evtType, projectID string, task domain.Task, actorID string) {
	payload := events.EventPayload{
		"ticket_id": task.TicketID,
		"phase_id":  task.PhaseID,
		"task_type": task.TaskType,
		"status":    task.Status,
	}
	if task.ExecutorID != nil {
		payload["executor_id"] = *task.ExecutorID
	}
	q.Bus.Publish(events.Event{
		Type:       evtType,
		ProjectID:  projectID,
		EntityKind: "task",
		EntityID:   task.ID,
		ActorID:    actorID,
		Payload:    payload,
		TS:         q.now(),
	})
}

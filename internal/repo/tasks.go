package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskfleet/internal/domain"
)

const taskColumns = `id,ticket_id,phase_id,task_type,title,COALESCE(description,''),status,priority,score,dependencies_json,capabilities_json,executor_id,retry_count,max_retries,timeout_seconds,result_json,error_message,started_at,completed_at,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var deps, caps, executor, result, errMsg, startedAt, completedAt sql.NullString
	var timeout sql.NullInt64
	err := scan(&t.ID, &t.TicketID, &t.PhaseID, &t.TaskType, &t.Title, &t.Description,
		&t.Status, &t.Priority, &t.Score, &deps, &caps, &executor, &t.RetryCount,
		&t.MaxRetries, &timeout, &result, &errMsg, &startedAt, &completedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	t.Dependencies = unmarshalList(deps)
	t.RequiredCapabilities = unmarshalList(caps)
	t.ExecutorID = optionalString(executor)
	t.TimeoutSeconds = optionalInt(timeout)
	t.ResultJSON = optionalString(result)
	t.ErrorMessage = optionalString(errMsg)
	t.StartedAt = optionalString(startedAt)
	t.CompletedAt = optionalString(completedAt)
	return t, err
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,ticket_id,phase_id,task_type,title,description,status,priority,score,dependencies_json,capabilities_json,executor_id,retry_count,max_retries,timeout_seconds,result_json,error_message,started_at,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TicketID, t.PhaseID, t.TaskType, t.Title, nullable(t.Description),
		t.Status, t.Priority, t.Score, marshalList(t.Dependencies), marshalList(t.RequiredCapabilities),
		nullablePtr(t.ExecutorID), t.RetryCount, t.MaxRetries, nullableInt(t.TimeoutSeconds),
		nullablePtr(t.ResultJSON), nullablePtr(t.ErrorMessage), nullablePtr(t.StartedAt),
		nullablePtr(t.CompletedAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilter struct {
	TicketID   string
	PhaseID    string
	Status     string
	ExecutorID string
	TaskType   string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.TicketID != "" {
		clauses = append(clauses, "ticket_id=?")
		args = append(args, f.TicketID)
	}
	if f.PhaseID != "" {
		clauses = append(clauses, "phase_id=?")
		args = append(args, f.PhaseID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ExecutorID != "" {
		clauses = append(clauses, "executor_id=?")
		args = append(args, f.ExecutorID)
	}
	if f.TaskType != "" {
		clauses = append(clauses, "task_type=?")
		args = append(args, f.TaskType)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	return r.queryTasks(ctx, query, args...)
}

func (r Repo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListClaimable returns unclaimed pending tasks, optionally narrowed to a
// phase or project, oldest first.
func (r Repo) ListClaimable(ctx context.Context, projectID, phaseID string) ([]domain.Task, error) {
	clauses := []string{"t.status=?", "t.executor_id IS NULL"}
	args := []any{domain.TaskPending}
	if projectID != "" {
		clauses = append(clauses, "k.project_id=?")
		args = append(args, projectID)
	}
	if phaseID != "" {
		clauses = append(clauses, "t.phase_id=?")
		args = append(args, phaseID)
	}
	query := `SELECT ` + prefixColumns("t", taskColumns) + ` FROM tasks t JOIN tickets k ON k.id=t.ticket_id WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY t.created_at ASC, t.id ASC`
	return r.queryTasks(ctx, query, args...)
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		if strings.HasPrefix(p, "COALESCE(") {
			parts[i] = strings.Replace(p, "COALESCE(", "COALESCE("+alias+".", 1)
			continue
		}
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ",")
}

// ClaimTask is the single conditional write deciding a claim race: it
// moves the task pending -> claiming and stamps the executor only if no
// concurrent claimer got there first. Returns false when the race was
// lost.
func (r Repo) ClaimTask(ctx context.Context, taskID, executorID string, score float64, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET status=?, executor_id=?, score=?, updated_at=? WHERE id=? AND status=? AND executor_id IS NULL`,
		domain.TaskClaiming, executorID, score, now, taskID, domain.TaskPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetTaskScore persists a planning score on a still-pending task. A
// task claimed in the meantime keeps the score its claim stamped.
func (r Repo) SetTaskScore(ctx context.Context, taskID string, score float64, now string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET score=?, updated_at=? WHERE id=? AND status=?`,
		score, now, taskID, domain.TaskPending)
	return err
}

// UpdateTaskStateTx rewrites the mutable state columns of one task.
func (r Repo) UpdateTaskStateTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, priority=?, score=?, dependencies_json=?, executor_id=?, retry_count=?, max_retries=?, timeout_seconds=?, result_json=?, error_message=?, started_at=?, completed_at=?, updated_at=? WHERE id=?`,
		t.Status, t.Priority, t.Score, marshalList(t.Dependencies), nullablePtr(t.ExecutorID),
		t.RetryCount, t.MaxRetries, nullableInt(t.TimeoutSeconds), nullablePtr(t.ResultJSON),
		nullablePtr(t.ErrorMessage), nullablePtr(t.StartedAt), nullablePtr(t.CompletedAt),
		t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DependencyStatuses maps each requested task id to its status. Ids with
// no row are absent from the result; callers treat that as incomplete.
func (r Repo) DependencyStatuses(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,status FROM tasks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = status
	}
	return out, rows.Err()
}

// CountActiveByProject counts tasks in flight for project admission:
// claiming, assigned, or running.
func (r Repo) CountActiveByProject(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks t JOIN tickets k ON k.id=t.ticket_id WHERE k.project_id=? AND t.status IN (?,?,?)`,
		projectID, domain.TaskClaiming, domain.TaskAssigned, domain.TaskRunning).Scan(&n)
	return n, err
}

// CountActiveByOrg counts tasks in flight for org admission; validating
// also holds an agent, so it counts here.
func (r Repo) CountActiveByOrg(ctx context.Context, orgID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks t JOIN tickets k ON k.id=t.ticket_id JOIN projects p ON p.id=k.project_id
WHERE p.org_id=? AND t.status IN (?,?,?,?)`,
		orgID, domain.TaskClaiming, domain.TaskAssigned, domain.TaskRunning, domain.TaskValidating).Scan(&n)
	return n, err
}

// ResetStaleClaiming sweeps claiming-state tasks older than the cutoff
// back to pending, releasing the executor handle. Returns ids reset.
func (r Repo) ResetStaleClaiming(ctx context.Context, cutoff, now string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id FROM tasks WHERE status=? AND updated_at<?`, domain.TaskClaiming, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := r.DB.ExecContext(ctx,
			`UPDATE tasks SET status=?, executor_id=NULL, updated_at=? WHERE id=? AND status=?`,
			domain.TaskPending, now, id, domain.TaskClaiming); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// ListStaleAssigned returns claimed-but-never-started tasks older than
// the cutoff: assigned or claiming with an executor attached.
func (r Repo) ListStaleAssigned(ctx context.Context, cutoff string) ([]domain.Task, error) {
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?,?) AND executor_id IS NOT NULL AND updated_at<? ORDER BY updated_at ASC`,
		domain.TaskAssigned, domain.TaskClaiming, cutoff)
}

func (r Repo) ListRunning(ctx context.Context) ([]domain.Task, error) {
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY started_at ASC`, domain.TaskRunning)
}

func (r Repo) ListFailed(ctx context.Context, ticketID string) ([]domain.Task, error) {
	if ticketID != "" {
		return r.queryTasks(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE status=? AND ticket_id=? ORDER BY updated_at ASC`,
			domain.TaskFailed, ticketID)
	}
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY updated_at ASC`, domain.TaskFailed)
}

// HasActiveTasksForPhase reports whether the ticket already has live work
// for a phase; spawn skips phases with any.
func (r Repo) HasActiveTasksForPhase(ctx context.Context, ticketID, phaseID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE ticket_id=? AND phase_id=? AND status IN (?,?,?,?)`,
		ticketID, phaseID, domain.TaskPending, domain.TaskClaiming, domain.TaskAssigned, domain.TaskRunning).Scan(&n)
	return n > 0, err
}

// CountIncompleteForPhase counts the ticket's phase tasks not yet
// completed; failed still counts as incomplete here.
func (r Repo) CountIncompleteForPhase(ctx context.Context, ticketID, phaseID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE ticket_id=? AND phase_id=? AND status!=?`,
		ticketID, phaseID, domain.TaskCompleted).Scan(&n)
	return n, err
}

// TaskProgressSince reports whether any of the ticket's tasks started,
// finished, or were otherwise touched at or after the cutoff.
func (r Repo) TaskProgressSince(ctx context.Context, ticketID, cutoff string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE ticket_id=? AND (updated_at>=? OR started_at>=? OR completed_at>=?)`,
		ticketID, cutoff, cutoff, cutoff).Scan(&n)
	return n > 0, err
}

// LiveDependencyEdges returns task id -> declared dependency ids for
// every non-terminal task that has any. The scorer builds its reverse
// dependent counts from this.
func (r Repo) LiveDependencyEdges(ctx context.Context) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,dependencies_json FROM tasks WHERE status NOT IN (?,?) AND dependencies_json IS NOT NULL`,
		domain.TaskCompleted, domain.TaskFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var id string
		var deps sql.NullString
		if err := rows.Scan(&id, &deps); err != nil {
			return nil, err
		}
		if list := unmarshalList(deps); len(list) > 0 {
			out[id] = list
		}
	}
	return out, rows.Err()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

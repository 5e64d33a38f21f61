package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskfleet/internal/domain"
)

// AcquireLock takes the advisory lock on a resource for a task. The
// conditional write succeeds only while the lock is free; version
// increments on every handover so pollers can detect churn. Returns
// false when another task holds it.
func (r Repo) AcquireLock(ctx context.Context, projectID, resourceKey, taskID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO resource_locks(resource_key,project_id,holder_task,version,acquired_at,updated_at)
VALUES (?,?,?,1,?,?)
ON CONFLICT(resource_key,project_id) DO UPDATE SET holder_task=excluded.holder_task, version=resource_locks.version+1, acquired_at=excluded.acquired_at, updated_at=excluded.updated_at
WHERE resource_locks.holder_task IS NULL`,
		resourceKey, projectID, taskID, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLock frees the lock if the task still holds it. Releasing a
// lock held by someone else is a no-op.
func (r Repo) ReleaseLock(ctx context.Context, projectID, resourceKey, taskID, now string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE resource_locks SET holder_task=NULL, acquired_at=NULL, updated_at=? WHERE resource_key=? AND project_id=? AND holder_task=?`,
		now, resourceKey, projectID, taskID)
	return err
}

// RefreshLock touches the lock's updated_at so long-running holders
// stay visibly alive. Returns false when the task no longer holds it.
func (r Repo) RefreshLock(ctx context.Context, projectID, resourceKey, taskID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE resource_locks SET updated_at=? WHERE resource_key=? AND project_id=? AND holder_task=?`,
		now, resourceKey, projectID, taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLocksHeldBy frees every lock a task holds; the cleanup sweeps
// call this when failing an executor's tasks.
func (r Repo) ReleaseLocksHeldBy(ctx context.Context, taskID, now string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE resource_locks SET holder_task=NULL, acquired_at=NULL, updated_at=? WHERE holder_task=?`, now, taskID)
	return err
}

func (r Repo) GetLock(ctx context.Context, projectID, resourceKey string) (domain.ResourceLock, error) {
	var l domain.ResourceLock
	var holder, acquiredAt sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT resource_key,project_id,holder_task,version,acquired_at,updated_at FROM resource_locks WHERE resource_key=? AND project_id=?`,
		resourceKey, projectID).
		Scan(&l.ResourceKey, &l.ProjectID, &holder, &l.Version, &acquiredAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	l.HolderTask = optionalString(holder)
	l.AcquiredAt = optionalString(acquiredAt)
	return l, err
}

func (r Repo) ListLocks(ctx context.Context, projectID string) ([]domain.ResourceLock, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT resource_key,project_id,holder_task,version,acquired_at,updated_at FROM resource_locks WHERE project_id=? ORDER BY resource_key ASC`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ResourceLock
	for rows.Next() {
		var l domain.ResourceLock
		var holder, acquiredAt sql.NullString
		if err := rows.Scan(&l.ResourceKey, &l.ProjectID, &holder, &l.Version, &acquiredAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.HolderTask = optionalString(holder)
		l.AcquiredAt = optionalString(acquiredAt)
		res = append(res, l)
	}
	return res, rows.Err()
}

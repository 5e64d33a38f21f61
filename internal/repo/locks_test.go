package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskfleet/internal/config"
	"taskfleet/internal/db"
	"taskfleet/internal/domain"
	"taskfleet/internal/migrate"
	"taskfleet/internal/repo"
)

type env struct {
	DB   *sql.DB
	Repo repo.Repo
	Ctx  context.Context
	now  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	r := repo.Repo{DB: conn}
	e := &env{
		DB:   conn,
		Repo: r,
		Ctx:  context.Background(),
		now:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339),
	}
	require.NoError(t, r.InsertOrganization(e.Ctx, domain.Organization{ID: "org-1", Name: "org-1", Tier: "pro", CreatedAt: e.now}))
	require.NoError(t, r.InsertProject(e.Ctx, domain.Project{ID: "proj-1", OrgID: "org-1", Name: "proj-1", CreatedAt: e.now}))
	require.NoError(t, r.UpsertProjectSettings(e.Ctx, "proj-1", config.Default()))
	return e
}

func TestAcquireLockContention(t *testing.T) {
	e := newEnv(t)

	won, err := e.Repo.AcquireLock(e.Ctx, "proj-1", "db/schema.sql", "task-a", e.now)
	require.NoError(t, err)
	require.True(t, won)

	won, err = e.Repo.AcquireLock(e.Ctx, "proj-1", "db/schema.sql", "task-b", e.now)
	require.NoError(t, err)
	require.False(t, won, "held lock refuses a second holder")

	lock, err := e.Repo.GetLock(e.Ctx, "proj-1", "db/schema.sql")
	require.NoError(t, err)
	require.Equal(t, "task-a", *lock.HolderTask)
	require.EqualValues(t, 1, lock.Version)
}

func TestLockVersionIncrementsOnHandover(t *testing.T) {
	e := newEnv(t)

	_, err := e.Repo.AcquireLock(e.Ctx, "proj-1", "deploy/prod", "task-a", e.now)
	require.NoError(t, err)
	require.NoError(t, e.Repo.ReleaseLock(e.Ctx, "proj-1", "deploy/prod", "task-a", e.now))

	won, err := e.Repo.AcquireLock(e.Ctx, "proj-1", "deploy/prod", "task-b", e.now)
	require.NoError(t, err)
	require.True(t, won)

	lock, err := e.Repo.GetLock(e.Ctx, "proj-1", "deploy/prod")
	require.NoError(t, err)
	require.Equal(t, "task-b", *lock.HolderTask)
	require.EqualValues(t, 2, lock.Version)
}

func TestRefreshLockOnlyForHolder(t *testing.T) {
	e := newEnv(t)

	_, err := e.Repo.AcquireLock(e.Ctx, "proj-1", "deploy/prod", "task-a", e.now)
	require.NoError(t, err)

	later := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC).Format(time.RFC3339)
	ok, err := e.Repo.RefreshLock(e.Ctx, "proj-1", "deploy/prod", "task-a", later)
	require.NoError(t, err)
	require.True(t, ok)

	lock, err := e.Repo.GetLock(e.Ctx, "proj-1", "deploy/prod")
	require.NoError(t, err)
	require.Equal(t, later, lock.UpdatedAt)
	require.EqualValues(t, 1, lock.Version, "refresh is not a handover")

	ok, err = e.Repo.RefreshLock(e.Ctx, "proj-1", "deploy/prod", "task-b", later)
	require.NoError(t, err)
	require.False(t, ok, "non-holder cannot refresh")
}

func TestReleaseLockWrongHolderIsNoop(t *testing.T) {
	e := newEnv(t)

	_, err := e.Repo.AcquireLock(e.Ctx, "proj-1", "deploy/prod", "task-a", e.now)
	require.NoError(t, err)
	require.NoError(t, e.Repo.ReleaseLock(e.Ctx, "proj-1", "deploy/prod", "task-b", e.now))

	lock, err := e.Repo.GetLock(e.Ctx, "proj-1", "deploy/prod")
	require.NoError(t, err)
	require.NotNil(t, lock.HolderTask)
	require.Equal(t, "task-a", *lock.HolderTask)
}

func TestReleaseLocksHeldBy(t *testing.T) {
	e := newEnv(t)

	for _, key := range []string{"res-1", "res-2"} {
		won, err := e.Repo.AcquireLock(e.Ctx, "proj-1", key, "task-a", e.now)
		require.NoError(t, err)
		require.True(t, won)
	}
	_, err := e.Repo.AcquireLock(e.Ctx, "proj-1", "res-3", "task-b", e.now)
	require.NoError(t, err)

	require.NoError(t, e.Repo.ReleaseLocksHeldBy(e.Ctx, "task-a", e.now))

	locks, err := e.Repo.ListLocks(e.Ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, locks, 3)
	for _, lock := range locks {
		if lock.ResourceKey == "res-3" {
			require.Equal(t, "task-b", *lock.HolderTask)
		} else {
			require.Nil(t, lock.HolderTask)
			require.Nil(t, lock.AcquiredAt)
		}
	}
}

func TestGetLockNotFound(t *testing.T) {
	e := newEnv(t)
	_, err := e.Repo.GetLock(e.Ctx, "proj-1", "nope")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

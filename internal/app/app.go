package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskfleet/internal/config"
	"taskfleet/internal/domain"
	"taskfleet/internal/events"
	"taskfleet/internal/gate"
	"taskfleet/internal/graph"
	"taskfleet/internal/progression"
	"taskfleet/internal/queue"
	"taskfleet/internal/repo"
	"taskfleet/internal/workflow"
)

// App wires the services over one database handle. The progression
// coordinator is registered on the bus so lifecycle events drive ticket
// movement in-process.
type App struct {
	DB          *sql.DB
	Repo        repo.Repo
	Bus         *events.Bus
	Queue       queue.Queue
	Gate        gate.Validator
	Workflow    workflow.Workflow
	Coordinator *progression.Coordinator
	Graph       graph.Builder
	Settings    *config.Settings
	Log         *zap.Logger
}

// New assembles the application. settings are the workspace-level
// defaults; per-project settings stored in the database override them at
// the point of use.
func New(db *sql.DB, settings *config.Settings, log *zap.Logger, now func() time.Time) (*App, error) {
	if err := gate.ValidateTable(); err != nil {
		return nil, fmt.Errorf("gate table: %w", err)
	}
	if settings == nil {
		settings = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}

	r := repo.Repo{DB: db}
	bus := events.NewBus(log)
	writer := events.Writer{DB: db, Now: now}

	q := queue.Queue{
		DB:       db,
		Repo:     r,
		Events:   writer,
		Bus:      bus,
		Settings: settings,
		Log:      log.Named("queue"),
		Now:      now,
	}
	validator := gate.Validator{
		Repo: r,
		Log:  log.Named("gate"),
		Now:  now,
	}
	wf := workflow.Workflow{
		DB:       db,
		Repo:     r,
		Events:   writer,
		Bus:      bus,
		Gate:     validator,
		Queue:    q,
		Settings: settings,
		Log:      log.Named("workflow"),
		Now:      now,
	}
	coord := &progression.Coordinator{
		Repo:     r,
		Queue:    q,
		Workflow: wf,
		Log:      log.Named("progression"),
	}
	coord.Register(bus)

	return &App{
		DB:          db,
		Repo:        r,
		Bus:         bus,
		Queue:       q,
		Gate:        validator,
		Workflow:    wf,
		Coordinator: coord,
		Graph:       graph.Builder{Repo: r},
		Settings:    settings,
		Log:         log,
	}, nil
}

// ResolveProject picks the active project, preferring the override and
// falling back to the single project in the workspace. A missing
// override project is created on the fly under the default org with the
// workspace settings persisted.
func (a *App) ResolveProject(ctx context.Context, projectOverride string) (string, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := a.Repo.SingleProject(ctx)
		if err != nil {
			return "", fmt.Errorf("project not specified; use --project")
		}
		return p.ID, nil
	}
	if _, err := a.Repo.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		if err := a.CreateProject(ctx, projectID, "default-org"); err != nil {
			return "", err
		}
	}
	return projectID, nil
}

// CreateProject inserts a project (and its org when absent), seeding the
// stored settings from the workspace defaults.
func (a *App) CreateProject(ctx context.Context, projectID, orgID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := a.Repo.GetOrganization(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := a.Repo.InsertOrganization(ctx, domain.Organization{
			ID:        orgID,
			Name:      orgID,
			Tier:      "free",
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("insert org: %w", err)
		}
	}
	if err := a.Repo.InsertProject(ctx, domain.Project{
		ID:        projectID,
		OrgID:     orgID,
		Name:      projectID,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := a.Repo.UpsertProjectSettings(ctx, projectID, a.Settings); err != nil {
		return fmt.Errorf("seed project settings: %w", err)
	}
	return nil
}

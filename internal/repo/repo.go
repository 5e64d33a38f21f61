package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskfleet/internal/config"
	"taskfleet/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertOrganization(ctx context.Context, o domain.Organization) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO organizations(id,name,tier,created_at) VALUES (?,?,?,?)`,
		o.ID, o.Name, o.Tier, o.CreatedAt)
	return err
}

func (r Repo) GetOrganization(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,tier,created_at FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.Tier, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) UpdateOrganizationTier(ctx context.Context, id, tier string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE organizations SET tier=? WHERE id=?`, tier, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,org_id,name,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &desc, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

// SingleProject resolves the implicit project for CLI commands run
// without --project. Errors when the workspace holds more than one.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpsertProjectSettings(ctx context.Context, projectID string, s *config.Settings) error {
	if s == nil {
		return fmt.Errorf("settings nil")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO project_settings(project_id,settings_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET settings_json=excluded.settings_json, updated_at=excluded.updated_at`,
		projectID, string(payload), now, now)
	return err
}

// GetProjectSettings returns the stored settings for a project, falling
// back to defaults when none were persisted.
func (r Repo) GetProjectSettings(ctx context.Context, projectID string) (*config.Settings, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT settings_json FROM project_settings WHERE project_id=?`, projectID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	s := config.Default()
	if err := json.Unmarshal([]byte(payload), s); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

// OrgAgentLimit resolves the active-agent cap for the org owning a
// project from its subscription tier.
func (r Repo) OrgAgentLimit(ctx context.Context, projectID string) (int, error) {
	var tier string
	err := r.DB.QueryRowContext(ctx, `SELECT o.tier FROM organizations o JOIN projects p ON p.org_id=o.id WHERE p.id=?`, projectID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return config.TierAgentLimit(tier), nil
}

func (r Repo) ListEvents(ctx context.Context, projectID, entityKind, entityID string, afterID int64, limit int) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if afterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, afterID)
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func optionalString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func optionalInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func marshalList(items []string) any {
	if len(items) == 0 {
		return nil
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func unmarshalList(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(ns.String), &items); err != nil {
		return nil
	}
	return items
}

package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskfleet/internal/domain"
)

// UpsertArtifact stores or replaces a phase artifact. One row exists per
// (ticket, phase, kind, path); re-submitting the same evidence slot
// replaces its content, distinct paths accrete as separate rows.
func (r Repo) UpsertArtifact(ctx context.Context, a domain.PhaseArtifact) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO phase_artifacts(id,ticket_id,phase_id,kind,path,content_json,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(ticket_id,phase_id,kind,path) DO UPDATE SET content_json=excluded.content_json, updated_at=excluded.updated_at`,
		a.ID, a.TicketID, a.PhaseID, a.Kind, a.Path, a.ContentJSON, a.CreatedBy, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) ListArtifacts(ctx context.Context, ticketID, phaseID string) ([]domain.PhaseArtifact, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ticket_id,phase_id,kind,path,content_json,created_by,created_at,updated_at
FROM phase_artifacts WHERE ticket_id=? AND phase_id=? ORDER BY kind ASC, path ASC`, ticketID, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseArtifact
	for rows.Next() {
		var a domain.PhaseArtifact
		if err := rows.Scan(&a.ID, &a.TicketID, &a.PhaseID, &a.Kind, &a.Path, &a.ContentJSON,
			&a.CreatedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// HasArtifactAt reports whether an evidence slot is already filled for a
// ticket's phase. Collection skips filled slots so it never overwrites
// manually submitted evidence.
func (r Repo) HasArtifactAt(ctx context.Context, ticketID, phaseID, kind, path string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM phase_artifacts WHERE ticket_id=? AND phase_id=? AND kind=? AND path=?`,
		ticketID, phaseID, kind, path).Scan(&n)
	return n > 0, err
}

// HasArtifact reports whether a ticket carries an artifact of the given
// kind in any phase. The coordinator uses it to decide whether a PRD
// still needs generating.
func (r Repo) HasArtifact(ctx context.Context, ticketID, kind string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM phase_artifacts WHERE ticket_id=? AND kind=?`, ticketID, kind).Scan(&n)
	return n > 0, err
}

func (r Repo) InsertGateResult(ctx context.Context, g domain.GateResult) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO gate_results(id,ticket_id,phase_id,passed,strictness,validation_json,created_at)
VALUES (?,?,?,?,?,?,?)`,
		g.ID, g.TicketID, g.PhaseID, g.Passed, g.Strictness, g.ValidationJSON, g.CreatedAt)
	return err
}

// LatestGateResult returns the most recent validation record for a
// ticket/phase pair.
func (r Repo) LatestGateResult(ctx context.Context, ticketID, phaseID string) (domain.GateResult, error) {
	var g domain.GateResult
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,ticket_id,phase_id,passed,strictness,validation_json,created_at
FROM gate_results WHERE ticket_id=? AND phase_id=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		ticketID, phaseID).
		Scan(&g.ID, &g.TicketID, &g.PhaseID, &g.Passed, &g.Strictness, &g.ValidationJSON, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	return g, err
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskfleet/internal/domain"
)

const ticketColumns = `id,project_id,title,COALESCE(description,''),status,phase_id,previous_phase_id,priority,is_blocked,blocked_reason,blocked_at,COALESCE(context_json,''),created_at,updated_at`

func scanTicket(scan func(dest ...any) error) (domain.Ticket, error) {
	var t domain.Ticket
	var prevPhase, blockedReason, blockedAt sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.PhaseID,
		&prevPhase, &t.Priority, &t.IsBlocked, &blockedReason, &blockedAt, &t.ContextJSON,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	t.PreviousPhaseID = optionalString(prevPhase)
	t.BlockedReason = optionalString(blockedReason)
	t.BlockedAt = optionalString(blockedAt)
	return t, err
}

func (r Repo) InsertTicket(ctx context.Context, t domain.Ticket) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tickets(id,project_id,title,description,status,phase_id,previous_phase_id,priority,is_blocked,blocked_reason,blocked_at,context_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, t.PhaseID,
		nullablePtr(t.PreviousPhaseID), t.Priority, t.IsBlocked, nullablePtr(t.BlockedReason),
		nullablePtr(t.BlockedAt), nullable(t.ContextJSON), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id)
	return scanTicket(row.Scan)
}

func (r Repo) GetTicketTx(ctx context.Context, tx *sql.Tx, id string) (domain.Ticket, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id)
	return scanTicket(row.Scan)
}

type TicketFilter struct {
	ProjectID string
	Status    string
	Blocked   *bool
}

func (r Repo) ListTickets(ctx context.Context, f TicketFilter) ([]domain.Ticket, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Blocked != nil {
		clauses = append(clauses, "is_blocked=?")
		args = append(args, *f.Blocked)
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListActiveUnblockedTickets feeds the stall monitor: every non-terminal
// ticket without the blocked overlay.
func (r Repo) ListActiveUnblockedTickets(ctx context.Context) ([]domain.Ticket, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE status!=? AND is_blocked=0 ORDER BY created_at ASC`, domain.TicketDone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTicketStateTx rewrites the mutable state columns of one ticket
// inside a transaction. Callers set UpdatedAt before the write.
func (r Repo) UpdateTicketStateTx(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	res, err := tx.ExecContext(ctx, `UPDATE tickets SET status=?, phase_id=?, previous_phase_id=?, is_blocked=?, blocked_reason=?, blocked_at=?, context_json=?, updated_at=? WHERE id=?`,
		t.Status, t.PhaseID, nullablePtr(t.PreviousPhaseID), t.IsBlocked,
		nullablePtr(t.BlockedReason), nullablePtr(t.BlockedAt), nullable(t.ContextJSON), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertPhaseHistoryTx(ctx context.Context, tx *sql.Tx, h domain.PhaseHistory) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phase_history(id,ticket_id,from_status,to_status,from_phase_id,to_phase_id,initiated_by,reason,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		h.ID, h.TicketID, nullablePtr(h.FromStatus), h.ToStatus, nullablePtr(h.FromPhaseID),
		h.ToPhaseID, h.InitiatedBy, nullable(h.Reason), h.CreatedAt)
	return err
}

func (r Repo) ListPhaseHistory(ctx context.Context, ticketID string) ([]domain.PhaseHistory, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ticket_id,from_status,to_status,from_phase_id,to_phase_id,initiated_by,COALESCE(reason,''),created_at
FROM phase_history WHERE ticket_id=? ORDER BY created_at ASC, id ASC`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseHistory
	for rows.Next() {
		var h domain.PhaseHistory
		var fromStatus, fromPhase sql.NullString
		if err := rows.Scan(&h.ID, &h.TicketID, &fromStatus, &h.ToStatus, &fromPhase,
			&h.ToPhaseID, &h.InitiatedBy, &h.Reason, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.FromStatus = optionalString(fromStatus)
		h.FromPhaseID = optionalString(fromPhase)
		res = append(res, h)
	}
	return res, rows.Err()
}

// LastStatusChangeAt returns when the ticket last changed status, falling
// back to its creation time when no history rows exist yet.
func (r Repo) LastStatusChangeAt(ctx context.Context, ticketID string) (string, error) {
	var ts sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM phase_history WHERE ticket_id=?`, ticketID).Scan(&ts)
	if err != nil {
		return "", err
	}
	if ts.Valid && ts.String != "" {
		return ts.String, nil
	}
	var created string
	err = r.DB.QueryRowContext(ctx, `SELECT created_at FROM tickets WHERE id=?`, ticketID).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return created, err
}

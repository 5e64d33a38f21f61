package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Task lifecycle event types, persisted to the events table and published
// on the in-process bus.
const (
	TaskCreated   = "TASK_CREATED"
	TaskAssigned  = "TASK_ASSIGNED"
	TaskStarted   = "TASK_STARTED"
	TaskCompleted = "TASK_COMPLETED"
	TaskFailed    = "TASK_FAILED"
	TaskCancelled = "TASK_CANCELLED"
)

// Ticket lifecycle event types.
const (
	TicketTransitioned = "ticket.status_transitioned"
	TicketBlocked      = "ticket.blocked"
	TicketUnblocked    = "ticket.unblocked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside the caller's transaction so the log
// entry commits or rolls back with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Package audit appends the engine's own activity to a local sqlite log:
// every decision, override match, gate record, step advance and phase
// completion. The state document says where the project is; the audit log
// says how it got there.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	TypeDecisionAllowed = "decision.allowed"
	TypeDecisionBlocked = "decision.blocked"
	TypeOverrideMatched = "override.matched"
	TypeOutcomeRecorded = "outcome.recorded"
	TypeGateRecorded    = "gate.recorded"
	TypeViolation       = "workflow.violation"
	TypeStepAdvanced    = "step.advanced"
	TypePhaseCompleted  = "phase.completed"
	TypeStatusChanged   = "status.changed"
	TypeStepOverridden  = "step.overridden"
	TypeProjectInit     = "project.init"
)

// Event is one audit log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Payload is free-form event detail.
type Payload map[string]any

// Writer appends events.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append inserts one event row.
func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Latest returns up to n most recent events, optionally filtered by type
// and entity kind.
func Latest(ctx context.Context, db *sql.DB, n int, evtType, entityKind string) ([]Event, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE 1=1`
	var args []any
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	if entityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, entityKind)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

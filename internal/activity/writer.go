// Package activity appends entries to the append-only workspace log. Writes
// happen inside the caller's transaction so an entry lands iff the mutation
// it describes commits.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entry types written by the engine.
const (
	TypeFeatureCreated   = "feature.created"
	TypeStoryCreated     = "story.created"
	TypeStoryStatus      = "story.status_changed"
	TypeStoryValidated   = "story.validated"
	TypeTaskCreated      = "task.created"
	TypeTaskUpdated      = "task.updated"
	TypeTaskCompleted    = "task.completed"
	TypeAssignmentDenied = "task.assignment.denied"
	TypeAgentRegistered  = "agent.registered"
	TypeRetroAttached    = "retro.attached"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, entryType, storyCode, entityKind, entityID, actor string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal activity payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity(ts,type,story_code,entity_kind,entity_id,actor,payload) VALUES (?,?,?,?,?,?,?)`,
		ts, entryType, nullable(storyCode), entityKind, entityID, actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

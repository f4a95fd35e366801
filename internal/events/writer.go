package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"punchd/internal/db"
	"punchd/internal/domain"
)

// Audit event types.
const (
	PunchRecorded      = "punch.recorded"
	TaskStarted        = "task.started"
	TaskFinished       = "task.finished"
	ChildSpawned       = "child.spawned"
	CheckpointStaged   = "checkpoint.staged"
	CheckpointPassed   = "checkpoint.passed"
	TaskKilled         = "task.killed"
	TaskDiagnosed      = "task.diagnosed"
	RemediationCreated = "remediation.created"
	CardReplaced       = "card.replaced"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append writes an audit event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "punchd"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

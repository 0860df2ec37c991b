// Package events writes the durable log that backs /events polling and
// webhook delivery.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends rows to the durable event log. Appends happen inside the
// caller's mutation transaction so the log row and the mutation commit
// together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// EventPayload is the JSON body stored with a log row. Nil is stored as
// an empty object.
type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

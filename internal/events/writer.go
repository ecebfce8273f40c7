package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends run lifecycle events to the index database. The event
// log is diagnostic only; losing it never affects run artifacts.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Event types written by the pipeline and tools.
const (
	TypeRunStart     = "run.start"
	TypeRunFinalize  = "run.finalize"
	TypeIndexRebuild = "index.rebuild"
	TypeReplayVerify = "replay.verify"
	TypeGuardVerify  = "guard.verify"
)

func (w Writer) Append(ctx context.Context, evtType, candidateID, runID string, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,candidate_id,run_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(candidateID), nullable(runID), string(data))
	return err
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	CandidateID string `json:"candidate_id,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	Payload     string `json:"payload_json"`
}

// Latest returns the most recent n events, optionally filtered by type.
func (w Writer) Latest(ctx context.Context, n int, evtType string) ([]Event, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT id,ts,type,COALESCE(candidate_id,''),COALESCE(run_id,''),payload_json FROM events`
	args := []any{}
	if evtType != "" {
		query += ` WHERE type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CandidateID, &e.RunID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

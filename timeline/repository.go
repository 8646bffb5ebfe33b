package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AppendParams describes one event to record. CreatedAt is assigned by the
// database; callers only supply business fields.
type AppendParams struct {
	CaseID      string
	Type        string
	ActorID     *string
	Description string
	Payload     map[string]any
	IsPublic    bool
}

// Writer appends audit events. Append runs inside the caller's transaction so
// the event commits or rolls back together with the state change it records.
// Record uses its own connection for failure paths where no transaction
// survives to carry the event.
type Writer struct {
	pool *pgxpool.Pool
}

func NewWriter(pool *pgxpool.Pool) *Writer {
	return &Writer{pool: pool}
}

const insertSQL = `
INSERT INTO timeline_events (case_id, type, actor_id, description, payload, is_public)
VALUES ($1, $2, $3::uuid, $4, $5::jsonb, $6)
`

// Append inserts the event inside the active transaction.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, params AppendParams) error {
	body, err := marshalPayload(params.Payload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insertSQL, params.CaseID, params.Type, actorArg(params.ActorID), params.Description, body, params.IsPublic); err != nil {
		return fmt.Errorf("timeline: append event: %w", err)
	}
	return nil
}

// Record inserts the event on its own connection, outside any transaction.
func (w *Writer) Record(ctx context.Context, params AppendParams) error {
	body, err := marshalPayload(params.Payload)
	if err != nil {
		return err
	}
	if _, err := w.pool.Exec(ctx, insertSQL, params.CaseID, params.Type, actorArg(params.ActorID), params.Description, body, params.IsPublic); err != nil {
		return fmt.Errorf("timeline: record event: %w", err)
	}
	return nil
}

// List returns events for a case ordered by creation time. When publicOnly is
// set, internal audit entries are filtered out.
func (w *Writer) List(ctx context.Context, caseID string, publicOnly bool) ([]Event, error) {
	query := `
		SELECT id, case_id, type, actor_id::text, description, payload, is_public, created_at
		FROM timeline_events
		WHERE case_id = $1
	`
	if publicOnly {
		query += " AND is_public"
	}
	query += " ORDER BY created_at, id"

	rows, err := w.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("timeline: list: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, 16)
	for rows.Next() {
		var (
			ev      Event
			body    []byte
			created time.Time
		)
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.Type, &ev.ActorID, &ev.Description, &body, &ev.IsPublic, &created); err != nil {
			return nil, fmt.Errorf("timeline: scan event: %w", err)
		}
		ev.CreatedAt = created
		if len(body) > 0 {
			if err := json.Unmarshal(body, &ev.Payload); err != nil {
				return nil, fmt.Errorf("timeline: decode payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline: iterate events: %w", err)
	}
	return events, nil
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("timeline: marshal payload: %w", err)
	}
	return body, nil
}

func actorArg(actorID *string) any {
	if actorID == nil || *actorID == "" {
		return nil
	}
	return *actorID
}

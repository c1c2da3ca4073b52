package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Audit actions recorded against a case. Events are append-only: one per
// submission, one per duplicate link, one per state change.
const (
	ActionSubmitted        = "submitted"
	ActionLinkedSubmission = "linked_submission"
	ActionStateChange      = "STATE_CHANGE"
)

type CaseEvent struct {
	ID        string         `json:"id"`
	CaseID    string         `json:"case_id"`
	ActorID   string         `json:"actor_id"`
	ActorRole Role           `json:"actor_role"`
	Action    string         `json:"action"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type EventsStore interface {
	AddCaseEvent(ctx context.Context, ev *CaseEvent) error
	ListCaseEvents(ctx context.Context, caseID string, limit int) ([]CaseEvent, error)
}

type eventsStore struct {
	db *DB
}

func NewEventsStore(db *DB) EventsStore {
	return &eventsStore{db: db}
}

func (s *eventsStore) AddCaseEvent(ctx context.Context, ev *CaseEvent) error {
	prepareCaseEvent(ev)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO case_events(id, case_id, actor_id, actor_role, action, meta_json, created_at)
		VALUES(?,?,?,?,?,?,?)`,
		ev.ID, ev.CaseID, ev.ActorID, string(ev.ActorRole), ev.Action, metaToJSON(ev.Meta), ev.CreatedAt)
	return err
}

func (s *eventsStore) ListCaseEvents(ctx context.Context, caseID string, limit int) ([]CaseEvent, error) {
	query := `
		SELECT id, case_id, actor_id, actor_role, action, meta_json, created_at
		FROM case_events WHERE case_id=? ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CaseEvent
	for rows.Next() {
		var ev CaseEvent
		var role, metaRaw string
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.ActorID, &role, &ev.Action, &metaRaw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.ActorRole = Role(role)
		ev.Meta = parseEventMeta(metaRaw)
		res = append(res, ev)
	}
	return res, rows.Err()
}

// insertCaseEventTx writes an event inside a case transaction. Used by the
// cases store so a case mutation and its audit record commit together.
func insertCaseEventTx(ctx context.Context, tx *Tx, ev *CaseEvent) error {
	prepareCaseEvent(ev)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO case_events(id, case_id, actor_id, actor_role, action, meta_json, created_at)
		VALUES(?,?,?,?,?,?,?)`,
		ev.ID, ev.CaseID, ev.ActorID, string(ev.ActorRole), ev.Action, metaToJSON(ev.Meta), ev.CreatedAt)
	return err
}

func prepareCaseEvent(ev *CaseEvent) {
	if ev.ID == "" {
		ev.ID = uuid.Must(uuid.NewV4()).String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	} else {
		ev.CreatedAt = ev.CreatedAt.UTC()
	}
}

func metaToJSON(meta map[string]any) string {
	if len(meta) == 0 {
		return "{}"
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func parseEventMeta(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil
	}
	return meta
}

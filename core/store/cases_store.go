package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

type CaseState string

const (
	StateSubmitted  CaseState = "submitted"
	StateInReview   CaseState = "in_review"
	StateApproved   CaseState = "approved"
	StateRejected   CaseState = "rejected"
	StateEscalated  CaseState = "escalated"
	StateMatchFound CaseState = "match_found"
	StateCompleted  CaseState = "completed"
)

func AllCaseStates() []CaseState {
	return []CaseState{
		StateSubmitted, StateInReview, StateApproved, StateRejected,
		StateEscalated, StateMatchFound, StateCompleted,
	}
}

func ParseCaseState(raw string) (CaseState, bool) {
	cand := CaseState(strings.ToLower(strings.TrimSpace(raw)))
	for _, st := range AllCaseStates() {
		if st == cand {
			return st, true
		}
	}
	return "", false
}

// Case is an abuse-report case. State, assignee and due_by change only through
// workflow transitions; content fields are fixed at creation.
type Case struct {
	ID                string     `json:"id"`
	SubmitterID       string     `json:"submitter_id"`
	URL               string     `json:"url,omitempty"`
	URLNormalized     string     `json:"url_normalized,omitempty"`
	URLHash           string     `json:"url_hash,omitempty"`
	FileHash          string     `json:"file_hash,omitempty"`
	Description       string     `json:"description,omitempty"`
	State             CaseState  `json:"state"`
	AssignedOfficerID *string    `json:"assigned_officer_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DueBy             *time.Time `json:"due_by,omitempty"`
}

// DedupEntry pins one content hash to one case. Each row carries exactly one
// hash kind; the unique indexes on url_hash and file_hash are the enforcement
// point for "one case per distinct content".
type DedupEntry struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id"`
	URLHash   string    `json:"url_hash,omitempty"`
	FileHash  string    `json:"file_hash,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CaseFilter struct {
	SubmitterID string
	State       CaseState
	Limit       int
	Offset      int
}

// TransitionUpdate describes the guarded state change applied by the workflow
// manager. FromState acts as the optimistic-concurrency guard.
type TransitionUpdate struct {
	CaseID          string
	FromState       CaseState
	ToState         CaseState
	AssignOfficerID *string
	DueBy           *time.Time
	UpdatedAt       time.Time
}

type CasesStore interface {
	CreateCase(ctx context.Context, c *Case, entries []DedupEntry, event *CaseEvent, idemKey string) error
	GetCase(ctx context.Context, id string) (*Case, error)
	FindCaseByHashes(ctx context.Context, urlHash, fileHash string) (*Case, error)
	GetCaseByIdempotencyKey(ctx context.Context, key string) (*Case, error)
	LinkSubmission(ctx context.Context, caseID string, event *CaseEvent, idemKey string) error
	ApplyTransition(ctx context.Context, upd TransitionUpdate, event *CaseEvent) error
	AssignOfficer(ctx context.Context, caseID, officerID string) error

	ListCases(ctx context.Context, filter CaseFilter) ([]Case, error)
	ListOverdueCases(ctx context.Context, now time.Time) ([]Case, error)
	ListUnassignedInReview(ctx context.Context) ([]Case, error)
	ListStaleEscalated(ctx context.Context, before time.Time) ([]Case, error)

	CountCasesByState(ctx context.Context) (map[CaseState]int, error)
	CountOverdue(ctx context.Context, now time.Time) (int, error)
	AvgCompletionHours(ctx context.Context) (float64, error)
	OfficerCaseCounts(ctx context.Context) (map[string]int, error)
}

type casesStore struct {
	db *DB
}

func NewCasesStore(db *DB) CasesStore {
	return &casesStore{db: db}
}

const caseColumns = `id, submitter_id, url, url_normalized, url_hash, file_hash, description, state, assigned_officer_id, created_at, updated_at, due_by`

// CreateCase persists the case, its dedup rows, the submission event and the
// optional idempotency binding as one transaction. A unique-index hit on any
// of the inserts rolls everything back and surfaces as ErrConflict so the
// caller can fall back to the existing-case path.
func (s *casesStore) CreateCase(ctx context.Context, c *Case, entries []DedupEntry, event *CaseEvent, idemKey string) error {
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV4()).String()
	}
	if c.State == "" {
		c.State = StateSubmitted
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cases(`+caseColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.SubmitterID, c.URL, c.URLNormalized, nullableStr(c.URLHash), nullableStr(c.FileHash),
		c.Description, string(c.State), nullablePtr(c.AssignedOfficerID), c.CreatedAt, c.UpdatedAt, nullableTime(c.DueBy))
	if err != nil {
		tx.Rollback()
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.Must(uuid.NewV4()).String()
		}
		e.CaseID = c.ID
		e.CreatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dedup_index(id, case_id, url_hash, file_hash, created_at)
			VALUES(?,?,?,?,?)`,
			e.ID, e.CaseID, nullableStr(e.URLHash), nullableStr(e.FileHash), e.CreatedAt); err != nil {
			tx.Rollback()
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
	}
	if event != nil {
		event.CaseID = c.ID
		if err := insertCaseEventTx(ctx, tx, event); err != nil {
			tx.Rollback()
			return err
		}
	}
	if strings.TrimSpace(idemKey) != "" {
		if err := insertIdempotencyKeyTx(ctx, tx, idemKey, c.ID, now); err != nil {
			tx.Rollback()
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *casesStore) GetCase(ctx context.Context, id string) (*Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row)
}

// FindCaseByHashes resolves either hash through dedup_index, the table whose
// unique constraints enforce "one case per distinct content". A hit on
// url_hash or file_hash alike counts as a duplicate; the oldest case wins
// when several rows match.
func (s *casesStore) FindCaseByHashes(ctx context.Context, urlHash, fileHash string) (*Case, error) {
	var clauses []string
	var args []any
	if strings.TrimSpace(urlHash) != "" {
		clauses = append(clauses, "url_hash=?")
		args = append(args, urlHash)
	}
	if strings.TrimSpace(fileHash) != "" {
		clauses = append(clauses, "file_hash=?")
		args = append(args, fileHash)
	}
	if len(clauses) == 0 {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE id IN (SELECT case_id FROM dedup_index WHERE `+strings.Join(clauses, " OR ")+`)
		ORDER BY created_at ASC, id ASC LIMIT 1`, args...)
	return scanCase(row)
}

func (s *casesStore) GetCaseByIdempotencyKey(ctx context.Context, key string) (*Case, error) {
	if strings.TrimSpace(key) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE id = (SELECT case_id FROM idempotency_keys WHERE key=?)`, key)
	return scanCase(row)
}

// LinkSubmission records a duplicate submission against an existing case and
// binds the idempotency key when one was supplied. A concurrent binding of
// the same key is tolerated; the key keeps its first case.
func (s *casesStore) LinkSubmission(ctx context.Context, caseID string, event *CaseEvent, idemKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if event != nil {
		event.CaseID = caseID
		if err := insertCaseEventTx(ctx, tx, event); err != nil {
			tx.Rollback()
			return err
		}
	}
	if strings.TrimSpace(idemKey) != "" {
		if err := insertIdempotencyKeyTx(ctx, tx, idemKey, caseID, time.Now().UTC()); err != nil && !isUniqueViolation(err) {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *casesStore) ApplyTransition(ctx context.Context, upd TransitionUpdate, event *CaseEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	query := `UPDATE cases SET state=?, updated_at=?, due_by=?`
	args := []any{string(upd.ToState), upd.UpdatedAt.UTC(), nullableTime(upd.DueBy)}
	if upd.AssignOfficerID != nil {
		query += `, assigned_officer_id=?`
		args = append(args, *upd.AssignOfficerID)
	}
	query += ` WHERE id=? AND state=?`
	args = append(args, upd.CaseID, string(upd.FromState))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		tx.Rollback()
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		tx.Rollback()
		return ErrConflict
	}
	if event != nil {
		event.CaseID = upd.CaseID
		if err := insertCaseEventTx(ctx, tx, event); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// AssignOfficer is the assignment sweep's fallback path. The guard keeps it
// from racing an auto-assign that happened after the sweep listed the case.
func (s *casesStore) AssignOfficer(ctx context.Context, caseID, officerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET assigned_officer_id=?, updated_at=?
		WHERE id=? AND state=? AND assigned_officer_id IS NULL`,
		officerID, time.Now().UTC(), caseID, string(StateInReview))
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *casesStore) ListCases(ctx context.Context, filter CaseFilter) ([]Case, error) {
	var clauses []string
	var args []any
	if filter.SubmitterID != "" {
		clauses = append(clauses, "submitter_id=?")
		args = append(args, filter.SubmitterID)
	}
	if filter.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(filter.State))
	}
	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	return s.queryCases(ctx, query, args...)
}

// ListOverdueCases returns cases past their deadline in states the SLA engine
// still watches. Terminal-ish states are excluded even if a stale due_by
// survived somehow.
func (s *casesStore) ListOverdueCases(ctx context.Context, now time.Time) ([]Case, error) {
	return s.queryCases(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE due_by IS NOT NULL AND due_by < ? AND state IN (?,?,?,?)
		ORDER BY due_by ASC, id ASC`,
		now.UTC(), string(StateSubmitted), string(StateInReview), string(StateEscalated), string(StateMatchFound))
}

func (s *casesStore) ListUnassignedInReview(ctx context.Context) ([]Case, error) {
	return s.queryCases(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE state=? AND assigned_officer_id IS NULL
		ORDER BY created_at ASC, id ASC`, string(StateInReview))
}

func (s *casesStore) ListStaleEscalated(ctx context.Context, before time.Time) ([]Case, error) {
	return s.queryCases(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE state=? AND updated_at < ?
		ORDER BY updated_at ASC, id ASC`, string(StateEscalated), before.UTC())
}

func (s *casesStore) CountCasesByState(ctx context.Context) (map[CaseState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM cases GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[CaseState]int{}
	for _, st := range AllCaseStates() {
		counts[st] = 0
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[CaseState(state)] = n
	}
	return counts, rows.Err()
}

func (s *casesStore) CountOverdue(ctx context.Context, now time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cases
		WHERE due_by IS NOT NULL AND due_by < ? AND state IN (?,?,?,?)`,
		now.UTC(), string(StateSubmitted), string(StateInReview), string(StateEscalated), string(StateMatchFound))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// AvgCompletionHours averages updated_at-created_at over completed cases in
// Go; the two drivers have no shared SQL for epoch arithmetic.
func (s *casesStore) AvgCompletionHours(ctx context.Context) (float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at, updated_at FROM cases WHERE state=?`, string(StateCompleted))
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var total time.Duration
	var n int
	for rows.Next() {
		var created, updated time.Time
		if err := rows.Scan(&created, &updated); err != nil {
			return 0, err
		}
		total += updated.Sub(created)
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return total.Hours() / float64(n), nil
}

func (s *casesStore) OfficerCaseCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT assigned_officer_id, COUNT(*) FROM cases
		WHERE assigned_officer_id IS NOT NULL GROUP BY assigned_officer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var officerID string
		var n int
		if err := rows.Scan(&officerID, &n); err != nil {
			return nil, err
		}
		counts[officerID] = n
	}
	return counts, rows.Err()
}

func (s *casesStore) queryCases(ctx context.Context, query string, args ...any) ([]Case, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Case
	for rows.Next() {
		c, err := scanCaseRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func insertIdempotencyKeyTx(ctx context.Context, tx *Tx, key, caseID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys(key, case_id, created_at) VALUES(?,?,?)`,
		strings.TrimSpace(key), caseID, now)
	return err
}

func scanCase(row *sql.Row) (*Case, error) {
	var c Case
	var state string
	var urlHash, fileHash, assignee sql.NullString
	var dueBy sql.NullTime
	if err := row.Scan(&c.ID, &c.SubmitterID, &c.URL, &c.URLNormalized, &urlHash, &fileHash,
		&c.Description, &state, &assignee, &c.CreatedAt, &c.UpdatedAt, &dueBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	applyCaseNullables(&c, state, urlHash, fileHash, assignee, dueBy)
	return &c, nil
}

func scanCaseRow(rows *sql.Rows) (Case, error) {
	var c Case
	var state string
	var urlHash, fileHash, assignee sql.NullString
	var dueBy sql.NullTime
	if err := rows.Scan(&c.ID, &c.SubmitterID, &c.URL, &c.URLNormalized, &urlHash, &fileHash,
		&c.Description, &state, &assignee, &c.CreatedAt, &c.UpdatedAt, &dueBy); err != nil {
		return c, err
	}
	applyCaseNullables(&c, state, urlHash, fileHash, assignee, dueBy)
	return c, nil
}

func applyCaseNullables(c *Case, state string, urlHash, fileHash, assignee sql.NullString, dueBy sql.NullTime) {
	c.State = CaseState(state)
	if urlHash.Valid {
		c.URLHash = urlHash.String
	}
	if fileHash.Valid {
		c.FileHash = fileHash.String
	}
	if assignee.Valid {
		val := assignee.String
		c.AssignedOfficerID = &val
	}
	if dueBy.Valid {
		t := dueBy.Time
		c.DueBy = &t
	}
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullablePtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

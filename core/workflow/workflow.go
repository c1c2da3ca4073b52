// Package workflow owns case state: the transition table, role permission
// checks, SLA deadlines and escalation.
package workflow

import (
	"context"
	"fmt"
	"time"

	"casetrack/core/store"
	"casetrack/core/utils"
)

// Transition is one allowed edge of the case state machine.
type Transition struct {
	From         store.CaseState
	To           store.CaseState
	RequiredRole store.Role
	Description  string
	AutoAssign   bool
}

// SLAPolicy maps a state to its deadline and, when set, the state an overdue
// case escalates into.
type SLAPolicy struct {
	State       store.CaseState
	Hours       int
	EscalateTo  store.CaseState
	Description string
}

var transitions = []Transition{
	{store.StateSubmitted, store.StateInReview, store.RoleOfficer, "Officer starts reviewing the case", true},
	{store.StateSubmitted, store.StateEscalated, store.RoleAdmin, "Admin escalates high-priority case immediately", false},

	{store.StateInReview, store.StateApproved, store.RoleOfficer, "Officer approves the takedown request", false},
	{store.StateInReview, store.StateRejected, store.RoleOfficer, "Officer rejects the takedown request", false},
	{store.StateInReview, store.StateMatchFound, store.RoleOfficer, "Officer finds matching content requiring action", false},
	{store.StateInReview, store.StateEscalated, store.RoleOfficer, "Officer escalates complex case to admin", false},

	{store.StateEscalated, store.StateApproved, store.RoleAdmin, "Admin approves escalated case", false},
	{store.StateEscalated, store.StateRejected, store.RoleAdmin, "Admin rejects escalated case", false},
	{store.StateEscalated, store.StateInReview, store.RoleAdmin, "Admin sends case back to review", false},

	{store.StateMatchFound, store.StateCompleted, store.RoleOfficer, "Content removal action completed", false},
	{store.StateMatchFound, store.StateEscalated, store.RoleOfficer, "Content removal requires admin intervention", false},

	{store.StateApproved, store.StateCompleted, store.RoleOfficer, "Takedown process completed successfully", false},
	{store.StateRejected, store.StateCompleted, store.RoleOfficer, "Case closed as rejected", false},
}

var slaPolicies = []SLAPolicy{
	{store.StateSubmitted, 24, store.StateEscalated, "Cases must be reviewed within 24 hours"},
	{store.StateInReview, 72, store.StateEscalated, "Review must be completed within 72 hours"},
	{store.StateEscalated, 48, "", "Escalated cases must be resolved within 48 hours"},
	{store.StateMatchFound, 24, store.StateEscalated, "Content removal must be completed within 24 hours"},
}

// roleTier makes the permission ordering explicit; any unknown role ranks
// below victim.
var roleTier = map[store.Role]int{
	store.RoleVictim:  0,
	store.RoleOfficer: 1,
	store.RoleAdmin:   2,
}

func tier(r store.Role) int {
	if t, ok := roleTier[r]; ok {
		return t
	}
	return -1
}

// TransitionError is a denied transition: table miss, insufficient role or
// assignment lock. Recoverable; the reason is meant for caller display.
type TransitionError struct {
	Reason string
}

func (e *TransitionError) Error() string { return e.Reason }

// TransitionOption is one currently-available transition for a case/actor
// pair.
type TransitionOption struct {
	ToState      store.CaseState `json:"to_state"`
	Description  string          `json:"description"`
	RequiredRole store.Role      `json:"required_role"`
}

// Metrics is the workflow health snapshot.
type Metrics struct {
	CasesByState       map[store.CaseState]int `json:"cases_by_state"`
	OverdueCases       int                     `json:"overdue_cases"`
	AvgProcessingHours float64                 `json:"avg_processing_time_hours"`
	OfficerCaseLoads   map[string]int          `json:"officer_case_loads"`
}

type Manager struct {
	cases  store.CasesStore
	logger *utils.Logger

	transitionIndex map[store.CaseState]map[store.CaseState]Transition
	slaIndex        map[store.CaseState]SLAPolicy
}

func NewManager(cases store.CasesStore, logger *utils.Logger) *Manager {
	m := &Manager{
		cases:           cases,
		logger:          logger,
		transitionIndex: map[store.CaseState]map[store.CaseState]Transition{},
		slaIndex:        map[store.CaseState]SLAPolicy{},
	}
	for _, t := range transitions {
		if m.transitionIndex[t.From] == nil {
			m.transitionIndex[t.From] = map[store.CaseState]Transition{}
		}
		m.transitionIndex[t.From][t.To] = t
	}
	for _, p := range slaPolicies {
		m.slaIndex[p.State] = p
	}
	return m
}

// CanTransition checks the table, the actor's role tier and the assignment
// lock. The returned reason is the denial cause, or the transition
// description when allowed.
func (m *Manager) CanTransition(c *store.Case, to store.CaseState, actor *store.User) (bool, string) {
	t, ok := m.transitionIndex[c.State][to]
	if !ok {
		return false, fmt.Sprintf("transition from %s to %s is not allowed", c.State, to)
	}
	if tier(actor.Role) < tier(t.RequiredRole) {
		return false, fmt.Sprintf("role %s insufficient for this action (requires %s)", actor.Role, t.RequiredRole)
	}
	if locked, reason := m.assignmentLocked(c, actor); locked {
		return false, reason
	}
	return true, t.Description
}

// assignmentLocked enforces the in-review ownership rule: once an officer is
// assigned, only that officer or an admin may act on the case.
func (m *Manager) assignmentLocked(c *store.Case, actor *store.User) (bool, string) {
	if c.State != store.StateInReview || c.AssignedOfficerID == nil {
		return false, ""
	}
	if *c.AssignedOfficerID == actor.ID || actor.Role == store.RoleAdmin {
		return false, ""
	}
	return true, "only the assigned officer or an admin can modify this case"
}

// Transition applies a validated state change as one transaction: state,
// updated_at, optional auto-assign, recomputed due_by and the STATE_CHANGE
// audit event. On success the in-memory case is updated to match.
func (m *Manager) Transition(ctx context.Context, c *store.Case, to store.CaseState, actor *store.User, note string) error {
	allowed, reason := m.CanTransition(c, to, actor)
	if !allowed {
		return &TransitionError{Reason: reason}
	}
	t := m.transitionIndex[c.State][to]
	now := time.Now().UTC()

	var assign *string
	autoAssigned := false
	if t.AutoAssign && c.AssignedOfficerID == nil {
		id := actor.ID
		assign = &id
		autoAssigned = true
	}
	dueBy := m.DeadlineFor(to, now)

	meta := map[string]any{
		"from_state":        string(c.State),
		"to_state":          string(to),
		"transition_reason": reason,
		"auto_assigned":     autoAssigned,
	}
	if note != "" {
		meta["notes"] = note
	}
	event := &store.CaseEvent{
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    store.ActionStateChange,
		Meta:      meta,
		CreatedAt: now,
	}
	err := m.cases.ApplyTransition(ctx, store.TransitionUpdate{
		CaseID:          c.ID,
		FromState:       c.State,
		ToState:         to,
		AssignOfficerID: assign,
		DueBy:           dueBy,
		UpdatedAt:       now,
	}, event)
	if err != nil {
		return err
	}
	from := c.State
	c.State = to
	c.UpdatedAt = now
	c.DueBy = dueBy
	if assign != nil {
		c.AssignedOfficerID = assign
	}
	m.logger.Infof("workflow: case %s transitioned %s -> %s by %s", c.ID, from, to, actor.ID)
	return nil
}

// DeadlineFor returns now + the state's SLA window, or nil when the state has
// no SLA configured.
func (m *Manager) DeadlineFor(state store.CaseState, now time.Time) *time.Time {
	p, ok := m.slaIndex[state]
	if !ok {
		return nil
	}
	due := now.UTC().Add(time.Duration(p.Hours) * time.Hour)
	return &due
}

func (m *Manager) OverdueCases(ctx context.Context) ([]store.Case, error) {
	return m.cases.ListOverdueCases(ctx, time.Now().UTC())
}

// EscalateOverdue pushes an overdue case into its escalation state using the
// system actor. Returns false, without raising, when the state has no
// escalation target or the transition is rejected.
func (m *Manager) EscalateOverdue(ctx context.Context, c *store.Case, systemUser *store.User) bool {
	p, ok := m.slaIndex[c.State]
	if !ok || p.EscalateTo == "" {
		m.logger.Warnf("workflow: no escalation state defined for %s", c.State)
		return false
	}
	deadline := "unknown"
	if c.DueBy != nil {
		deadline = c.DueBy.UTC().Format(time.RFC3339)
	}
	note := fmt.Sprintf("Auto-escalated due to SLA breach (deadline: %s)", deadline)
	if err := m.Transition(ctx, c, p.EscalateTo, systemUser, note); err != nil {
		m.logger.Errorf("workflow: failed to escalate case %s: %v", c.ID, err)
		return false
	}
	return true
}

// AvailableTransitions lists the edges out of the case's current state that
// the actor is permitted to take.
func (m *Manager) AvailableTransitions(c *store.Case, actor *store.User) []TransitionOption {
	var options []TransitionOption
	for _, t := range transitions {
		if t.From != c.State {
			continue
		}
		if tier(actor.Role) < tier(t.RequiredRole) {
			continue
		}
		if locked, _ := m.assignmentLocked(c, actor); locked {
			continue
		}
		options = append(options, TransitionOption{
			ToState:      t.To,
			Description:  t.Description,
			RequiredRole: t.RequiredRole,
		})
	}
	return options
}

func (m *Manager) Metrics(ctx context.Context) (*Metrics, error) {
	byState, err := m.cases.CountCasesByState(ctx)
	if err != nil {
		return nil, err
	}
	overdue, err := m.cases.CountOverdue(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	avgHours, err := m.cases.AvgCompletionHours(ctx)
	if err != nil {
		return nil, err
	}
	loads, err := m.cases.OfficerCaseCounts(ctx)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		CasesByState:       byState,
		OverdueCases:       overdue,
		AvgProcessingHours: avgHours,
		OfficerCaseLoads:   loads,
	}, nil
}

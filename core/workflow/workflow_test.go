package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"casetrack/config"
	"casetrack/core/store"
	"casetrack/core/utils"
)

func newTestEnv(t *testing.T) (store.UsersStore, store.CasesStore, store.EventsStore, *Manager) {
	t.Helper()
	cfg := &config.AppConfig{
		DBDriver: store.DriverSQLite,
		DBPath:   filepath.Join(t.TempDir(), "test.db"),
	}
	logger := utils.NewLogger()
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	cases := store.NewCasesStore(db)
	return store.NewUsersStore(db), cases, store.NewEventsStore(db), NewManager(cases, logger)
}

func mustUser(t *testing.T, users store.UsersStore, email string, role store.Role) *store.User {
	t.Helper()
	u := &store.User{Email: email, PasswordHash: "x", Role: role}
	if err := users.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func mustCase(t *testing.T, cases store.CasesStore, c *store.Case) *store.Case {
	t.Helper()
	if err := cases.CreateCase(context.Background(), c, nil, nil, ""); err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

// The full closure of the state machine: exactly these edges exist, every
// other pair is rejected even for an admin.
func TestTransitionTableClosure(t *testing.T) {
	users, cases, _, m := newTestEnv(t)
	admin := mustUser(t, users, "admin@example.com", store.RoleAdmin)
	victim := mustUser(t, users, "victim@example.com", store.RoleVictim)

	allowed := map[store.CaseState][]store.CaseState{
		store.StateSubmitted:  {store.StateInReview, store.StateEscalated},
		store.StateInReview:   {store.StateApproved, store.StateRejected, store.StateMatchFound, store.StateEscalated},
		store.StateEscalated:  {store.StateApproved, store.StateRejected, store.StateInReview},
		store.StateMatchFound: {store.StateCompleted, store.StateEscalated},
		store.StateApproved:   {store.StateCompleted},
		store.StateRejected:   {store.StateCompleted},
		store.StateCompleted:  {},
	}
	for _, from := range store.AllCaseStates() {
		c := mustCase(t, cases, &store.Case{SubmitterID: victim.ID, State: from})
		targets := map[store.CaseState]bool{}
		for _, to := range allowed[from] {
			targets[to] = true
		}
		for _, to := range store.AllCaseStates() {
			ok, _ := m.CanTransition(c, to, admin)
			if ok != targets[to] {
				t.Errorf("%s -> %s: allowed=%v, want %v", from, to, ok, targets[to])
			}
		}
	}
}

func TestRoleGates(t *testing.T) {
	users, cases, _, m := newTestEnv(t)
	victim := mustUser(t, users, "victim@example.com", store.RoleVictim)
	officer := mustUser(t, users, "officer@example.com", store.RoleOfficer)
	admin := mustUser(t, users, "admin@example.com", store.RoleAdmin)

	submitted := mustCase(t, cases, &store.Case{SubmitterID: victim.ID})
	if ok, _ := m.CanTransition(submitted, store.StateInReview, victim); ok {
		t.Error("victim must not start review")
	}
	if ok, _ := m.CanTransition(submitted, store.StateInReview, officer); !ok {
		t.Error("officer must start review")
	}
	// submitted -> escalated requires admin; an officer is below that tier.
	if ok, _ := m.CanTransition(submitted, store.StateEscalated, officer); ok {
		t.Error("officer must not fast-track escalation")
	}
	if ok, _ := m.CanTransition(submitted, store.StateEscalated, admin); !ok {
		t.Error("admin must fast-track escalation")
	}
}

func TestAssignmentLock(t *testing.T) {
	users, cases, _, m := newTestEnv(t)
	victim := mustUser(t, users, "victim@example.com", store.RoleVictim)
	owner := mustUser(t, users, "owner@example.com", store.RoleOfficer)
	other := mustUser(t, users, "other@example.com", store.RoleOfficer)
	admin := mustUser(t, users, "admin@example.com", store.RoleAdmin)

	c := mustCase(t, cases, &store.Case{
		SubmitterID:       victim.ID,
		State:             store.StateInReview,
		AssignedOfficerID: &owner.ID,
	})
	if ok, reason := m.CanTransition(c, store.StateApproved, other); ok {
		t.Errorf("unassigned officer must be locked out, got %q", reason)
	}
	if ok, _ := m.CanTransition(c, store.StateApproved, owner); !ok {
		t.Error("assigned officer must act")
	}
	if ok, _ := m.CanTransition(c, store.StateApproved, admin); !ok {
		t.Error("admin must bypass the lock")
	}
	if opts := m.AvailableTransitions(c, other); len(opts) != 0 {
		t.Errorf("locked-out officer has options: %+v", opts)
	}
	if opts := m.AvailableTransitions(c, owner); len(opts) != 4 {
		t.Errorf("assigned officer options = %d, want 4", len(opts))
	}
}

func TestTransitionAppliesDeadlineAssignmentAndEvent(t *testing.T) {
	users, cases, events, m := newTestEnv(t)
	victim := mustUser(t, users, "victim@example.com", store.RoleVictim)
	officer := mustUser(t, users, "officer@example.com", store.RoleOfficer)

	c := mustCase(t, cases, &store.Case{SubmitterID: victim.ID})
	before := time.Now().UTC()
	if err := m.Transition(context.Background(), c, store.StateInReview, officer, "taking this one"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if c.State != store.StateInReview {
		t.Fatalf("in-memory state not updated: %s", c.State)
	}
	if c.AssignedOfficerID == nil || *c.AssignedOfficerID != officer.ID {
		t.Fatalf("auto-assign missing: %+v", c.AssignedOfficerID)
	}
	if c.DueBy == nil {
		t.Fatal("in_review must carry a deadline")
	}
	wantDue := before.Add(72 * time.Hour)
	if c.DueBy.Before(wantDue.Add(-time.Minute)) || c.DueBy.After(wantDue.Add(time.Minute)) {
		t.Fatalf("due_by = %v, want ~%v", c.DueBy, wantDue)
	}

	stored, _ := cases.GetCase(context.Background(), c.ID)
	if stored.State != store.StateInReview || stored.DueBy == nil {
		t.Fatalf("store not updated: %+v", stored)
	}

	evs, _ := events.ListCaseEvents(context.Background(), c.ID, 0)
	if len(evs) != 1 || evs[0].Action != store.ActionStateChange {
		t.Fatalf("expected one state change event, got %+v", evs)
	}
	meta := evs[0].Meta
	if meta["from_state"] != "submitted" || meta["to_state"] != "in_review" {
		t.Fatalf("event meta wrong: %+v", meta)
	}
	if meta["auto_assigned"] != true || meta["notes"] != "taking this one" {
		t.Fatalf("event meta wrong: %+v", meta)
	}
}

func TestTransitionClearsDeadlineOnTerminalStates(t *testing.T) {
	users, cases, _, m := newTestEnv(t)
	victim := mustUser(t, users, "victim@example.com", store.RoleVictim)
	officer := mustUser(t, users, "officer@example.com", store.RoleOfficer)

	due := time.Now().UTC().Add(time.Hour)
	c := mustCase(t, cases, &store.Case{
		SubmitterID:       victim.ID,
		State:             store.StateInReview,
		AssignedOfficerID: &officer.ID,
		DueBy:             &due,
	})
	if err := m.Transition(context.Background(), c, store.StateApproved, officer, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if c.DueBy != nil {
		t.Fatalf("approved has no SLA, due_by must clear, got %v", c.DueBy)
	}
	stored, _ := cases.GetCase(context.Background(), c.ID)
	if stored.DueBy != nil {
		t.Fatalf("stored due_by must clear, got %v", stored.DueBy)
	}
}

func TestTransitionStaleStateConflicts(t *testing.T) {
	users, cases, _, m := newTestEnv(t)
	victim := mustUser(t, users, "victim@example.com", store.RoleVictim)
	officer := mustUser(t, users, "officer@example.com", store.RoleOfficer)
	admin := mustUser(t, users, "admin@example.com", store.RoleAdmin)

	c := mustCase(t, cases, &store.Case{SubmitterID: victim.ID})
	stale := *c
	if err := m.Transition(context.Background(), c, store.StateInReview, officer, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	// The stale copy still believes the case is submitted; the guarded update
	// must lose instead of double-applying.
	err := m.Transition(context.Background(), &stale, store.StateEscalated, admin, "")
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestDeadlineFor(t *testing.T) {
	_, _, _, m := newTestEnv(t)
	now := time.Now().UTC()
	for state, hours := range map[store.CaseState]int{
		store.StateSubmitted:  24,
		store.StateInReview:   72,
		store.StateEscalated:  48,
		store.StateMatchFound: 24,
	} {
		due := m.DeadlineFor(state, now)
		if due == nil || !due.Equal(now.Add(time.Duration(hours)*time.Hour)) {
			t.Errorf("DeadlineFor(%s) = %v, want now+%dh", state, due, hours)
		}
	}
	for _, state := range []store.CaseState{store.StateApproved, store.StateRejected, store.StateCompleted} {
		if due := m.DeadlineFor(state, now); due != nil {
			t.Errorf("DeadlineFor(%s) = %v, want nil", state, due)
		}
	}
}

func TestEscalateOverdue(t *testing.T) {
	users, cases, events, m := newTestEnv(t)
	victim := mustUser(t, users, "victim@example.com", store.RoleVictim)
	system := mustUser(t, users, "system@takedown.internal", store.RoleAdmin)

	past := time.Now().UTC().Add(-time.Hour)
	c := mustCase(t, cases, &store.Case{SubmitterID: victim.ID, DueBy: &past})

	if !m.EscalateOverdue(context.Background(), c, system) {
		t.Fatal("expected escalation to succeed")
	}
	if c.State != store.StateEscalated {
		t.Fatalf("state = %s, want escalated", c.State)
	}
	if c.DueBy == nil || !c.DueBy.After(time.Now().UTC()) {
		t.Fatalf("escalated case needs a fresh deadline, got %v", c.DueBy)
	}
	evs, _ := events.ListCaseEvents(context.Background(), c.ID, 0)
	if len(evs) != 1 || evs[0].ActorID != system.ID {
		t.Fatalf("expected system state change event, got %+v", evs)
	}

	// escalated has a deadline but no further escalation target.
	c.DueBy = &past
	if m.EscalateOverdue(context.Background(), c, system) {
		t.Fatal("escalated must not escalate further")
	}
}

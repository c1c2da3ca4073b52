package dedup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"casetrack/config"
	"casetrack/core/normalize"
	"casetrack/core/store"
	"casetrack/core/utils"
	"casetrack/core/workflow"
)

type testEnv struct {
	db      *store.DB
	users   store.UsersStore
	cases   store.CasesStore
	events  store.EventsStore
	service *Service
}

func newTestEnv(t *testing.T) *testEnv {
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
	wf := workflow.NewManager(cases, logger)
	return &testEnv{
		db:      db,
		users:   store.NewUsersStore(db),
		cases:   cases,
		events:  store.NewEventsStore(db),
		service: NewService(cases, wf, logger),
	}
}

func (e *testEnv) user(t *testing.T, email string) *store.User {
	t.Helper()
	u := &store.User{Email: email, PasswordHash: "x", Role: store.RoleVictim}
	if err := e.users.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestSubmitRequiresContent(t *testing.T) {
	env := newTestEnv(t)
	victim := env.user(t, "v@example.com")
	for _, req := range []SubmitRequest{
		{},
		{Description: "text only"},
		{FileHash: "not-a-digest"},
	} {
		_, _, err := env.service.Submit(context.Background(), victim, req)
		if !errors.Is(err, ErrNoContent) {
			t.Errorf("Submit(%+v) err = %v, want ErrNoContent", req, err)
		}
	}
}

func TestSubmitCreatesCaseWithDeadline(t *testing.T) {
	env := newTestEnv(t)
	victim := env.user(t, "v@example.com")
	before := time.Now().UTC()

	c, created, err := env.service.Submit(context.Background(), victim, SubmitRequest{
		URL:         "HTTPS://Example.com/bad/?utm_source=mail",
		Description: "  reported content  ",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !created {
		t.Fatal("first submission must create")
	}
	if c.State != store.StateSubmitted {
		t.Fatalf("state = %s", c.State)
	}
	if c.URLNormalized != "https://example.com/bad" || c.URLHash == "" {
		t.Fatalf("normalization missing: %+v", c)
	}
	if c.Description != "reported content" {
		t.Fatalf("description not trimmed: %q", c.Description)
	}
	if c.DueBy == nil || c.DueBy.Before(before.Add(23*time.Hour)) {
		t.Fatalf("submitted case needs a 24h deadline, got %v", c.DueBy)
	}

	evs, _ := env.events.ListCaseEvents(context.Background(), c.ID, 0)
	if len(evs) != 1 || evs[0].Action != store.ActionSubmitted {
		t.Fatalf("expected submitted event, got %+v", evs)
	}
}

// N submissions of the same content: one case, N-1 linked submissions.
func TestSubmitDeduplicatesEquivalentURLs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	variants := []string{
		"https://example.com/page?id=1&utm_source=tw",
		"EXAMPLE.COM/page/?id=1",
		"https://example.com/page?id=1#frag",
	}

	var first *store.Case
	for i, raw := range variants {
		victim := env.user(t, fmt.Sprintf("v%d@example.com", i))
		c, created, err := env.service.Submit(ctx, victim, SubmitRequest{URL: raw})
		if err != nil {
			t.Fatalf("submit %q: %v", raw, err)
		}
		if i == 0 {
			if !created {
				t.Fatal("first submission must create")
			}
			first = c
			continue
		}
		if created {
			t.Fatalf("submission %q must deduplicate", raw)
		}
		if c.ID != first.ID {
			t.Fatalf("submission %q resolved to %s, want %s", raw, c.ID, first.ID)
		}
	}

	evs, _ := env.events.ListCaseEvents(ctx, first.ID, 0)
	var submitted, linked int
	for _, ev := range evs {
		switch ev.Action {
		case store.ActionSubmitted:
			submitted++
		case store.ActionLinkedSubmission:
			linked++
		}
	}
	if submitted != 1 || linked != len(variants)-1 {
		t.Fatalf("events: %d submitted, %d linked; want 1 and %d", submitted, linked, len(variants)-1)
	}
}

func TestSubmitDeduplicatesByFileHash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	digest := strings.Repeat("ab", 32)
	victim := env.user(t, "v@example.com")

	first, created, err := env.service.Submit(ctx, victim, SubmitRequest{FileHash: digest})
	if err != nil || !created {
		t.Fatalf("first submit: created=%v err=%v", created, err)
	}
	// A url+hash submission still matches on the hash alone.
	second, created, err := env.service.Submit(ctx, victim, SubmitRequest{
		URL:      "https://mirror.example.net/copy",
		FileHash: strings.ToUpper(digest),
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected dedup onto %s, got created=%v id=%s", first.ID, created, second.ID)
	}
}

func TestSubmitIdempotencyKeyReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	victim := env.user(t, "v@example.com")

	first, created, err := env.service.Submit(ctx, victim, SubmitRequest{
		URL:            "https://example.com/a",
		IdempotencyKey: "req-1",
	})
	if err != nil || !created {
		t.Fatalf("first submit: created=%v err=%v", created, err)
	}

	// Same key with entirely different content: the key wins, nothing new is
	// created or linked.
	replay, created, err := env.service.Submit(ctx, victim, SubmitRequest{
		URL:            "https://example.com/completely-different",
		IdempotencyKey: "req-1",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created || replay.ID != first.ID {
		t.Fatalf("replay must return the original case, got created=%v id=%s", created, replay.ID)
	}
	evs, _ := env.events.ListCaseEvents(ctx, first.ID, 0)
	if len(evs) != 1 {
		t.Fatalf("replay must not add events, got %d", len(evs))
	}

	// The different content stays unclaimed: a fresh key creates its own case.
	other, created, err := env.service.Submit(ctx, victim, SubmitRequest{
		URL:            "https://example.com/completely-different",
		IdempotencyKey: "req-2",
	})
	if err != nil || !created {
		t.Fatalf("fresh key: created=%v err=%v", created, err)
	}
	if other.ID == first.ID {
		t.Fatal("fresh key must open a new case")
	}
}

// A dedup row inserted behind the service's back stands in for a concurrent
// winner: the submission must resolve to that case instead of opening a new
// one or surfacing a constraint error.
func TestSubmitMatchesForeignDedupRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	victim := env.user(t, "v@example.com")

	winner, _, err := env.service.Submit(ctx, victim, SubmitRequest{URL: "https://example.com/w"})
	if err != nil {
		t.Fatalf("winner submit: %v", err)
	}

	raw := "https://example.com/contested"
	hash := normalize.URLHash(normalize.URL(raw))
	_, err = env.db.ExecContext(ctx, `
		INSERT INTO dedup_index(id, case_id, url_hash, created_at) VALUES(?,?,?,?)`,
		uuid.Must(uuid.NewV4()).String(), winner.ID, hash, time.Now().UTC())
	if err != nil {
		t.Fatalf("pre-claim hash: %v", err)
	}

	got, created, err := env.service.Submit(ctx, victim, SubmitRequest{URL: raw})
	if err != nil {
		t.Fatalf("contested submit: %v", err)
	}
	if created || got.ID != winner.ID {
		t.Fatalf("expected resolution to %s, got created=%v id=%s", winner.ID, created, got.ID)
	}
}

// Direct exercise of the path taken after a lost insert race.
func TestResolveAfterConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	victim := env.user(t, "v@example.com")

	winner, _, err := env.service.Submit(ctx, victim, SubmitRequest{URL: "https://example.com/w"})
	if err != nil {
		t.Fatalf("winner submit: %v", err)
	}
	sub := normalize.ProcessSubmission("https://example.com/w", "")

	got, created, err := env.service.resolveAfterConflict(ctx, victim, sub, "late-key")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if created || got.ID != winner.ID {
		t.Fatalf("expected winner %s, got created=%v id=%s", winner.ID, created, got.ID)
	}
	evs, _ := env.events.ListCaseEvents(ctx, winner.ID, 0)
	if len(evs) != 2 || evs[1].Action != store.ActionLinkedSubmission {
		t.Fatalf("expected link event, got %+v", evs)
	}
	bound, _ := env.cases.GetCaseByIdempotencyKey(ctx, "late-key")
	if bound == nil || bound.ID != winner.ID {
		t.Fatalf("key not bound to winner: %+v", bound)
	}

	// No surviving row to resolve to: the conflict propagates.
	ghost := normalize.ProcessSubmission("https://example.com/ghost", "")
	if _, _, err := env.service.resolveAfterConflict(ctx, victim, ghost, ""); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

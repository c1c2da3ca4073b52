// Package dedup decides whether a submission opens a new case or attaches to
// an existing one, under idempotency keys and concurrent duplicates.
package dedup

import (
	"context"
	"errors"
	"strings"
	"time"

	"casetrack/core/normalize"
	"casetrack/core/store"
	"casetrack/core/utils"
	"casetrack/core/workflow"
)

// ErrNoContent is the validation error for a submission carrying neither a
// URL nor a valid file hash.
var ErrNoContent = errors.New("either url or file_hash must be provided")

type SubmitRequest struct {
	URL            string
	FileHash       string
	Description    string
	IdempotencyKey string
}

type Service struct {
	cases    store.CasesStore
	workflow *workflow.Manager
	logger   *utils.Logger
}

func NewService(cases store.CasesStore, wf *workflow.Manager, logger *utils.Logger) *Service {
	return &Service{cases: cases, workflow: wf, logger: logger}
}

// Submit resolves a submission to a case. Precedence is fixed: content
// validation, then idempotency-key replay (first writer wins, new content is
// ignored), then a duplicate match on either hash, then creation. The second
// return value is true only when a new case was created.
func (s *Service) Submit(ctx context.Context, submitter *store.User, req SubmitRequest) (*store.Case, bool, error) {
	sub := normalize.ProcessSubmission(req.URL, req.FileHash)
	if !sub.HasContent {
		return nil, false, ErrNoContent
	}
	key := strings.TrimSpace(req.IdempotencyKey)

	if key != "" {
		existing, err := s.cases.GetCaseByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	existing, err := s.cases.FindCaseByHashes(ctx, sub.URLHash, sub.FileHash)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := s.linkDuplicate(ctx, existing, submitter, key); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	c, err := s.createCase(ctx, submitter, req, sub, key)
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, false, err
	}
	// Lost a race: another submission inserted the same hash or bound the
	// same key between our lookup and the insert. Resolve to the winner.
	s.logger.Infof("dedup: constraint conflict on submit, resolving to existing case")
	return s.resolveAfterConflict(ctx, submitter, sub, key)
}

func (s *Service) createCase(ctx context.Context, submitter *store.User, req SubmitRequest, sub normalize.Submission, key string) (*store.Case, error) {
	now := time.Now().UTC()
	c := &store.Case{
		SubmitterID:   submitter.ID,
		URL:           sub.URL,
		URLNormalized: sub.URLNormalized,
		URLHash:       sub.URLHash,
		FileHash:      sub.FileHash,
		Description:   strings.TrimSpace(req.Description),
		State:         store.StateSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
		DueBy:         s.workflow.DeadlineFor(store.StateSubmitted, now),
	}
	var entries []store.DedupEntry
	if sub.URLHash != "" {
		entries = append(entries, store.DedupEntry{URLHash: sub.URLHash})
	}
	if sub.FileHash != "" {
		entries = append(entries, store.DedupEntry{FileHash: sub.FileHash})
	}
	event := &store.CaseEvent{
		ActorID:   submitter.ID,
		ActorRole: submitter.Role,
		Action:    store.ActionSubmitted,
		Meta: map[string]any{
			"url":                sub.URL,
			"has_url":            sub.URL != "",
			"has_file_hash":      sub.FileHash != "",
			"description_length": len(strings.TrimSpace(req.Description)),
		},
		CreatedAt: now,
	}
	if err := s.cases.CreateCase(ctx, c, entries, event, key); err != nil {
		return nil, err
	}
	s.logger.Infof("dedup: created case %s for submitter %s", c.ID, submitter.ID)
	return c, nil
}

func (s *Service) linkDuplicate(ctx context.Context, existing *store.Case, submitter *store.User, key string) error {
	event := &store.CaseEvent{
		ActorID:   submitter.ID,
		ActorRole: submitter.Role,
		Action:    store.ActionLinkedSubmission,
		Meta: map[string]any{
			"reason":    "duplicate_detected",
			"linked_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	return s.cases.LinkSubmission(ctx, existing.ID, event, key)
}

// resolveAfterConflict re-runs the lookup path after a unique-constraint loss
// and links the submission to whichever case won.
func (s *Service) resolveAfterConflict(ctx context.Context, submitter *store.User, sub normalize.Submission, key string) (*store.Case, bool, error) {
	if key != "" {
		existing, err := s.cases.GetCaseByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	existing, err := s.cases.FindCaseByHashes(ctx, sub.URLHash, sub.FileHash)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// Should not happen: the conflicting row vanished between the
		// failed insert and this lookup.
		return nil, false, store.ErrConflict
	}
	if err := s.linkDuplicate(ctx, existing, submitter, key); err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

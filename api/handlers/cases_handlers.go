package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"casetrack/config"
	"casetrack/core/auth"
	"casetrack/core/dedup"
	"casetrack/core/store"
	"casetrack/core/utils"
	"casetrack/core/workflow"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type CasesHandler struct {
	cfg      *config.AppConfig
	cases    store.CasesStore
	events   store.EventsStore
	dedup    *dedup.Service
	workflow *workflow.Manager
	rates    store.RateLimitStore
	logger   *utils.Logger
}

func NewCasesHandler(cfg *config.AppConfig, cases store.CasesStore, events store.EventsStore, dd *dedup.Service, wf *workflow.Manager, rates store.RateLimitStore, logger *utils.Logger) *CasesHandler {
	return &CasesHandler{cfg: cfg, cases: cases, events: events, dedup: dd, workflow: wf, rates: rates, logger: logger}
}

type submitRequest struct {
	URL         string `json:"url"`
	FileHash    string `json:"file_hash"`
	Description string `json:"description"`
}

// Submit resolves a report to a case: 201 when a new case opened, 200 when
// the submission deduplicated onto an existing one. The Idempotency-Key
// header makes retries safe.
func (h *CasesHandler) Submit(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if h.cfg.RateLimitMax > 0 {
		allowed, err := h.rates.Allow(r.Context(), p.User.ID, h.cfg.RateLimitMax, h.cfg.EffectiveRateLimitWindow(), time.Now())
		if err != nil {
			h.logger.Errorf("cases: rate limit check for %s: %v", p.User.ID, err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
			return
		}
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c, created, err := h.dedup.Submit(r.Context(), p.User, dedup.SubmitRequest{
		URL:            req.URL,
		FileHash:       req.FileHash,
		Description:    req.Description,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.logger.Errorf("cases: submit by %s: %v", p.User.ID, err)
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"case": c, "created": created})
}

func (h *CasesHandler) Get(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	c := h.loadVisibleCase(w, r, p)
	if c == nil {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// List pages through cases newest first. Victims only ever see their own
// submissions; officers and admins see everything.
func (h *CasesHandler) List(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	filter := store.CaseFilter{Limit: defaultPageSize}
	if p.User.Role == store.RoleVictim {
		filter.SubmitterID = p.User.ID
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, ok := store.ParseCaseState(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown state "+raw)
			return
		}
		filter.State = state
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		filter.Limit = n
	}
	if raw := r.URL.Query().Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		filter.Offset = (page - 1) * filter.Limit
	}
	cases, err := h.cases.ListCases(r.Context(), filter)
	if err != nil {
		h.logger.Errorf("cases: list: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if cases == nil {
		cases = []store.Case{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases, "count": len(cases)})
}

func (h *CasesHandler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	c := h.loadVisibleCase(w, r, p)
	if c == nil {
		return
	}
	options := h.workflow.AvailableTransitions(c, p.User)
	if options == nil {
		options = []workflow.TransitionOption{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case_id":     c.ID,
		"state":       c.State,
		"transitions": options,
	})
}

type transitionRequest struct {
	ToState string `json:"to_state"`
	Notes   string `json:"notes"`
}

func (h *CasesHandler) Transition(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	c := h.loadVisibleCase(w, r, p)
	if c == nil {
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	to, ok := store.ParseCaseState(req.ToState)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown state "+req.ToState)
		return
	}
	if err := h.workflow.Transition(r.Context(), c, to, p.User, strings.TrimSpace(req.Notes)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *CasesHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	c := h.loadVisibleCase(w, r, p)
	if c == nil {
		return
	}
	events, err := h.events.ListCaseEvents(r.Context(), c.ID, 0)
	if err != nil {
		h.logger.Errorf("cases: list events for %s: %v", c.ID, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []store.CaseEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": c.ID, "events": events})
}

// loadVisibleCase fetches the routed case and applies the visibility rule:
// victims may only touch cases they submitted. It writes the error response
// itself and returns nil when the caller should stop. Hidden cases 404 rather
// than 403 so victims cannot probe for case ids.
func (h *CasesHandler) loadVisibleCase(w http.ResponseWriter, r *http.Request, p *auth.Principal) *store.Case {
	id := chi.URLParam(r, "caseID")
	c, err := h.cases.GetCase(r.Context(), id)
	if err != nil {
		h.logger.Errorf("cases: get %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "case not found")
		return nil
	}
	if p.User.Role == store.RoleVictim && c.SubmitterID != p.User.ID {
		writeError(w, http.StatusNotFound, "case not found")
		return nil
	}
	return c
}

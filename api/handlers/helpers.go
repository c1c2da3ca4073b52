package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"casetrack/core/auth"
	"casetrack/core/dedup"
	"casetrack/core/store"
	"casetrack/core/workflow"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps core errors to HTTP statuses: validation 400, denied
// transitions 403, lost races and duplicate resources 409.
func writeDomainError(w http.ResponseWriter, err error) {
	var terr *workflow.TransitionError
	switch {
	case errors.Is(err, dedup.ErrNoContent), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &terr):
		writeError(w, http.StatusForbidden, terr.Reason)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict with a concurrent change, retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// principal returns the authenticated caller placed on the context by the
// session middleware. Routes behind the middleware always have one; a nil
// result means a wiring bug, answered with 401 by the caller.
func principal(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(auth.PrincipalContextKey).(*auth.Principal)
	return p
}

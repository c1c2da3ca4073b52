package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"casetrack/core/auth"
	"casetrack/core/store"
)

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if s.logger != nil {
					s.logger.Errorf("PANIC %s %s: %v\n%s", r.Method, r.URL.Path, rec, string(debug.Stack()))
				}
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// sessionMiddleware resolves the Bearer token to a live session and its user
// and stores the principal on the request context. Missing, unknown and
// expired tokens all answer 401 identically.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			unauthorized(w)
			return
		}
		sess, err := s.sessions.GetSession(r.Context(), token)
		if err != nil {
			s.logger.Errorf("api: session lookup: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if sess == nil || time.Now().UTC().After(sess.ExpiresAt) {
			unauthorized(w)
			return
		}
		user, err := s.users.GetUser(r.Context(), sess.UserID)
		if err != nil {
			s.logger.Errorf("api: session user lookup: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if user == nil {
			unauthorized(w)
			return
		}
		ctx := context.WithValue(r.Context(), auth.PrincipalContextKey, &auth.Principal{User: user, Session: sess})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole gates a route group behind a minimum role. Fine-grained checks
// (assignment locks, per-transition roles) stay in the workflow manager; this
// only keeps victims off staff surfaces.
func (s *Server) requireRole(min store.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := r.Context().Value(auth.PrincipalContextKey).(*auth.Principal)
			if p == nil {
				unauthorized(w)
				return
			}
			if roleRank(p.User.Role) < roleRank(min) {
				writeJSONError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func roleRank(r store.Role) int {
	switch r {
	case store.RoleVictim:
		return 0
	case store.RoleOfficer:
		return 1
	case store.RoleAdmin:
		return 2
	}
	return -1
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func unauthorized(w http.ResponseWriter) {
	writeJSONError(w, http.StatusUnauthorized, "authentication required")
}

// writeJSONError keeps middleware failures on the same {"error": ...}
// envelope the handlers use, so clients never see a text/plain body.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

package handlers

import (
	"encoding/json"
	"net/http"
	"net/mail"
	"strings"

	"casetrack/config"
	"casetrack/core/auth"
	"casetrack/core/store"
	"casetrack/core/utils"
)

type AuthHandler struct {
	cfg      *config.AppConfig
	users    store.UsersStore
	sessions store.SessionsStore
	logger   *utils.Logger
}

func NewAuthHandler(cfg *config.AppConfig, users store.UsersStore, sessions store.SessionsStore, logger *utils.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, users: users, sessions: sessions, logger: logger}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a victim account. Officer and admin accounts are
// provisioned through the admin CLI, never through the public API.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var cred credentials
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(cred.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	hash, err := auth.HashPassword(cred.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	u := &store.User{Email: email, PasswordHash: hash, Role: store.RoleVictim}
	if err := h.users.CreateUser(r.Context(), u); err != nil {
		if err == store.ErrConflict {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		h.logger.Errorf("auth: register %s: %v", email, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.logger.Infof("auth: registered user %s", u.ID)
	writeJSON(w, http.StatusCreated, u)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var cred credentials
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u, err := h.users.GetUserByEmail(r.Context(), cred.Email)
	if err != nil {
		h.logger.Errorf("auth: login lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if u == nil || !auth.VerifyPassword(u.PasswordHash, cred.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	sess, err := h.sessions.CreateSession(r.Context(), u.ID, h.cfg.EffectiveSessionTTL())
	if err != nil {
		h.logger.Errorf("auth: create session for %s: %v", u.ID, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      sess.ID,
		"expires_at": sess.ExpiresAt,
		"user":       u,
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := h.sessions.DeleteSession(r.Context(), p.Session.ID); err != nil {
		h.logger.Errorf("auth: delete session: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, p.User)
}

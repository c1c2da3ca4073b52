// Package auth holds password hashing and the request principal shared by the
// API middleware and handlers.
package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"casetrack/core/store"
)

type contextKey string

// PrincipalContextKey carries the authenticated *Principal on request
// contexts.
const PrincipalContextKey contextKey = "casetrack.principal"

// Principal is the authenticated caller of a request.
type Principal struct {
	User    *store.User
	Session *store.Session
}

var ErrWeakPassword = errors.New("password must be at least 8 characters")

const minPasswordLen = 8

func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

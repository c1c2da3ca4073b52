package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

type Role string

const (
	RoleVictim  Role = "victim"
	RoleOfficer Role = "officer"
	RoleAdmin   Role = "admin"
)

func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleVictim:
		return RoleVictim, true
	case RoleOfficer:
		return RoleOfficer, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return "", false
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

type UsersStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsersByRole(ctx context.Context, role Role) ([]User, error)
}

type usersStore struct {
	db *DB
}

func NewUsersStore(db *DB) UsersStore {
	return &usersStore{db: db}
}

func (s *usersStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.Must(uuid.NewV4()).String()
	}
	if u.Role == "" {
		u.Role = RoleVictim
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(id, email, password_hash, role, created_at)
		VALUES(?,?,?,?,?)`,
		u.ID, u.Email, u.PasswordHash, string(u.Role), now)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *usersStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, created_at FROM users WHERE id=?`, id)
	return scanUser(row)
}

func (s *usersStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, created_at FROM users WHERE email=?`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

// ListUsersByRole returns users in creation order. The assignment sweep relies
// on this ordering being stable across runs.
func (s *usersStore) ListUsersByRole(ctx context.Context, role Role) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, password_hash, role, created_at FROM users
		WHERE role=? ORDER BY created_at ASC, id ASC`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []User
	for rows.Next() {
		var u User
		var role string
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Role = Role(role)
		res = append(res, u)
	}
	return res, rows.Err()
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dpmtasks/taskauth/internal/model"
)

const userColumns = `id, name, email, password_hash, totp_secret, access_level, is_active, created_at, updated_at`

// CreateUser inserts a new user. The ID, CreatedAt, and UpdatedAt fields on
// u are populated after a successful insert. Returns ErrDuplicate if the
// email is already taken, whether or not that account is active.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	const q = `INSERT INTO users
		(name, email, password_hash, totp_secret, access_level, is_active, created_at, updated_at)
		VALUES
		(:name, :email, :password_hash, :totp_secret, :access_level, :is_active, :created_at, :updated_at)`

	id, err := s.insert(ctx, q, u)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert user %q: %w", u.Email, ErrDuplicate)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	u.ID = id
	return nil
}

// GetUser returns the user with the given ID regardless of its active state.
func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	q := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	if err := s.db.GetContext(ctx, &u, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetUserByEmail returns the user with the exact email, active or not.
// Matching is case-sensitive.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	q := s.rebind("SELECT " + userColumns + " FROM users WHERE email = ?")
	if err := s.db.GetContext(ctx, &u, q, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// ListUsers returns all users, newest first.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	q := "SELECT " + userColumns + " FROM users ORDER BY created_at DESC, id DESC"
	if err := s.db.SelectContext(ctx, &users, q); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// UpdateUser writes the name, access level, and active flag of u.
func (s *Store) UpdateUser(ctx context.Context, u *model.User) error {
	u.UpdatedAt = time.Now().UTC()

	q := s.rebind(`UPDATE users
		SET name = ?, access_level = ?, is_active = ?, updated_at = ?
		WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, q, u.Name, u.AccessLevel, u.IsActive, u.UpdatedAt, u.ID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return expectRow(result, "update user")
}

// SetUserAccessLevel changes the access level of a single user.
func (s *Store) SetUserAccessLevel(ctx context.Context, id int64, level string) error {
	q := s.rebind("UPDATE users SET access_level = ?, updated_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, level, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set user access level: %w", err)
	}
	return expectRow(result, "set user access level")
}

// SetUserTOTPSecret stores a new second-factor secret for the user.
func (s *Store) SetUserTOTPSecret(ctx context.Context, id int64, secret string) error {
	q := s.rebind("UPDATE users SET totp_secret = ?, updated_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, secret, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set user totp secret: %w", err)
	}
	return expectRow(result, "set user totp secret")
}

// DeactivateUser soft-deletes a user. The row is kept so its email stays
// reserved.
func (s *Store) DeactivateUser(ctx context.Context, id int64) error {
	q := s.rebind("UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, false, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	return expectRow(result, "deactivate user")
}

// HasActiveUserWithLevel reports whether at least one active user holds the
// given access level.
func (s *Store) HasActiveUserWithLevel(ctx context.Context, level string) (bool, error) {
	var count int
	q := s.rebind("SELECT COUNT(*) FROM users WHERE access_level = ? AND is_active = ?")
	if err := s.db.GetContext(ctx, &count, q, level, true); err != nil {
		return false, fmt.Errorf("count users by level: %w", err)
	}
	return count > 0, nil
}

// expectRow returns ErrNotFound when an UPDATE matched no rows.
func expectRow(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dpmtasks/taskauth/internal/model"
)

const sessionColumns = `id, user_id, token, expires_at, is_active, created_at`

// CreateSession records a newly issued token. Returns ErrDuplicate if the
// token is already registered.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	sess.CreatedAt = time.Now().UTC()
	sess.ExpiresAt = sess.ExpiresAt.UTC()

	const q = `INSERT INTO sessions
		(user_id, token, expires_at, is_active, created_at)
		VALUES
		(:user_id, :token, :expires_at, :is_active, :created_at)`

	id, err := s.insert(ctx, q, sess)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert session: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	sess.ID = id
	return nil
}

// GetSessionByToken returns the session row for token, including revoked and
// expired rows. Callers decide validity.
func (s *Store) GetSessionByToken(ctx context.Context, token string) (*model.Session, error) {
	var sess model.Session
	q := s.rebind("SELECT " + sessionColumns + " FROM sessions WHERE token = ?")
	if err := s.db.GetContext(ctx, &sess, q, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session by token: %w", err)
	}
	return &sess, nil
}

// ListUserSessions returns every session ever issued to a user, newest first.
func (s *Store) ListUserSessions(ctx context.Context, userID int64) ([]model.Session, error) {
	var sessions []model.Session
	q := s.rebind("SELECT " + sessionColumns + " FROM sessions WHERE user_id = ? ORDER BY created_at DESC, id DESC")
	if err := s.db.SelectContext(ctx, &sessions, q, userID); err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	return sessions, nil
}

// DeactivateSession marks the session for token inactive. It reports whether
// an active session was found; unknown and already revoked tokens are not an
// error.
func (s *Store) DeactivateSession(ctx context.Context, token string) (bool, error) {
	q := s.rebind("UPDATE sessions SET is_active = ? WHERE token = ? AND is_active = ?")
	result, err := s.db.ExecContext(ctx, q, false, token, true)
	if err != nil {
		return false, fmt.Errorf("deactivate session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate session rows affected: %w", err)
	}
	return n > 0, nil
}

// DeactivateUserSessions revokes every active session of a user and returns
// how many were revoked.
func (s *Store) DeactivateUserSessions(ctx context.Context, userID int64) (int64, error) {
	q := s.rebind("UPDATE sessions SET is_active = ? WHERE user_id = ? AND is_active = ?")
	result, err := s.db.ExecContext(ctx, q, false, userID, true)
	if err != nil {
		return 0, fmt.Errorf("deactivate user sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deactivate user sessions rows affected: %w", err)
	}
	return n, nil
}

package model

import "time"

// Session binds an issued bearer token to a user until it expires or is
// revoked. Rows are never deleted; revocation only clears IsActive.
type Session struct {
	ID        int64     `json:"id" db:"id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Token     string    `json:"-" db:"token"` // bearer credential, never expose
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Valid reports whether the session can still authenticate at the given time.
func (s *Session) Valid(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

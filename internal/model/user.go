package model

import "time"

// User is an account that can log in and hold sessions. Passwords are stored
// as bcrypt hashes; the TOTP secret is nil until provisioned.
type User struct {
	ID           int64     `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"` // bcrypt hash, never expose
	TOTPSecret   *string   `json:"-" db:"totp_secret"`
	AccessLevel  string    `json:"access_level" db:"access_level"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// HasSecondFactor reports whether a TOTP secret has been provisioned.
func (u *User) HasSecondFactor() bool {
	return u.TOTPSecret != nil && *u.TOTPSecret != ""
}

// UserUpdate carries the mutable fields of a user. Nil fields are left as is.
type UserUpdate struct {
	Name        *string `json:"name,omitempty"`
	AccessLevel *string `json:"access_level,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dpmtasks/taskauth/internal/model"
	"github.com/dpmtasks/taskauth/internal/store"
)

// DefaultSessionTTL is how long an issued token stays valid.
const DefaultSessionTTL = 7 * 24 * time.Hour

const tokenIssuer = "taskauth"

// SessionStore is the persistence AuthService needs.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *model.Session) error
	GetSessionByToken(ctx context.Context, token string) (*model.Session, error)
	DeactivateSession(ctx context.Context, token string) (bool, error)
	DeactivateUserSessions(ctx context.Context, userID int64) (int64, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
}

// AuthService issues, resolves, and revokes bearer-token sessions. A token
// is only accepted when both its signature and its registry row say so.
type AuthService struct {
	store     SessionStore
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewAuthService returns an AuthService signing with jwtSecret. A zero ttl
// selects DefaultSessionTTL.
func NewAuthService(store SessionStore, jwtSecret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &AuthService{
		store:     store,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

// TTL returns the session lifetime.
func (s *AuthService) TTL() time.Duration {
	return s.ttl
}

// Issue creates a signed token for an active user and records a new session
// row for it. Every call creates a distinct session.
func (s *AuthService) Issue(ctx context.Context, u *model.User) (string, time.Time, error) {
	if u == nil || !u.IsActive {
		return "", time.Time{}, fmt.Errorf("issue session: %w", ErrUnauthenticated)
	}

	now := s.now()
	expiresAt := jwt.NewNumericDate(now.Add(s.ttl))
	jti, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate token id: %w", err)
	}

	claims := sessionClaims{
		UserID: u.ID,
		Email:  u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: expiresAt,
			Issuer:    tokenIssuer,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	sess := &model.Session{
		UserID:    u.ID,
		Token:     token,
		ExpiresAt: expiresAt.Time,
		IsActive:  true,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return "", time.Time{}, fmt.Errorf("record session: %w", err)
	}
	return token, expiresAt.Time, nil
}

// Resolve returns the active user behind token. Malformed, badly signed,
// expired, revoked, and unknown tokens, as well as tokens of inactive users,
// all yield ErrUnauthenticated. Other errors come from storage.
func (s *AuthService) Resolve(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthenticated
	}

	sess, err := s.store.GetSessionByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	if !sess.Valid(s.now()) || sess.UserID != claims.UserID {
		return nil, ErrUnauthenticated
	}

	u, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("resolve session user: %w", err)
	}
	if !u.IsActive {
		return nil, ErrUnauthenticated
	}
	return u, nil
}

// Revoke deactivates the session for token. Unknown and already revoked
// tokens are a no-op.
func (s *AuthService) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.store.DeactivateSession(ctx, token); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAll deactivates every active session of a user and returns how many
// were revoked.
func (s *AuthService) RevokeAll(ctx context.Context, userID int64) (int64, error) {
	n, err := s.store.DeactivateUserSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	return n, nil
}

type sessionClaims struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

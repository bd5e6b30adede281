package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/dpmtasks/taskauth/internal/authz"
	"github.com/dpmtasks/taskauth/internal/model"
	"github.com/dpmtasks/taskauth/internal/store"
)

// Password length limits. bcrypt only reads the first 72 bytes.
const (
	MinPasswordLength = 6
	MaxPasswordLength = 72
)

// UserStore is the persistence CredentialService needs.
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	UpdateUser(ctx context.Context, u *model.User) error
	SetUserAccessLevel(ctx context.Context, id int64, level string) error
	SetUserTOTPSecret(ctx context.Context, id int64, secret string) error
	DeactivateUser(ctx context.Context, id int64) error
}

// CredentialService owns user identities and password checks.
type CredentialService struct {
	users UserStore
	totp  *TOTPService
	cost  int

	dummyOnce sync.Once
	dummyHash []byte
}

// NewCredentialService returns a CredentialService hashing with bcryptCost.
// A cost of zero selects bcrypt.DefaultCost.
func NewCredentialService(users UserStore, totp *TOTPService, bcryptCost int) *CredentialService {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &CredentialService{users: users, totp: totp, cost: bcryptCost}
}

type createOptions struct {
	level authz.Level
}

// CreateOption customizes Create.
type CreateOption func(*createOptions)

// WithAccessLevel creates the user with level instead of viewer.
func WithAccessLevel(level authz.Level) CreateOption {
	return func(o *createOptions) { o.level = level }
}

// Create registers a new active user. The password is stored as a bcrypt
// hash and a second-factor secret is generated immediately. Returns
// ErrDuplicateIdentity if the email is taken by any user, active or not.
func (s *CredentialService) Create(ctx context.Context, name, email, password string, opts ...CreateOption) (*model.User, error) {
	o := createOptions{level: authz.Viewer}
	for _, opt := range opts {
		opt(&o)
	}

	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if _, err := authz.ParseLevel(string(o.level)); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	secret, err := s.totp.GenerateSecret(email)
	if err != nil {
		return nil, err
	}

	u := &model.User{
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		TOTPSecret:   &secret,
		AccessLevel:  string(o.level),
		IsActive:     true,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentity, email)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// FindByEmail returns the active user with exactly this email. Unknown and
// inactive users both yield ErrNotFound.
func (s *CredentialService) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrNotFound
	}
	return u, nil
}

// VerifyPassword compares candidate against the user's bcrypt hash in
// constant time.
func (s *CredentialService) VerifyPassword(u *model.User, candidate string) bool {
	if u == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(candidate)) == nil
}

// Authenticate resolves a login attempt. An unknown email, an inactive
// account and a wrong password all yield ErrInvalidCredentials. A bcrypt
// comparison runs even when no user matches so response time does not
// reveal which emails exist.
func (s *CredentialService) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if !s.VerifyPassword(u, password) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (s *CredentialService) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("taskauth-timing-equalizer"), s.cost)
	})
	return s.dummyHash
}

// Get returns a user by ID, active or not.
func (s *CredentialService) Get(ctx context.Context, id int64) (*model.User, error) {
	return s.users.GetUser(ctx, id)
}

// List returns every user, newest first.
func (s *CredentialService) List(ctx context.Context) ([]model.User, error) {
	return s.users.ListUsers(ctx)
}

// Update applies the non-nil fields of upd. An unknown access level fails
// with authz.ErrUnknownAccessLevel before anything is written.
func (s *CredentialService) Update(ctx context.Context, id int64, upd model.UserUpdate) (*model.User, error) {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrValidation)
		}
		u.Name = name
	}
	if upd.AccessLevel != nil {
		level, err := authz.ParseLevel(*upd.AccessLevel)
		if err != nil {
			return nil, err
		}
		u.AccessLevel = string(level)
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	if err := s.users.UpdateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// SetAccessLevel changes a user's level. Sessions already issued pick up the
// new level on their next request.
func (s *CredentialService) SetAccessLevel(ctx context.Context, id int64, level string) (*model.User, error) {
	l, err := authz.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if err := s.users.SetUserAccessLevel(ctx, id, string(l)); err != nil {
		return nil, err
	}
	return s.users.GetUser(ctx, id)
}

// Deactivate soft-deletes a user. The email stays reserved.
func (s *CredentialService) Deactivate(ctx context.Context, id int64) error {
	return s.users.DeactivateUser(ctx, id)
}

// EnsureSecondFactor provisions a secret for a user that has none and
// returns the up-to-date user. Users that already have one are returned
// unchanged.
func (s *CredentialService) EnsureSecondFactor(ctx context.Context, u *model.User) (*model.User, error) {
	if u.HasSecondFactor() {
		return u, nil
	}
	secret, err := s.totp.GenerateSecret(u.Email)
	if err != nil {
		return nil, err
	}
	if err := s.users.SetUserTOTPSecret(ctx, u.ID, secret); err != nil {
		return nil, fmt.Errorf("store totp secret: %w", err)
	}
	u.TOTPSecret = &secret
	return u, nil
}

// ValidateEmail performs the minimal shape check used at registration.
func ValidateEmail(email string) error {
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return fmt.Errorf("%w: invalid email address %q", ErrValidation, email)
	}
	return nil
}

// ValidatePassword enforces the password length limits.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrValidation, MaxPasswordLength)
	}
	return nil
}

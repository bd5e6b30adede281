package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/dpmtasks/taskauth/internal/model"
	"github.com/dpmtasks/taskauth/internal/store"
)

const testJWTSecret = "test-secret-key-for-jwt"

type testEnv struct {
	store *store.Store
	creds *CredentialService
	auth  *AuthService
	totp  *TOTPService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	totp := NewTOTPService("")
	return &testEnv{
		store: st,
		creds: NewCredentialService(st, totp, bcrypt.MinCost),
		auth:  NewAuthService(st, testJWTSecret, 0),
		totp:  totp,
	}
}

func (e *testEnv) createUser(t *testing.T, email string) *model.User {
	t.Helper()
	u, err := e.creds.Create(context.Background(), "Test User", email, "pw123456")
	if err != nil {
		t.Fatalf("Create(%s): %v", email, err)
	}
	return u
}

// signToken builds a token outside of Issue so tests can control its claims.
func signToken(t *testing.T, secret string, userID int64, exp time.Time) string {
	t.Helper()
	claims := sessionClaims{
		UserID: userID,
		Email:  "forged@x.com",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    tokenIssuer,
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return tok
}

func TestIssueResolveRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "ana@x.com")

	token, expiresAt, err := env.auth.Issue(ctx, u)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	wantExp := time.Now().Add(DefaultSessionTTL)
	if d := wantExp.Sub(expiresAt); d > 5*time.Second || d < -5*time.Second {
		t.Errorf("expiresAt = %v, want about %v", expiresAt, wantExp)
	}

	got, err := env.auth.Resolve(ctx, token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("ID: got %d, want %d", got.ID, u.ID)
	}
	if got.Email != "ana@x.com" {
		t.Errorf("Email: got %q, want %q", got.Email, "ana@x.com")
	}
}

func TestIssueCreatesDistinctSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "multi@x.com")

	t1, _, err := env.auth.Issue(ctx, u)
	if err != nil {
		t.Fatalf("Issue 1: %v", err)
	}
	t2, _, err := env.auth.Issue(ctx, u)
	if err != nil {
		t.Fatalf("Issue 2: %v", err)
	}
	if t1 == t2 {
		t.Fatal("expected distinct tokens for consecutive logins")
	}

	sessions, err := env.store.ListUserSessions(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListUserSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("got %d sessions, want 2", len(sessions))
	}

	// Revoking one leaves the other usable.
	if err := env.auth.Revoke(ctx, t1); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := env.auth.Resolve(ctx, t2); err != nil {
		t.Errorf("Resolve(t2) after revoking t1: %v", err)
	}
}

func TestIssueRejectsInactiveUser(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "gone@x.com")
	u.IsActive = false

	if _, _, err := env.auth.Issue(context.Background(), u); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRevokeIsImmediateAndIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "bye@x.com")

	token, _, err := env.auth.Issue(ctx, u)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := env.auth.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := env.auth.Resolve(ctx, token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Resolve after revoke: expected ErrUnauthenticated, got %v", err)
	}
	if err := env.auth.Revoke(ctx, token); err != nil {
		t.Errorf("second Revoke: %v", err)
	}
	if err := env.auth.Revoke(ctx, "never-issued"); err != nil {
		t.Errorf("Revoke unknown token: %v", err)
	}
	if err := env.auth.Revoke(ctx, ""); err != nil {
		t.Errorf("Revoke empty token: %v", err)
	}

	// Logout keeps the row.
	sess, err := env.store.GetSessionByToken(ctx, token)
	if err != nil {
		t.Fatalf("GetSessionByToken: %v", err)
	}
	if sess.IsActive {
		t.Error("expected session row to be inactive")
	}
}

func TestResolveRejectsExpiredSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "late@x.com")

	token := signToken(t, testJWTSecret, u.ID, time.Now().Add(-time.Minute))

	// Even with a registry row that still looks valid, the signature layer
	// rejects the token.
	sess := &model.Session{UserID: u.ID, Token: token, ExpiresAt: time.Now().Add(time.Hour), IsActive: true}
	if err := env.store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := env.auth.Resolve(ctx, token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestResolveRejectsExpiredRegistryRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "row@x.com")

	token := signToken(t, testJWTSecret, u.ID, time.Now().Add(time.Hour))
	sess := &model.Session{UserID: u.ID, Token: token, ExpiresAt: time.Now().Add(-time.Minute), IsActive: true}
	if err := env.store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := env.auth.Resolve(ctx, token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestResolveRejectsNeverIssuedToken(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "stolen@x.com")

	// Correctly signed, unexpired, but absent from the registry.
	token := signToken(t, testJWTSecret, u.ID, time.Now().Add(time.Hour))
	if _, err := env.auth.Resolve(context.Background(), token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestResolveRejectsUserMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createUser(t, "a@x.com")
	b := env.createUser(t, "b@x.com")

	token := signToken(t, testJWTSecret, a.ID, time.Now().Add(time.Hour))
	sess := &model.Session{UserID: b.ID, Token: token, ExpiresAt: time.Now().Add(time.Hour), IsActive: true}
	if err := env.store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := env.auth.Resolve(ctx, token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestResolveRejectsInactiveUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "soft@x.com")

	token, _, err := env.auth.Issue(ctx, u)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := env.creds.Deactivate(ctx, u.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, err := env.auth.Resolve(ctx, token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestResolveFailsClosedOnGarbage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "garbage@x.com")

	wrongKey := signToken(t, "some-other-secret", u.ID, time.Now().Add(time.Hour))
	none := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0." +
		"eyJ1c2VyX2lkIjoxLCJleHAiOjQxMDI0NDQ4MDB9."

	tokens := []string{
		"",
		"garbage.token.here",
		"not-a-jwt",
		"...",
		strings.Repeat("a", 4096),
		wrongKey,
		none,
	}
	for _, tok := range tokens {
		if _, err := env.auth.Resolve(ctx, tok); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("Resolve(%.20q): expected ErrUnauthenticated, got %v", tok, err)
		}
	}
}

func TestResolveHonoursClock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "clock@x.com")

	start := time.Now()
	env.auth.now = func() time.Time { return start }
	token, _, err := env.auth.Issue(ctx, u)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	env.auth.now = func() time.Time { return start.Add(DefaultSessionTTL - time.Minute) }
	if _, err := env.auth.Resolve(ctx, token); err != nil {
		t.Fatalf("Resolve just before expiry: %v", err)
	}

	env.auth.now = func() time.Time { return start.Add(DefaultSessionTTL + time.Minute) }
	if _, err := env.auth.Resolve(ctx, token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Resolve after expiry: expected ErrUnauthenticated, got %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "all@x.com")

	var tokens []string
	for i := 0; i < 3; i++ {
		tok, _, err := env.auth.Issue(ctx, u)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		tokens = append(tokens, tok)
	}

	n, err := env.auth.RevokeAll(ctx, u.ID)
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if n != 3 {
		t.Errorf("got %d revoked, want 3", n)
	}
	for _, tok := range tokens {
		if _, err := env.auth.Resolve(ctx, tok); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("expected revoked token to fail, got %v", err)
		}
	}
}

func TestNewAuthServiceDefaultTTL(t *testing.T) {
	a := NewAuthService(nil, "s", 0)
	if a.TTL() != DefaultSessionTTL {
		t.Errorf("TTL: got %v, want %v", a.TTL(), DefaultSessionTTL)
	}
	b := NewAuthService(nil, "s", time.Hour)
	if b.TTL() != time.Hour {
		t.Errorf("TTL: got %v, want %v", b.TTL(), time.Hour)
	}
}

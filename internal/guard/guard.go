// Package guard runs protected operations behind an authentication check
// and zero or more authorization requirements.
package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/dpmtasks/taskauth/internal/authz"
	"github.com/dpmtasks/taskauth/internal/model"
	"github.com/dpmtasks/taskauth/internal/service"
)

var (
	// ErrForbidden matches every *ForbiddenError.
	ErrForbidden = errors.New("forbidden")
	// ErrSecondFactorRequired is returned when a guard demands a one-time
	// code and none, or a wrong one, was supplied.
	ErrSecondFactorRequired = errors.New("second factor required")
)

// ForbiddenError names the requirement the principal failed.
type ForbiddenError struct {
	Missing string
}

func (e *ForbiddenError) Error() string {
	return "forbidden: requires " + e.Missing
}

// Is makes errors.Is(err, ErrForbidden) hold.
func (e *ForbiddenError) Is(target error) bool {
	return target == ErrForbidden
}

// Resolver turns a bearer token into an active user.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*model.User, error)
}

// CodeVerifier checks a one-time code for a user.
type CodeVerifier interface {
	VerifyCode(u *model.User, code string) bool
}

// Credentials are what a caller presents with a request.
type Credentials struct {
	Token            string
	SecondFactorCode string
}

// Principal is the authenticated caller for one request.
type Principal struct {
	User    *model.User
	Token   string
	Checker *authz.Checker
}

// Requirement is one authorization gate.
type Requirement interface {
	// Satisfied reports whether the checker passes the gate.
	Satisfied(c *authz.Checker) bool
	// String names the gate in denials.
	String() string
}

type actionRequirement authz.Action

// Action requires the principal's level to grant a.
func Action(a authz.Action) Requirement { return actionRequirement(a) }

func (r actionRequirement) Satisfied(c *authz.Checker) bool { return c.CanPerform(authz.Action(r)) }
func (r actionRequirement) String() string                  { return "action " + string(r) }

type minimumLevel authz.Level

// MinimumLevel requires the principal's level to rank at least l.
func MinimumLevel(l authz.Level) Requirement { return minimumLevel(l) }

func (r minimumLevel) Satisfied(c *authz.Checker) bool { return c.MeetsMinimum(authz.Level(r)) }
func (r minimumLevel) String() string                  { return "level " + string(r) }

// Guard is an immutable description of what a protected operation needs.
// Derive variants with Require and RequireSecondFactor.
type Guard struct {
	sessions     Resolver
	policy       *authz.Policy
	codes        CodeVerifier
	requirements []Requirement
}

// New returns a guard that only requires authentication.
func New(sessions Resolver, policy *authz.Policy) *Guard {
	return &Guard{sessions: sessions, policy: policy}
}

// Require returns a copy of g that also checks reqs, after any existing
// requirements.
func (g *Guard) Require(reqs ...Requirement) *Guard {
	cp := *g
	cp.requirements = append(append([]Requirement(nil), g.requirements...), reqs...)
	return &cp
}

// RequireSecondFactor returns a copy of g that also demands a valid one-time
// code, checked right after authentication.
func (g *Guard) RequireSecondFactor(codes CodeVerifier) *Guard {
	cp := *g
	cp.codes = codes
	return &cp
}

// Requirements lists the authorization gates in evaluation order.
func (g *Guard) Requirements() []Requirement {
	return append([]Requirement(nil), g.requirements...)
}

// Authorize evaluates the guard without running anything. Checks run in a
// fixed order and stop at the first failure: authentication
// (service.ErrUnauthenticated), access level validity
// (authz.ErrUnknownAccessLevel), second factor (ErrSecondFactorRequired),
// then each requirement (*ForbiddenError).
func (g *Guard) Authorize(ctx context.Context, creds Credentials) (*Principal, error) {
	u, err := g.sessions.Resolve(ctx, creds.Token)
	if err != nil {
		if errors.Is(err, service.ErrUnauthenticated) {
			return nil, service.ErrUnauthenticated
		}
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	checker, err := g.policy.Checker(u.AccessLevel)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", u.ID, err)
	}

	if g.codes != nil {
		if creds.SecondFactorCode == "" || !g.codes.VerifyCode(u, creds.SecondFactorCode) {
			return nil, ErrSecondFactorRequired
		}
	}

	for _, req := range g.requirements {
		if !req.Satisfied(checker) {
			return nil, &ForbiddenError{Missing: req.String()}
		}
	}

	return &Principal{User: u, Token: creds.Token, Checker: checker}, nil
}

// Run calls op exactly once with the principal if every check passes. When a
// check fails op is never called and the failure is returned.
func (g *Guard) Run(ctx context.Context, creds Credentials, op func(ctx context.Context, p *Principal) error) error {
	p, err := g.Authorize(ctx, creds)
	if err != nil {
		return err
	}
	return op(WithPrincipal(ctx, p), p)
}

type contextKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	if p, ok := ctx.Value(contextKey{}).(*Principal); ok {
		return p
	}
	return nil
}

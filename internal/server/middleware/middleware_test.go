package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/dpmtasks/taskauth/internal/authz"
	"github.com/dpmtasks/taskauth/internal/guard"
	"github.com/dpmtasks/taskauth/internal/model"
	"github.com/dpmtasks/taskauth/internal/service"
	"github.com/dpmtasks/taskauth/internal/telemetry"
)

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetRequestID(r.Context())
		if id == "" {
			t.Error("expected non-empty request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	respID := rr.Header().Get("X-Request-ID")
	if len(respID) != 36 {
		t.Errorf("expected UUID-length request ID, got %q (len=%d)", respID, len(respID))
	}
}

func TestRequestIDPreservesClientID(t *testing.T) {
	clientID := "my-custom-trace-id-123"

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := GetRequestID(r.Context()); id != clientID {
			t.Errorf("expected context ID %q, got %q", clientID, id)
		}
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", clientID)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if respID := rr.Header().Get("X-Request-ID"); respID != clientID {
		t.Errorf("expected response X-Request-ID %q, got %q", clientID, respID)
	}
}

func TestRequestIDReplacesMalformedClientID(t *testing.T) {
	for _, bad := range []string{"has space", "line\nbreak", strings.Repeat("x", 129)} {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set(RequestIDHeader, bad)
		rr := httptest.NewRecorder()
		RequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rr, req)

		if got := rr.Header().Get(RequestIDHeader); got == bad || len(got) != 36 {
			t.Errorf("client ID %q: expected generated UUID, got %q", bad, got)
		}
	}
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("expected empty string from bare context, got %q", id)
	}
}

// ---------------------------------------------------------------------------
// Guard middleware tests
// ---------------------------------------------------------------------------

type stubResolver struct {
	users map[string]*model.User
	err   error
}

func (s stubResolver) Resolve(_ context.Context, token string) (*model.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	if u, ok := s.users[token]; ok {
		return u, nil
	}
	return nil, service.ErrUnauthenticated
}

type stubCodes struct{ code string }

func (s stubCodes) VerifyCode(_ *model.User, code string) bool { return code == s.code }

func newStubResolver() stubResolver {
	return stubResolver{users: map[string]*model.User{
		"viewer":  {ID: 1, AccessLevel: "viewer", IsActive: true},
		"manager": {ID: 2, AccessLevel: "manager", IsActive: true},
		"broken":  {ID: 3, AccessLevel: "root", IsActive: true},
	}}
}

func serveGuarded(t *testing.T, g *guard.Guard, m *telemetry.Metrics, mutate func(*http.Request)) (*httptest.ResponseRecorder, int) {
	t.Helper()
	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if GetPrincipal(r.Context()) == nil {
			t.Error("expected principal in context")
		}
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/guarded", nil)
	if mutate != nil {
		mutate(req)
	}
	rr := httptest.NewRecorder()
	Guard(g, m, nil)(inner).ServeHTTP(rr, req)
	return rr, calls
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func TestGuardStatusCodes(t *testing.T) {
	base := guard.New(newStubResolver(), authz.DefaultPolicy())

	tests := []struct {
		name   string
		guard  *guard.Guard
		mutate func(*http.Request)
		status int
		calls  int
	}{
		{"no header", base, nil, http.StatusUnauthorized, 0},
		{"wrong scheme", base, func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, http.StatusUnauthorized, 0},
		{"unknown token", base, bearer("nope"), http.StatusUnauthorized, 0},
		{"authenticated", base, bearer("viewer"), http.StatusOK, 1},
		{"lowercase scheme", base, func(r *http.Request) { r.Header.Set("Authorization", "bearer viewer") }, http.StatusOK, 1},
		{"forbidden level", base.Require(guard.MinimumLevel(authz.Manager)), bearer("viewer"), http.StatusForbidden, 0},
		{"allowed level", base.Require(guard.MinimumLevel(authz.Manager)), bearer("manager"), http.StatusOK, 1},
		{"forbidden action", base.Require(guard.Action(authz.UserDelete)), bearer("manager"), http.StatusForbidden, 0},
		{"unknown stored level", base, bearer("broken"), http.StatusInternalServerError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, calls := serveGuarded(t, tt.guard, nil, tt.mutate)
			if rr.Code != tt.status {
				t.Errorf("status: got %d, want %d (body: %s)", rr.Code, tt.status, rr.Body.String())
			}
			if calls != tt.calls {
				t.Errorf("handler calls: got %d, want %d", calls, tt.calls)
			}
		})
	}
}

func TestGuardForbiddenBodyNamesRequirement(t *testing.T) {
	g := guard.New(newStubResolver(), authz.DefaultPolicy()).Require(guard.Action(authz.UserChangeLevel))
	rr, _ := serveGuarded(t, g, nil, bearer("manager"))

	var resp model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != http.StatusForbidden {
		t.Errorf("code: got %d, want 403", resp.Error.Code)
	}
	if !strings.Contains(resp.Error.Message, "user:change_level") {
		t.Errorf("expected message to name the action, got %q", resp.Error.Message)
	}
}

func TestGuardSecondFactorHeader(t *testing.T) {
	g := guard.New(newStubResolver(), authz.DefaultPolicy()).RequireSecondFactor(stubCodes{code: "123456"})

	rr, calls := serveGuarded(t, g, nil, bearer("viewer"))
	if rr.Code != http.StatusUnauthorized || calls != 0 {
		t.Errorf("missing code: got %d with %d calls", rr.Code, calls)
	}

	rr, calls = serveGuarded(t, g, nil, func(r *http.Request) {
		bearer("viewer")(r)
		r.Header.Set(SecondFactorHeader, " 123456 ")
	})
	if rr.Code != http.StatusOK || calls != 1 {
		t.Errorf("valid code: got %d with %d calls", rr.Code, calls)
	}
}

func TestGuardStorageFailure(t *testing.T) {
	res := newStubResolver()
	res.err = errors.New("disk on fire")
	rr, calls := serveGuarded(t, guard.New(res, authz.DefaultPolicy()), nil, bearer("viewer"))
	if rr.Code != http.StatusInternalServerError || calls != 0 {
		t.Errorf("got %d with %d calls", rr.Code, calls)
	}
}

func TestGuardRecordsDecisions(t *testing.T) {
	m := telemetry.New()
	g := guard.New(newStubResolver(), authz.DefaultPolicy()).Require(guard.MinimumLevel(authz.Manager))

	serveGuarded(t, g, m, bearer("viewer"))
	serveGuarded(t, g, m, bearer("manager"))
	serveGuarded(t, g, m, nil)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	counts := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "taskauth_guard_decisions_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			counts[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
		}
	}
	for outcome, want := range map[string]float64{
		telemetry.DecisionAllowed:         1,
		telemetry.DecisionForbidden:       1,
		telemetry.DecisionUnauthenticated: 1,
	} {
		if counts[outcome] != want {
			t.Errorf("%s: got %v, want %v", outcome, counts[outcome], want)
		}
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"":                  "",
		"Bearer abc":        "abc",
		"bearer abc":        "abc",
		"Bearer   abc  ":    "abc",
		"Basic abc":         "",
		"Bearerabc":         "",
		"Token abc def ghi": "",
	}
	for header, want := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if got := BearerToken(req); got != want {
			t.Errorf("BearerToken(%q): got %q, want %q", header, got, want)
		}
	}
}

func TestGetPrincipalWithoutValue(t *testing.T) {
	if GetPrincipal(context.Background()) != nil {
		t.Error("expected nil principal from bare context")
	}
}

// ---------------------------------------------------------------------------
// Rate limiting and metrics tests
// ---------------------------------------------------------------------------

func TestRateLimitByIP(t *testing.T) {
	handler := RateLimit(2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/login", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		last = rr.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("expected 429 on third request, got %d", last)
	}
}

func TestRateLimitByTokenSeparatesTokens(t *testing.T) {
	handler := RateLimitByToken(1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(token string) int {
		req := httptest.NewRequest("POST", "/verify", nil)
		req.RemoteAddr = "10.0.0.2:1234"
		bearer(token)(req)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send("a"); code != http.StatusOK {
		t.Errorf("first a: got %d", code)
	}
	if code := send("a"); code != http.StatusTooManyRequests {
		t.Errorf("second a: got %d, want 429", code)
	}
	if code := send("b"); code != http.StatusOK {
		t.Errorf("first b: got %d", code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	handler := RateLimit(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 10; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rr.Code)
		}
	}
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	m := telemetry.New()
	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for _, path := range []string{"/users/1", "/users/2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, `route="/users/{id}"`) {
		t.Errorf("expected route pattern label, got:\n%s", body)
	}
	if strings.Contains(body, `route="/users/1"`) {
		t.Error("raw paths must not be used as labels")
	}
}

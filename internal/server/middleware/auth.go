package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dpmtasks/taskauth/internal/authz"
	"github.com/dpmtasks/taskauth/internal/guard"
	"github.com/dpmtasks/taskauth/internal/model"
	"github.com/dpmtasks/taskauth/internal/service"
	"github.com/dpmtasks/taskauth/internal/telemetry"
)

// SecondFactorHeader carries the one-time code on guarded requests.
const SecondFactorHeader = "X-2FA-Code"

// Guard returns an HTTP middleware that evaluates g against the request's
// bearer token and one-time code header. On success the principal is
// attached to the request context and next runs once. On failure next is
// never called and a JSON error is written:
//
//   - 401 when the token is missing, invalid, revoked, or expired
//   - 401 when g requires a second factor and the code is absent or wrong
//   - 403 naming the missing action or level
//   - 500 when the stored access level is unknown or storage fails
func Guard(g *guard.Guard, metrics *telemetry.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := guard.Credentials{
				Token:            BearerToken(r),
				SecondFactorCode: strings.TrimSpace(r.Header.Get(SecondFactorHeader)),
			}

			p, err := g.Authorize(r.Context(), creds)
			if err != nil {
				status, outcome, message := classifyGuardError(err)
				metrics.ObserveDecision(outcome)
				if status == http.StatusInternalServerError && logger != nil {
					logger.ErrorContext(r.Context(), "guard failed",
						"error", err,
						"path", r.URL.Path,
						"request_id", GetRequestID(r.Context()),
					)
				}
				writeAuthError(w, status, message)
				return
			}

			metrics.ObserveDecision(telemetry.DecisionAllowed)
			next.ServeHTTP(w, r.WithContext(guard.WithPrincipal(r.Context(), p)))
		})
	}
}

func classifyGuardError(err error) (int, string, string) {
	var forbidden *guard.ForbiddenError
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, telemetry.DecisionUnauthenticated,
			"Authentication required. Provide a valid Bearer token."
	case errors.Is(err, guard.ErrSecondFactorRequired):
		return http.StatusUnauthorized, telemetry.DecisionSecondFactor,
			"A valid " + SecondFactorHeader + " header is required."
	case errors.As(err, &forbidden):
		return http.StatusForbidden, telemetry.DecisionForbidden,
			"Insufficient permissions: requires " + forbidden.Missing
	case errors.Is(err, authz.ErrUnknownAccessLevel):
		return http.StatusInternalServerError, telemetry.DecisionError,
			"Account has an invalid access level"
	default:
		return http.StatusInternalServerError, telemetry.DecisionError,
			"Internal server error"
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *guard.Principal {
	return guard.PrincipalFrom(ctx)
}

// BearerToken returns the token from an "Authorization: Bearer <token>"
// header, or "" if the header is absent or uses another scheme.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message},
	})
}

package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dpmtasks/taskauth/internal/authz"
	"github.com/dpmtasks/taskauth/internal/guard"
	"github.com/dpmtasks/taskauth/internal/model"
	"github.com/dpmtasks/taskauth/internal/service"
	"github.com/dpmtasks/taskauth/internal/telemetry"
)

// AuthHandler serves registration, login, and the caller's own session and
// second-factor endpoints under /api/v1/auth.
type AuthHandler struct {
	creds    *service.CredentialService
	sessions *service.AuthService
	totp     *service.TOTPService
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler. metrics may be nil.
func NewAuthHandler(
	creds *service.CredentialService,
	sessions *service.AuthService,
	totp *service.TOTPService,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		creds:    creds,
		sessions: sessions,
		totp:     totp,
		metrics:  metrics,
		logger:   logger,
	}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token                string      `json:"token"`
	TokenType            string      `json:"token_type"`
	ExpiresIn            int         `json:"expires_in"`
	ExpiresAt            time.Time   `json:"expires_at"`
	User                 *model.User `json:"user"`
	SecondFactorRequired bool        `json:"second_factor_required"`
	ProvisioningURI      string      `json:"provisioning_uri,omitempty"`
}

type setupSecondFactorResponse struct {
	ProvisioningURI string `json:"provisioning_uri"`
	Secret          string `json:"secret"`
	Issuer          string `json:"issuer"`
}

type verifySecondFactorRequest struct {
	Code string `json:"code"`
}

type permissionsResponse struct {
	Level          authz.Level    `json:"level"`
	Label          string         `json:"label"`
	Rank           int            `json:"rank"`
	AllowedActions []authz.Action `json:"allowed_actions"`
}

// Register creates a viewer account.
// POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Name, email and password are required")
		return
	}

	u, err := h.creds.Create(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		h.logUnexpected(r, "register failed", err)
		writeServiceError(w, err, "Failed to create user")
		return
	}

	h.logger.InfoContext(r.Context(), "user registered", "user_id", u.ID)
	writeJSON(w, http.StatusCreated, u)
}

// Login verifies a password and issues a bearer token. The second factor is
// advisory: it is never demanded here, but the provisioning URI is returned
// so clients can offer enrolment.
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	u, err := h.creds.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			h.metrics.ObserveLogin(telemetry.LoginInvalidCredentials)
		} else {
			h.metrics.ObserveLogin(telemetry.LoginError)
			h.logUnexpected(r, "login failed", err)
		}
		writeServiceError(w, err, "Authentication error")
		return
	}

	token, expiresAt, err := h.sessions.Issue(r.Context(), u)
	if err != nil {
		h.metrics.ObserveLogin(telemetry.LoginError)
		h.logUnexpected(r, "issue session failed", err)
		writeServiceError(w, err, "Failed to issue token")
		return
	}
	h.metrics.ObserveLogin(telemetry.LoginSuccess)
	h.metrics.ObserveSession(telemetry.SessionIssued)

	resp := loginResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresIn: int(h.sessions.TTL().Seconds()),
		ExpiresAt: expiresAt.UTC(),
		User:      u,
	}
	if u.HasSecondFactor() {
		// A broken stored secret must not block login.
		if uri, err := h.totp.ProvisioningURI(u); err == nil {
			resp.ProvisioningURI = uri
		} else {
			h.logger.WarnContext(r.Context(), "provisioning uri unavailable", "user_id", u.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Logout revokes the presented token. Other sessions of the user stay valid.
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	if err := h.sessions.Revoke(r.Context(), p.Token); err != nil {
		h.logUnexpected(r, "logout failed", err)
		writeServiceError(w, err, "Failed to revoke session")
		return
	}
	h.metrics.ObserveSession(telemetry.SessionRevoked)
	writeJSON(w, http.StatusOK, model.MessageResponse{Message: "Logged out", Success: true})
}

// Me returns the authenticated user.
// GET /api/v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, p.User)
}

// Setup2FA returns the caller's provisioning URI and secret, provisioning a
// secret first for accounts created without one.
// GET /api/v1/auth/setup-2fa
func (h *AuthHandler) Setup2FA(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	u, err := h.creds.EnsureSecondFactor(r.Context(), p.User)
	if err != nil {
		h.logUnexpected(r, "provision second factor failed", err)
		writeServiceError(w, err, "Failed to provision second factor")
		return
	}
	uri, err := h.totp.ProvisioningURI(u)
	if err != nil {
		h.logUnexpected(r, "provisioning uri failed", err)
		writeServiceError(w, err, "Failed to build provisioning URI")
		return
	}

	writeJSON(w, http.StatusOK, setupSecondFactorResponse{
		ProvisioningURI: uri,
		Secret:          *u.TOTPSecret,
		Issuer:          h.totp.Issuer(),
	})
}

// Verify2FA checks a one-time code for the caller.
// POST /api/v1/auth/verify-2fa
func (h *AuthHandler) Verify2FA(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req verifySecondFactorRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, "Code is required")
		return
	}
	if !p.User.HasSecondFactor() {
		writeServiceError(w, service.ErrNotProvisioned, "")
		return
	}
	if !h.totp.VerifyCode(p.User, code) {
		writeError(w, http.StatusUnauthorized, "Invalid second factor code")
		return
	}
	writeJSON(w, http.StatusOK, model.MessageResponse{Message: "Second factor verified", Success: true})
}

// Permissions describes what the caller's access level allows.
// GET /api/v1/auth/permissions
func (h *AuthHandler) Permissions(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	level := p.Checker.Level()
	writeJSON(w, http.StatusOK, permissionsResponse{
		Level:          level,
		Label:          level.Label(),
		Rank:           level.Rank(),
		AllowedActions: p.Checker.AllowedActions(),
	})
}

// logUnexpected logs err only when it would surface as a 5xx.
func (h *AuthHandler) logUnexpected(r *http.Request, msg string, err error) {
	if status, _ := classifyError(err, ""); status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), msg, "error", err)
	}
}

package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dpmtasks/taskauth/internal/authz"
	"github.com/dpmtasks/taskauth/internal/model"
	"github.com/dpmtasks/taskauth/internal/service"
	"github.com/dpmtasks/taskauth/internal/telemetry"
)

// UserHandler serves account management under /api/v1/users. Every route is
// mounted behind a guard; the handler itself only validates input.
type UserHandler struct {
	creds    *service.CredentialService
	sessions *service.AuthService
	policy   *authz.Policy
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewUserHandler creates a UserHandler. metrics may be nil.
func NewUserHandler(
	creds *service.CredentialService,
	sessions *service.AuthService,
	policy *authz.Policy,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) *UserHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserHandler{
		creds:    creds,
		sessions: sessions,
		policy:   policy,
		metrics:  metrics,
		logger:   logger,
	}
}

type createUserRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	AccessLevel string `json:"access_level"`
}

type setLevelRequest struct {
	AccessLevel string `json:"access_level"`
}

// ListUsers returns active users, or all users with ?include_inactive=true.
// GET /api/v1/users
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.creds.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list users failed", "error", err)
		writeServiceError(w, err, "Failed to list users")
		return
	}

	if !queryBool(r, "include_inactive") {
		active := users[:0]
		for _, u := range users {
			if u.IsActive {
				active = append(active, u)
			}
		}
		users = active
	}
	if users == nil {
		users = []model.User{}
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: users,
		Meta:     &model.ResponseMeta{Count: len(users)},
	})
}

// CreateUser creates an account at any level, viewer by default.
// POST /api/v1/users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Name, email and password are required")
		return
	}

	level := authz.Viewer
	if req.AccessLevel != "" {
		l, err := authz.ParseLevel(req.AccessLevel)
		if err != nil {
			writeServiceError(w, err, "")
			return
		}
		level = l
	}

	u, err := h.creds.Create(r.Context(), req.Name, req.Email, req.Password, service.WithAccessLevel(level))
	if err != nil {
		writeServiceError(w, err, "Failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetUser returns a single user.
// GET /api/v1/users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	u, err := h.creds.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "Failed to get user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UpdateUser changes name, access level, or active status. Deactivating a
// user also revokes their sessions.
// PUT /api/v1/users/{id}
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	var upd model.UserUpdate
	if err := readJSON(r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if upd.Name == nil && upd.AccessLevel == nil && upd.IsActive == nil {
		writeError(w, http.StatusBadRequest, "Nothing to update")
		return
	}

	u, err := h.creds.Update(r.Context(), id, upd)
	if err != nil {
		writeServiceError(w, err, "Failed to update user")
		return
	}
	if !u.IsActive {
		h.revokeSessions(r, u.ID)
	}
	writeJSON(w, http.StatusOK, u)
}

// DeleteUser deactivates a user and revokes their sessions. Rows are never
// removed.
// DELETE /api/v1/users/{id}
func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	if err := h.creds.Deactivate(r.Context(), id); err != nil {
		writeServiceError(w, err, "Failed to deactivate user")
		return
	}
	h.revokeSessions(r, id)
	writeJSON(w, http.StatusOK, model.MessageResponse{
		Message: fmt.Sprintf("User %d deactivated", id),
		Success: true,
	})
}

// SetLevel changes a user's access level. Tokens already issued keep
// resolving; the new level applies from the next request.
// PUT /api/v1/users/{id}/level
func (h *UserHandler) SetLevel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	var req setLevelRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.AccessLevel == "" {
		writeError(w, http.StatusBadRequest, "access_level is required")
		return
	}

	u, err := h.creds.SetAccessLevel(r.Context(), id, req.AccessLevel)
	if err != nil {
		writeServiceError(w, err, "Failed to change access level")
		return
	}
	h.logger.InfoContext(r.Context(), "access level changed", "user_id", u.ID, "level", u.AccessLevel)
	writeJSON(w, http.StatusOK, u)
}

// ListLevels returns the level catalog with each level's allowed actions.
// GET /api/v1/users/levels
func (h *UserHandler) ListLevels(w http.ResponseWriter, r *http.Request) {
	levels := h.policy.Describe()
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: levels,
		Meta:     &model.ResponseMeta{Count: len(levels)},
	})
}

func (h *UserHandler) revokeSessions(r *http.Request, userID int64) {
	n, err := h.sessions.RevokeAll(r.Context(), userID)
	if err != nil {
		// The user is already inactive, which Resolve enforces on its own.
		h.logger.WarnContext(r.Context(), "revoke sessions failed", "user_id", userID, "error", err)
		return
	}
	h.metrics.ObserveSessions(telemetry.SessionRevoked, n)
}

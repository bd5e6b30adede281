package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dpmtasks/taskauth/internal/authz"
	"github.com/dpmtasks/taskauth/internal/model"
	"github.com/dpmtasks/taskauth/internal/service"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// queryBool extracts a boolean query parameter. Returns false if the parameter
// is missing or not "true"/"1".
func queryBool(r *http.Request, key string) bool {
	val := r.URL.Query().Get(key)
	return val == "true" || val == "1"
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// classifyError maps service errors to an HTTP status and a client-safe
// message. Unrecognized errors become 500 with fallbackMsg so storage
// details never reach the client.
//
// An unknown access level in a request body is a client mistake (400); the
// caller is expected to have validated stored levels already.
func classifyError(err error, fallbackMsg string) (int, string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, authz.ErrUnknownAccessLevel):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrDuplicateIdentity):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid email or password"
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, "Authentication required"
	case errors.Is(err, service.ErrNotProvisioned):
		return http.StatusConflict, "Second factor is not provisioned for this account"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "Not found"
	default:
		return http.StatusInternalServerError, fallbackMsg
	}
}

// writeServiceError classifies err and writes it.
func writeServiceError(w http.ResponseWriter, err error, fallbackMsg string) {
	status, msg := classifyError(err, fallbackMsg)
	writeError(w, status, msg)
}

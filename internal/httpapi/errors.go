package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"stormcrm.dev/internal/auth"
	"stormcrm.dev/internal/obs"
	"stormcrm.dev/internal/store"
)

// Error codes carried in the "error" field of every failure response.
const (
	codeNoToken                  = "no_token"
	codeAuthenticationFailed     = "authentication_failed"
	codeAuthenticationRequired   = "authentication_required"
	codeInsufficientPermissions  = "insufficient_permissions"
	codeAuthorizationCheckFailed = "authorization_check_failed"
	codeRateLimited              = "rate_limited"
	codeIPBlocked                = "ip_blocked"
	codeInvalidRequest           = "invalid_request"
	codeInvalidCredentials       = "invalid_credentials"
	codeAccountInactive          = "account_inactive"
	codeConflict                 = "conflict"
	codeNotFound                 = "not_found"
	codeMethodNotAllowed         = "method_not_allowed"
	codeStorageUnavailable       = "storage_unavailable"
	codeInternal                 = "internal_error"
)

// errorBody is the outbound failure shape.
type errorBody struct {
	Error      string   `json:"error"`
	Message    string   `json:"message,omitempty"`
	Details    []string `json:"details,omitempty"`
	RetryAfter string   `json:"retryAfter,omitempty"`
	RequestID  string   `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeErrorBody(w, r, status, errorBody{Error: code, Message: msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, status int, body errorBody) {
	if body.RequestID == "" {
		body.RequestID = RequestIDFromContext(r.Context())
	}
	writeJSON(w, status, body)
}

// writeRetryLater answers 429 with both the Retry-After header and an ISO
// timestamp of the earliest retry.
func writeRetryLater(w http.ResponseWriter, r *http.Request, code, msg string, wait time.Duration, until time.Time) {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeErrorBody(w, r, http.StatusTooManyRequests, errorBody{
		Error:      code,
		Message:    msg,
		RetryAfter: until.UTC().Format(time.RFC3339),
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
}

// handleError maps domain errors onto the outbound shape. Anything unmapped
// is logged and reported as a bare 500.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		perm  *auth.PermissionError
		input *auth.InputError
	)
	switch {
	case errors.As(err, &perm):
		details := make([]string, len(perm.Allowed))
		for i, role := range perm.Allowed {
			details[i] = string(role)
		}
		writeErrorBody(w, r, http.StatusForbidden, errorBody{
			Error:   codeInsufficientPermissions,
			Message: "insufficient permissions",
			Details: details,
		})
	case errors.Is(err, auth.ErrAuthorizationCheckFailed):
		status := http.StatusInternalServerError
		msg := "unable to verify access to this resource"
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, auth.ErrNotFound) {
			status = http.StatusNotFound
			msg = "resource not found"
		} else {
			logFailure(r, err)
		}
		writeError(w, r, status, codeAuthorizationCheckFailed, msg)
	case errors.Is(err, auth.ErrInsufficientPermissions):
		writeError(w, r, http.StatusForbidden, codeInsufficientPermissions, "insufficient permissions")
	case errors.Is(err, auth.ErrAuthenticationRequired):
		writeError(w, r, http.StatusUnauthorized, codeAuthenticationRequired, "authentication required")
	case errors.Is(err, auth.ErrNoToken):
		writeError(w, r, http.StatusUnauthorized, codeNoToken, "authentication token required")
	case errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrMalformedToken), errors.Is(err, auth.ErrAuthenticationFailed):
		writeError(w, r, http.StatusUnauthorized, codeAuthenticationFailed, "invalid or expired token")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, codeInvalidCredentials, "invalid email or password")
	case errors.Is(err, auth.ErrInactiveAccount):
		writeError(w, r, http.StatusForbidden, codeAccountInactive, "account is deactivated")
	case errors.As(err, &input):
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, input.Reason)
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "invalid input")
	case errors.Is(err, auth.ErrEmailTaken):
		writeError(w, r, http.StatusConflict, codeConflict, "email already registered")
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, r, http.StatusConflict, codeConflict, "duplicate value")
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, store.ErrNotFound):
		notFound(w, r)
	case errors.Is(err, store.ErrStorageUnavailable):
		logFailure(r, err)
		writeError(w, r, http.StatusInternalServerError, codeStorageUnavailable, "storage unavailable")
	default:
		logFailure(r, err)
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func logFailure(r *http.Request, err error) {
	obs.Logger().Error("request failed",
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, http.StatusBadRequest, codeInvalidRequest, msg)
}

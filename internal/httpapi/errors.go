package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"qazna.org/warden/internal/audit"
	"qazna.org/warden/internal/auth"
	"qazna.org/warden/internal/obs"
)

const malformedBody = "malformed request body"

type errorBody struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	LockedUntil *time.Time        `json:"locked_until,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
}

var codeStatus = map[auth.Code]int{
	auth.CodeInvalidCredentials:  http.StatusUnauthorized,
	auth.CodeAccountLocked:       http.StatusLocked,
	auth.CodeTwoFactorRequired:   http.StatusUnauthorized,
	auth.CodeTwoFactorInvalid:    http.StatusUnauthorized,
	auth.CodeTwoFactorNotEnabled: http.StatusConflict,
	auth.CodeInvalidToken:        http.StatusUnauthorized,
	auth.CodeTokenExpired:        http.StatusUnauthorized,
	auth.CodeTokenReuseDetected:  http.StatusUnauthorized,
	auth.CodePermissionDenied:    http.StatusForbidden,
	auth.CodeValidationFailed:    http.StatusBadRequest,
	auth.CodeConflict:            http.StatusConflict,
	auth.CodeNotFound:            http.StatusNotFound,
	auth.CodeUnavailable:         http.StatusServiceUnavailable,
}

func statusFor(code auth.Code) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// writeEngineError renders an engine result. Causes are never exposed.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var e *auth.Error
	if !errors.As(err, &e) {
		writeError(w, r, http.StatusInternalServerError, string(auth.CodeInternal), "internal error")
		return
	}
	body := errorBody{
		Code:        string(e.Code),
		Message:     e.Message,
		LockedUntil: e.LockedUntil,
		Fields:      e.Fields,
		RequestID:   audit.RequestIDFromContext(r.Context()),
	}
	status := statusFor(e.Code)
	if e.LockedUntil != nil {
		if wait := time.Until(*e.LockedUntil); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		}
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{
		Code:      code,
		Message:   msg,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

// badRequest logs the decode failure and answers with a fixed message.
func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	obs.Logger().Debug().Err(err).
		Str("request_id", audit.RequestIDFromContext(r.Context())).
		Str("path", r.URL.Path).
		Msg("decode request body")
	writeError(w, r, http.StatusBadRequest, string(auth.CodeValidationFailed), malformedBody)
}

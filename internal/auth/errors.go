package auth

import (
	"errors"
	"fmt"
	"time"
)

// Store-level sentinels. Implementations wrap or return these directly.
var (
	ErrNotFound       = errors.New("auth: not found")
	ErrConflict       = errors.New("auth: already exists")
	ErrAlreadyRevoked = errors.New("auth: already revoked")
)

// Code is the stable machine-readable error identifier.
type Code string

const (
	CodeInvalidCredentials  Code = "invalid_credentials"
	CodeAccountLocked       Code = "account_locked"
	CodeTwoFactorRequired   Code = "two_factor_required"
	CodeTwoFactorInvalid    Code = "two_factor_invalid"
	CodeTwoFactorNotEnabled Code = "two_factor_not_enabled"
	CodeInvalidToken        Code = "invalid_token"
	CodeTokenExpired        Code = "token_expired"
	CodeTokenReuseDetected  Code = "token_reuse_detected"
	CodePermissionDenied    Code = "permission_denied"
	CodeValidationFailed    Code = "validation_failed"
	CodeConflict            Code = "conflict"
	CodeNotFound            Code = "not_found"
	CodeUnavailable         Code = "unavailable"
	CodeInternal            Code = "internal"
)

// Invalid credentials and a locked account share wording so responses cannot
// be used to enumerate accounts.
const credentialsMessage = "invalid email or password"

// Error is the typed outcome returned by every engine operation. Message is
// safe to show to callers; the wrapped cause is not.
type Error struct {
	Code        Code
	Message     string
	LockedUntil *time.Time
	Fields      map[string]string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by code so callers can compare against the
// package-level values below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Comparable values for errors.Is.
var (
	ErrInvalidCredentials = &Error{Code: CodeInvalidCredentials, Message: credentialsMessage}
	ErrAccountLocked      = &Error{Code: CodeAccountLocked, Message: credentialsMessage}
	ErrTwoFactorRequired  = &Error{Code: CodeTwoFactorRequired, Message: "two-factor code required"}
	ErrTwoFactorInvalid   = &Error{Code: CodeTwoFactorInvalid, Message: "invalid two-factor code"}
	ErrTwoFactorDisabled  = &Error{Code: CodeTwoFactorNotEnabled, Message: "two-factor authentication is not set up"}
	ErrInvalidToken       = &Error{Code: CodeInvalidToken, Message: "invalid token"}
	ErrTokenExpired       = &Error{Code: CodeTokenExpired, Message: "token expired"}
	ErrTokenReuse         = &Error{Code: CodeTokenReuseDetected, Message: "token reuse detected"}
	ErrPermissionDenied   = &Error{Code: CodePermissionDenied, Message: "permission denied"}
)

func invalidCredentials() *Error {
	return &Error{Code: CodeInvalidCredentials, Message: credentialsMessage}
}

func accountLocked(until time.Time) *Error {
	u := until.UTC()
	return &Error{Code: CodeAccountLocked, Message: credentialsMessage, LockedUntil: &u}
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func validationFailed(fields map[string]string) *Error {
	return &Error{Code: CodeValidationFailed, Message: "validation failed", Fields: fields}
}

// unavailable wraps an infrastructure failure. The cause is kept for logs.
func unavailable(cause error) *Error {
	return &Error{Code: CodeUnavailable, Message: "service unavailable", cause: cause}
}

func conflict(msg string, cause error) *Error {
	return &Error{Code: CodeConflict, Message: msg, cause: cause}
}

// canceled reports that the caller gave up after the operation committed.
// errors.Is(err, context.Canceled) holds for the result.
func canceled(cause error) *Error {
	return &Error{Code: CodeUnavailable, Message: "request canceled", cause: cause}
}

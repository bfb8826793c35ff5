package utils

import (
	"errors"
	"fmt"
)

// Code identifies an error class that callers are expected to branch on.
type Code string

const (
	CodeInvalidToken     Code = "invalid_token"
	CodeExpired          Code = "expired"
	CodeRevoked          Code = "revoked"
	CodeDuplicateClaim   Code = "duplicate_claim"
	CodeTooLate          Code = "too_late"
	CodeInvalidDuration  Code = "invalid_duration"
	CodeForbidden        Code = "forbidden"
	CodeNotFound         Code = "not_found"
	CodeRateLimited      Code = "rate_limited"
	CodeStoreConflict    Code = "store_conflict"
	CodeStoreUnavailable Code = "store_unavailable"
	CodeInvalidConfig    Code = "invalid_config"
	CodeInvalidRequest   Code = "invalid_request"
)

// CustomError is a coded error. Two CustomErrors match under errors.Is when
// their codes are equal, so annotated copies keep the sentinel identity.
type CustomError struct {
	Code    Code
	Message string
	Err     error
}

func (e *CustomError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CustomError) Unwrap() error { return e.Err }

// Is matches any CustomError carrying the same code.
func (e *CustomError) Is(target error) bool {
	var t *CustomError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New returns a coded error.
func New(code Code, message string) error {
	return &CustomError{Code: code, Message: message}
}

// Wrap returns a coded error carrying cause.
func Wrap(code Code, message string, cause error) error {
	return &CustomError{Code: code, Message: message, Err: cause}
}

// CodeOf returns the code of the first CustomError in err's chain, or "".
func CodeOf(err error) Code {
	var ce *CustomError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

var (
	ErrInvalidToken     = New(CodeInvalidToken, "token is malformed, tampered or sealed with another key")
	ErrExpired          = New(CodeExpired, "session expired")
	ErrRevoked          = New(CodeRevoked, "session revoked")
	ErrDuplicateClaim   = New(CodeDuplicateClaim, "attendance already recorded for this session")
	ErrTooLate          = New(CodeTooLate, "claim submitted after the late cutoff")
	ErrInvalidDuration  = New(CodeInvalidDuration, "session duration out of range")
	ErrForbidden        = New(CodeForbidden, "requester does not own the session")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrRateLimited      = New(CodeRateLimited, "too many attempts")
	ErrStoreConflict    = New(CodeStoreConflict, "store write conflict")
	ErrStoreUnavailable = New(CodeStoreUnavailable, "store unavailable")
	ErrInvalidConfig    = New(CodeInvalidConfig, "invalid configuration")
	ErrInvalidRequest   = New(CodeInvalidRequest, "invalid request")
)

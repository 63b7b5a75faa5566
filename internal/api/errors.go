package api

import (
	"errors"
	"net/http"
)

// AppError is an error with a client-facing status, a stable machine code
// and a message.
type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrBadRequest         = &AppError{Status: http.StatusBadRequest, Code: "bad_request", Message: "bad request"}
	ErrUnauthorized       = &AppError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "unauthorized"}
	ErrInternalServer     = &AppError{Status: http.StatusInternalServerError, Code: "internal", Message: "internal server error"}
	ErrInvalidCredentials = &AppError{Status: http.StatusUnauthorized, Code: "invalid_credentials", Message: "invalid email or password"}
	ErrEmailAlreadyExists = &AppError{Status: http.StatusConflict, Code: "email_taken", Message: "email already registered"}
	ErrInvalidToken       = &AppError{Status: http.StatusUnauthorized, Code: "invalid_token", Message: "invalid or expired token"}

	// ErrQuotaExhausted is returned when the free calls for today are used
	// up and the balance is not positive.
	ErrQuotaExhausted  = &AppError{Status: http.StatusForbidden, Code: "quota_exhausted", Message: "You have run out of tokens. Please top up your account to continue."}
	ErrTooManyRequests = &AppError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "too many requests"}
	// ErrUpstreamUnavailable covers the model gateway failing and the
	// accounts store being unreachable while admitting a call.
	ErrUpstreamUnavailable = &AppError{Status: http.StatusInternalServerError, Code: "upstream_unavailable", Message: "model gateway request failed"}
	ErrDataIntegrity       = &AppError{Status: http.StatusInternalServerError, Code: "account_missing", Message: "account record missing, please contact support"}
)

func NewNotFoundError(msg string) *AppError {
	return &AppError{Status: http.StatusNotFound, Code: "not_found", Message: msg}
}

func NewValidationError(msg string) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: "invalid_request", Message: msg}
}

// HandleError writes err as a JSON error body. Errors that are not an
// AppError are reported as a bare 500 so internals never leak.
func HandleError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		writeJSON(w, appErr.Status, Response{Error: appErr.Message, Code: appErr.Code})
		return
	}
	writeJSON(w, http.StatusInternalServerError, Response{Error: ErrInternalServer.Message, Code: ErrInternalServer.Code})
}

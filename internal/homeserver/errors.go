package homeserver

import (
	"errors"
	"fmt"
	"net/http"
)

// MatrixError is a structured error response from the homeserver.
// Callers extract it with errors.As.
type MatrixError struct {
	Code         string `json:"errcode"`
	Message      string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	StatusCode   int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeUserInUse     = "M_USER_IN_USE"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnrecognized  = "M_UNRECOGNIZED"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeExclusive     = "M_EXCLUSIVE"
)

// IsMatrixError checks whether err is a *MatrixError with the given error code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// StatusCode returns the HTTP status of a homeserver error, or 0 if err
// did not come from a homeserver response.
func StatusCode(err error) int {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.StatusCode
	}
	return 0
}

// IsRateLimited reports a 429 or M_LIMIT_EXCEEDED response.
func IsRateLimited(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests || IsMatrixError(err, ErrCodeLimitExceeded)
}

// IsForbidden reports a permission failure.
func IsForbidden(err error) bool {
	return StatusCode(err) == http.StatusForbidden || IsMatrixError(err, ErrCodeForbidden)
}

// IsNotFound reports a 404 or M_NOT_FOUND response.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound || IsMatrixError(err, ErrCodeNotFound)
}

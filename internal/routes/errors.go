package routes

import (
	"errors"
	"net/http"
	"strings"
	"unicode"

	"race-sync/internal/auth"
	"race-sync/internal/coordinator"
	"race-sync/internal/jwt"
	"race-sync/internal/models"
	"race-sync/internal/storage"
)

// HTTPError represents an error with an associated HTTP status code and user message
type HTTPError struct {
	Err        error    // The underlying error
	StatusCode int      // HTTP status code
	Message    string   // User-friendly message
	StopCodes  []string // Optional stop codes for client-side handling
	Internal   bool     // Whether this is an internal error (hide details from user)
}

// ErrorInfo contains error metadata for user-facing errors
type ErrorInfo struct {
	Message   string   // User-friendly message
	StopCodes []string // Optional stop codes for client-side application
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates a new HTTPError
func NewHTTPError(statusCode int, err error, message string, stopCodes ...string) *HTTPError {
	return &HTTPError{
		Err:        err,
		StatusCode: statusCode,
		Message:    message,
		StopCodes:  stopCodes,
		Internal:   statusCode >= 500,
	}
}

// Routes-specific errors (that don't conflict with other packages)
var (
	// Authentication errors
	ErrUnauthorized = errors.New("unauthorized")

	// Authorization errors
	ErrForbidden = errors.New("forbidden")

	// Request errors
	ErrInvalidRequest   = errors.New("invalid request")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrRouteNotFound    = errors.New("route not found")

	// Internal errors
	ErrInternalServer = errors.New("internal server error")
)

// errorStatusMap maps errors to HTTP status codes
var errorStatusMap = map[error]int{
	// 400 Bad Request
	ErrInvalidRequest:         http.StatusBadRequest,
	models.ErrValidation:      http.StatusBadRequest,
	coordinator.ErrRaceFull:   http.StatusBadRequest,
	coordinator.ErrFaultsFull: http.StatusBadRequest,
	auth.ErrPinFormat:         http.StatusBadRequest,

	// 401 Unauthorized
	ErrUnauthorized:     http.StatusUnauthorized,
	jwt.ErrInvalidToken: http.StatusUnauthorized,
	jwt.ErrTokenExpired: http.StatusUnauthorized,
	auth.ErrInvalidPin:  http.StatusUnauthorized,

	// 403 Forbidden
	ErrForbidden: http.StatusForbidden,

	// 404 Not Found
	ErrRouteNotFound:   http.StatusNotFound,
	storage.ErrNotFound: http.StatusNotFound,

	// 405 Method Not Allowed
	ErrMethodNotAllowed: http.StatusMethodNotAllowed,

	// 500 Internal Server Error
	ErrInternalServer: http.StatusInternalServerError,
}

// errorInfoMap maps errors to user-friendly messages and optional stop codes
var errorInfoMap = map[error]ErrorInfo{
	// Authentication
	ErrUnauthorized: {
		Message:   "Authentication required",
		StopCodes: []string{"AUTH_REQUIRED"},
	},
	jwt.ErrInvalidToken: {
		Message:   "Invalid authentication token",
		StopCodes: []string{"AUTH_INVALID_TOKEN"},
	},
	jwt.ErrTokenExpired: {
		Message:   "Authentication token has expired",
		StopCodes: []string{"AUTH_TOKEN_EXPIRED"},
	},
	auth.ErrInvalidPin: {
		Message:   "Invalid PIN",
		StopCodes: []string{"AUTH_INVALID_CREDENTIALS"},
	},
	auth.ErrPinFormat: {
		Message:   auth.ErrPinFormat.Error(),
		StopCodes: []string{"INVALID_PIN"},
	},

	// Authorization
	ErrForbidden: {
		Message:   "Access denied",
		StopCodes: []string{"FORBIDDEN"},
	},

	// Capacity
	coordinator.ErrRaceFull: {
		Message:   coordinator.ErrRaceFull.Error(),
		StopCodes: []string{"RACE_CAPACITY_REACHED"},
	},
	coordinator.ErrFaultsFull: {
		Message:   coordinator.ErrFaultsFull.Error(),
		StopCodes: []string{"RACE_CAPACITY_REACHED"},
	},

	// Request
	ErrInvalidRequest: {
		Message:   "Invalid request format",
		StopCodes: []string{"INVALID_REQUEST"},
	},
	ErrMethodNotAllowed: {
		Message:   "Method not allowed",
		StopCodes: []string{"METHOD_NOT_ALLOWED"},
	},
	ErrRouteNotFound: {
		Message:   "Not found",
		StopCodes: []string{"NOT_FOUND"},
	},
	storage.ErrNotFound: {
		Message:   "Not found",
		StopCodes: []string{"NOT_FOUND"},
	},

	// Internal (no stop codes for internal errors)
	ErrInternalServer: {
		Message: "An internal error occurred",
	},
}

// GetErrorStatus returns the HTTP status code for an error
func GetErrorStatus(err error) int {
	// Check if it's already an HTTPError
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}

	// Check direct match
	if status, ok := errorStatusMap[err]; ok {
		return status
	}

	// Check if error wraps a known error
	for knownErr, status := range errorStatusMap {
		if errors.Is(err, knownErr) {
			return status
		}
	}

	// Default to 500 Internal Server Error
	return http.StatusInternalServerError
}

// GetErrorInfo returns error information including message and stop codes
func GetErrorInfo(err error) ErrorInfo {
	// Check if it's an HTTPError with custom info
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return ErrorInfo{
			Message:   httpErr.Message,
			StopCodes: httpErr.StopCodes,
		}
	}

	// Validation errors carry their own reason
	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		return ErrorInfo{
			Message:   validationErr.Reason,
			StopCodes: []string{"INVALID_" + stopCodeName(validationErr.Field)},
		}
	}

	// Check direct match
	if info, ok := errorInfoMap[err]; ok {
		return info
	}

	// Check if error wraps a known error
	for knownErr, info := range errorInfoMap {
		if errors.Is(err, knownErr) {
			return info
		}
	}

	// For unknown errors, return a generic message for 5xx, specific for others
	status := GetErrorStatus(err)
	if status >= 500 {
		return ErrorInfo{Message: "An internal error occurred"}
	}
	return ErrorInfo{Message: err.Error()}
}

// GetErrorMessage returns a user-friendly message for an error
func GetErrorMessage(err error) string {
	return GetErrorInfo(err).Message
}

// GetErrorStopCodes returns stop codes for an error
func GetErrorStopCodes(err error) []string {
	return GetErrorInfo(err).StopCodes
}

// stopCodeName turns a camelCase field name into UPPER_SNAKE.
func stopCodeName(field string) string {
	var b strings.Builder
	for i, r := range field {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Package apierr defines the error envelope returned by the gateway itself.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Error codes returned in the envelope.
const (
	CodeAuthRequired         = "AUTH_REQUIRED"
	CodeInvalidToken         = "INVALID_TOKEN"
	CodeAdminRequired        = "ADMIN_REQUIRED"
	CodeRoleRequired         = "ROLE_REQUIRED"
	CodeEmailNotVerified     = "EMAIL_NOT_VERIFIED"
	CodeNotFound             = "NOT_FOUND"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	CodeUpgradeFailed        = "WEBSOCKET_UPGRADE_FAILED"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	CodeInternal             = "INTERNAL_ERROR"
)

// Error is a gateway-generated failure.
type Error struct {
	Status     int            `json:"-"`
	Message    string         `json:"error"`
	Code       string         `json:"code"`
	RetryAfter int            `json:"retryAfter,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type envelope struct {
	Success bool `json:"success"`
	*Error
}

// New constructs an error with the given status, code and message.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func AuthRequired() *Error {
	return New(http.StatusUnauthorized, CodeAuthRequired, "Authorization token required")
}

func InvalidToken() *Error {
	return New(http.StatusUnauthorized, CodeInvalidToken, "Invalid or expired token")
}

func NotFound(path string) *Error {
	return New(http.StatusNotFound, CodeNotFound, fmt.Sprintf("Route %s not found", path))
}

func RateLimited(retryAfter int) *Error {
	e := New(http.StatusTooManyRequests, CodeRateLimitExceeded, "Too many requests from this IP, please try again later.")
	e.RetryAfter = retryAfter
	return e
}

func ServiceUnavailable() *Error {
	return New(http.StatusServiceUnavailable, CodeServiceUnavailable, "Service temporarily unavailable")
}

func Internal() *Error {
	return New(http.StatusInternalServerError, CodeInternal, "Internal Server Error")
}

// WithDetails returns a copy of e carrying debugging details.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Abort writes the envelope and stops the gin handler chain.
func Abort(c *gin.Context, e *Error) {
	if e.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	c.AbortWithStatusJSON(e.Status, envelope{Success: false, Error: e})
}

// Write writes the envelope to a plain ResponseWriter.
func Write(w http.ResponseWriter, e *Error) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: e})
}

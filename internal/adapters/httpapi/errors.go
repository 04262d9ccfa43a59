package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"slicetune/pkg/domain"
)

// APIError is the body of every error response.
type APIError struct {
	Message    string             `json:"message"`
	Code       string             `json:"code,omitempty"`
	Violations []domain.Violation `json:"violations,omitempty"`
}

// ErrorEnvelope wraps APIError.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// StatusFor maps service errors to an HTTP status and a stable error code.
func StatusFor(err error) (int, string) {
	var (
		notFound  domain.ErrNotFound
		violation domain.RuleViolationError
	)
	switch {
	case errors.As(err, &violation):
		return http.StatusUnprocessableEntity, "rule_violation"
	case errors.Is(err, domain.ErrInvalid):
		return http.StatusBadRequest, "invalid"
	case errors.As(err, &notFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrUnknownProfileVersion):
		return http.StatusUnprocessableEntity, "unknown_profile_version"
	case errors.Is(err, domain.ErrOutOfEnvelope):
		return http.StatusUnprocessableEntity, "out_of_envelope"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// RespondError writes err as an ErrorEnvelope and aborts the request.
func RespondError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	body := APIError{Code: code, Message: "unknown error"}
	if err != nil {
		body.Message = err.Error()
	}
	var violation domain.RuleViolationError
	if errors.As(err, &violation) {
		body.Violations = violation.Result.Violations
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		body.Message = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{Error: body})
}

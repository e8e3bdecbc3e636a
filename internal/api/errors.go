package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/xengine/internal/api/shared"
	"github.com/phrazzld/xengine/internal/service/auth"
	"github.com/phrazzld/xengine/internal/task"
)

// ErrValidation marks request validation failures
var ErrValidation = errors.New("validation failed")

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// exposing their text.
func MapErrorToStatusCode(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized

	case errors.Is(err, task.ErrTaskNotFound):
		return http.StatusNotFound

	case errors.Is(err, task.ErrDuplicateTask),
		errors.Is(err, task.ErrInvalidState):
		return http.StatusConflict

	case errors.Is(err, task.ErrManagerClosed):
		return http.StatusServiceUnavailable

	case errors.Is(err, ErrValidation),
		errors.Is(err, shared.ErrEmptyBody),
		errors.As(err, &verrs):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	var verrs validator.ValidationErrors
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken):
		return "Invalid token"
	case errors.Is(err, task.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, task.ErrDuplicateTask):
		return "Task already exists"
	case errors.Is(err, task.ErrInvalidState):
		return "Task is not in a state that allows this action"
	case errors.Is(err, task.ErrManagerClosed):
		return "Task manager is shutting down"
	case errors.As(err, &verrs):
		return SanitizeValidationError(err)
	case errors.Is(err, shared.ErrEmptyBody):
		return "Request body is required"
	case errors.Is(err, ErrValidation):
		return "Invalid request format"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the mapped status and a safe message for err. A
// non-empty message overrides the default safe message.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}

// SanitizeValidationError turns validator output into a short message naming
// the first failing field.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Validation error"
	}
	fe := verrs[0]
	return fmt.Sprintf("Invalid %s: %s", strings.ToLower(fe.Field()), getValidationTagMessage(fe.Tag()))
}

func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "url", "http_url":
		return "invalid URL"
	case "max":
		return "too long"
	case "min":
		return "too short"
	case "excludesall":
		return "contains invalid characters"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}

package engine

import "fmt"

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(entity string, id any) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %v not found", entity, id),
	}
}

func UnknownEntityError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_ENTITY",
		Status:  404,
		Message: fmt.Sprintf("Unknown entity: %s", name),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func ConflictError(msg string) *AppError {
	return &AppError{
		Code:    "CONFLICT",
		Status:  409,
		Message: msg,
	}
}

// MisconfiguredError marks a missing structural prerequisite (no scope
// config, no relation target, no module metadata). Always a programmer or
// configuration error, never user-caused; surfaced as a 500.
func MisconfiguredError(msg string) *AppError {
	return &AppError{
		Code:    "MISCONFIGURED",
		Status:  500,
		Message: msg,
	}
}

// ScopeResolutionError wraps a failure of the assigned-scope resolver,
// preserving the resolver's message for diagnostics.
func ScopeResolutionError(err error) *AppError {
	return &AppError{
		Code:    "SCOPE_RESOLUTION_FAILED",
		Status:  500,
		Message: fmt.Sprintf("assigned scope resolution failed: %v", err),
	}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{
		Code:    "UNAUTHORIZED",
		Status:  401,
		Message: msg,
	}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{
		Code:    "FORBIDDEN",
		Status:  403,
		Message: msg,
	}
}

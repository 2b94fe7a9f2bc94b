package engine

import (
	"fmt"
	"strings"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

// Is matches on Code so callers can test against the sentinels below with
// errors.Is regardless of the message.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

// Sentinels for errors.Is.
var (
	ErrUnknownEntity           = &AppError{Code: "UNKNOWN_ENTITY"}
	ErrInvalidID               = &AppError{Code: "INVALID_ID"}
	ErrInvalidData             = &AppError{Code: "INVALID_DATA"}
	ErrMissingRequiredFields   = &AppError{Code: "MISSING_REQUIRED_FIELDS"}
	ErrImmutableFieldViolation = &AppError{Code: "IMMUTABLE_FIELD"}
	ErrNoUpdateableFields      = &AppError{Code: "NO_UPDATEABLE_FIELDS"}
	ErrSystemProtected         = &AppError{Code: "SYSTEM_PROTECTED"}
	ErrNotFilterable           = &AppError{Code: "NOT_FILTERABLE"}
	ErrRecordNotFound          = &AppError{Code: "NOT_FOUND"}
	ErrValidationFailed        = &AppError{Code: "VALIDATION_FAILED"}
	ErrInvalidOperations       = &AppError{Code: "INVALID_OPERATIONS"}
	ErrConflict                = &AppError{Code: "CONFLICT"}
	ErrUnauthorized            = &AppError{Code: "UNAUTHORIZED"}
	ErrForbidden               = &AppError{Code: "FORBIDDEN"}
)

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func UnknownEntityError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_ENTITY",
		Status:  404,
		Message: fmt.Sprintf("Unknown entity: %s", name),
	}
}

func InvalidIDError(msg string) *AppError {
	return &AppError{Code: "INVALID_ID", Status: 400, Message: msg}
}

func InvalidDataError(entity string) *AppError {
	return &AppError{
		Code:    "INVALID_DATA",
		Status:  400,
		Message: fmt.Sprintf("Invalid data for %s", entity),
	}
}

func MissingRequiredFieldsError(entity string, fields []string) *AppError {
	details := make([]ErrorDetail, len(fields))
	for i, f := range fields {
		details[i] = ErrorDetail{Field: f, Rule: "required", Message: fmt.Sprintf("%s is required", f)}
	}
	return &AppError{
		Code:    "MISSING_REQUIRED_FIELDS",
		Status:  422,
		Message: fmt.Sprintf("Missing required fields for %s: %s", entity, strings.Join(fields, ", ")),
		Details: details,
	}
}

func ImmutableFieldError(fields []string) *AppError {
	return &AppError{
		Code:    "IMMUTABLE_FIELD",
		Status:  422,
		Message: fmt.Sprintf("Cannot update immutable field(s): %s", strings.Join(fields, ", ")),
	}
}

func NoUpdateableFieldsError(entity string) *AppError {
	return &AppError{
		Code:    "NO_UPDATEABLE_FIELDS",
		Status:  400,
		Message: fmt.Sprintf("No valid updateable fields provided for %s", entity),
	}
}

func SystemProtectedError(msg string) *AppError {
	return &AppError{Code: "SYSTEM_PROTECTED", Status: 403, Message: msg}
}

func NotFilterableError(entity, field string) *AppError {
	return &AppError{
		Code:    "NOT_FILTERABLE",
		Status:  400,
		Message: fmt.Sprintf("Field is not filterable for %s: %s", entity, field),
	}
}

func NotFoundError(id any) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("Record not found: %v", id),
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

func InvalidOperationsError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "INVALID_OPERATIONS",
		Status:  400,
		Message: "Invalid batch operations",
		Details: details,
	}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

package models

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Error codes surfaced to callers of the session, fetch and mutation layers.
const (
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeValidation        = "VALIDATION_ERROR"
	CodeBusy              = "BUSY"
	CodeNotFound          = "NOT_FOUND"
	CodeRemote            = "REMOTE_ERROR"
	CodeClientUnavailable = "CLIENT_UNAVAILABLE"
	CodeInternal          = "INTERNAL_ERROR"
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ErrorCode lets packages that cannot import models read the code.
func (e *AppError) ErrorCode() string {
	return e.Code
}

// Predefined error constructors
func NewUnauthenticatedError(action string) *AppError {
	return &AppError{
		Code:    CodeUnauthenticated,
		Message: fmt.Sprintf("please sign in to %s", action),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

func NewBusyError(kind EntityKind) *AppError {
	return &AppError{
		Code:    CodeBusy,
		Message: fmt.Sprintf("a %s request is already in progress", kind),
	}
}

func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewRemoteError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeRemote,
		Message: operation + " failed",
		Err:     err,
	}
}

func NewClientUnavailableError(err error) *AppError {
	return &AppError{
		Code:    CodeClientUnavailable,
		Message: "remote store is not configured",
		Err:     err,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal server error",
		Err:     err,
	}
}

// ErrorCode returns the AppError code carried by err, or "" when err is not an AppError.
func ErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// StatusFor maps an error to the HTTP status the site answers with.
func StatusFor(err error) int {
	switch ErrorCode(err) {
	case CodeUnauthenticated:
		return fiber.StatusUnauthorized
	case CodeValidation:
		return fiber.StatusBadRequest
	case CodeBusy:
		return fiber.StatusConflict
	case CodeNotFound:
		return fiber.StatusNotFound
	case CodeRemote:
		return fiber.StatusBadGateway
	case CodeClientUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// RespondWithError creates a standardized error response
func RespondWithError(c *fiber.Ctx, status int, err error) error {
	var response ErrorResponse

	var appErr *AppError
	if errors.As(err, &appErr) {
		response = ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
		}
		if appErr.Err != nil {
			response.Details = appErr.Err.Error()
		}
	} else {
		response = ErrorResponse{
			Error: err.Error(),
		}
	}

	return c.Status(status).JSON(response)
}

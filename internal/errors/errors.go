package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error.
type ErrorType string

const (
	ErrorTypeUnrepairable   ErrorType = "UNREPAIRABLE"
	ErrorTypeStructural     ErrorType = "STRUCTURAL_ERROR"
	ErrorTypeFormatRequired ErrorType = "FORMAT_REQUIRED"
	ErrorTypeValidation     ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound       ErrorType = "NOT_FOUND"
	ErrorTypeInternal       ErrorType = "INTERNAL_ERROR"
	ErrorTypeRateLimit      ErrorType = "RATE_LIMIT"
	ErrorTypeServiceDown    ErrorType = "SERVICE_DOWN"
)

// DetailOffset is the Details key carrying the input offset at which a
// repair failed.
const DetailOffset = "offset"

// AppError represents an application error with additional context.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := e.Message
	if off, ok := e.Offset(); ok {
		msg = fmt.Sprintf("%s (at file offset 0x%x)", msg, off)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails merges details into the error.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithCode adds an error code.
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithOffset records the input offset where trouble occurred.
func (e *AppError) WithOffset(offset int64) *AppError {
	return e.WithDetails(map[string]interface{}{DetailOffset: offset})
}

// Offset returns the recorded input offset, if any.
func (e *AppError) Offset() (int64, bool) {
	off, ok := e.Details[DetailOffset].(int64)
	return off, ok
}

// New creates a new AppError.
func New(errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error.
func Wrap(err error, errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// NewUnrepairableError reports input in which no usable entry point was found.
func NewUnrepairableError(message string, offset int64) *AppError {
	return New(ErrorTypeUnrepairable, message, http.StatusUnprocessableEntity).WithOffset(offset)
}

// WrapStructuralError reports a fatal structural problem such as an
// unsupported box size or a failed seek.
func WrapStructuralError(err error, message string, offset int64) *AppError {
	return Wrap(err, ErrorTypeStructural, message, http.StatusUnprocessableEntity).WithOffset(offset)
}

// NewFormatRequiredError reports a repair that cannot proceed without a
// format code.
func NewFormatRequiredError(message string) *AppError {
	return New(ErrorTypeFormatRequired, message, http.StatusBadRequest)
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message, http.StatusBadRequest)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// NewInternalError creates an internal server error.
func NewInternalError(message string) *AppError {
	return New(ErrorTypeInternal, message, http.StatusInternalServerError)
}

// WrapInternalError wraps an error as internal server error.
func WrapInternalError(err error, message string) *AppError {
	return Wrap(err, ErrorTypeInternal, message, http.StatusInternalServerError)
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string) *AppError {
	return New(ErrorTypeRateLimit, message, http.StatusTooManyRequests)
}

// NewServiceDownError creates a service down error.
func NewServiceDownError(service string) *AppError {
	return New(ErrorTypeServiceDown, fmt.Sprintf("%s service is currently unavailable", service), http.StatusServiceUnavailable)
}

// IsAppError checks if an error is or wraps an AppError.
func IsAppError(err error) bool {
	_, ok := GetAppError(err)
	return ok
}

// GetAppError extracts AppError from an error chain.
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType reports whether err carries an AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	appErr, ok := GetAppError(err)
	return ok && appErr.Type == errType
}

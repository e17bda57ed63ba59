package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents the kind of failure a codec operation reports.
type ErrorType string

const (
	ErrorTypeConfiguration      ErrorType = "CONFIGURATION_ERROR"
	ErrorTypeDeviceBusy         ErrorType = "DEVICE_BUSY"
	ErrorTypeTransientDrain     ErrorType = "TRANSIENT_DRAIN_ERROR"
	ErrorTypeMalformedBitstream ErrorType = "MALFORMED_BITSTREAM"
	ErrorTypeEmptyInput         ErrorType = "EMPTY_INPUT"
	ErrorTypeUninitialized      ErrorType = "UNINITIALIZED"
	ErrorTypeDevice             ErrorType = "DEVICE_ERROR"
	ErrorTypeProtocolViolation  ErrorType = "PROTOCOL_VIOLATION"
	ErrorTypeValidation         ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound           ErrorType = "NOT_FOUND"
	ErrorTypeInternal           ErrorType = "INTERNAL_ERROR"
)

// Sentinels usable with errors.Is. Matching is by type only.
var (
	ErrConfiguration      = &CodecError{Type: ErrorTypeConfiguration}
	ErrDeviceBusy         = &CodecError{Type: ErrorTypeDeviceBusy}
	ErrTransientDrain     = &CodecError{Type: ErrorTypeTransientDrain}
	ErrMalformedBitstream = &CodecError{Type: ErrorTypeMalformedBitstream}
	ErrEmptyInput         = &CodecError{Type: ErrorTypeEmptyInput}
	ErrUninitialized      = &CodecError{Type: ErrorTypeUninitialized}
	ErrDevice             = &CodecError{Type: ErrorTypeDevice}
	ErrProtocolViolation  = &CodecError{Type: ErrorTypeProtocolViolation}
)

// CodecError represents a codec failure with the operation that raised it.
type CodecError struct {
	Type    ErrorType              `json:"type"`
	Op      string                 `json:"op,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

// Error implements the error interface.
func (e *CodecError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s (caused by: %v)", msg, e.Err)
	}
	return msg
}

// Unwrap returns the wrapped error.
func (e *CodecError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a CodecError of the same type.
func (e *CodecError) Is(target error) bool {
	t, ok := target.(*CodecError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// WithDetails adds details to the error.
func (e *CodecError) WithDetails(details map[string]interface{}) *CodecError {
	e.Details = details
	return e
}

// Retryable reports whether the caller may simply try again later.
func (e *CodecError) Retryable() bool {
	return e.Type == ErrorTypeTransientDrain || e.Type == ErrorTypeDeviceBusy
}

// HTTPStatus maps the error type onto a status code for the status API.
func (e *CodecError) HTTPStatus() int {
	switch e.Type {
	case ErrorTypeValidation, ErrorTypeConfiguration, ErrorTypeEmptyInput, ErrorTypeMalformedBitstream:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeDeviceBusy:
		return http.StatusConflict
	case ErrorTypeUninitialized, ErrorTypeProtocolViolation:
		return http.StatusPreconditionFailed
	case ErrorTypeTransientDrain:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new CodecError.
func New(errType ErrorType, op, message string) *CodecError {
	return &CodecError{
		Type:    errType,
		Op:      op,
		Message: message,
	}
}

// Wrap wraps an existing error.
func Wrap(err error, errType ErrorType, op, message string) *CodecError {
	return &CodecError{
		Type:    errType,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError reports that the device rejected a format.
func NewConfigurationError(op string, err error) *CodecError {
	return Wrap(err, ErrorTypeConfiguration, op, "device rejected configuration")
}

// NewDeviceBusyError reports that the hardware codec is held by another session.
func NewDeviceBusyError(op, role string) *CodecError {
	return New(ErrorTypeDeviceBusy, op, fmt.Sprintf("%s device already reserved", role))
}

// NewTransientDrainError reports a recoverable output retrieval failure.
func NewTransientDrainError(op string, err error) *CodecError {
	return Wrap(err, ErrorTypeTransientDrain, op, "output retrieval failed")
}

// NewMalformedBitstreamError reports input the decoder cannot interpret.
func NewMalformedBitstreamError(op string, err error) *CodecError {
	return Wrap(err, ErrorTypeMalformedBitstream, op, "cannot derive decoder configuration")
}

// NewEmptyInputError reports an empty input buffer.
func NewEmptyInputError(op string) *CodecError {
	return New(ErrorTypeEmptyInput, op, "input buffer is empty")
}

// NewUninitializedError reports use of an adapter before its init call.
func NewUninitializedError(op string) *CodecError {
	return New(ErrorTypeUninitialized, op, "codec not initialized")
}

// NewDeviceError wraps a hardware failure.
func NewDeviceError(op, message string, err error) *CodecError {
	return Wrap(err, ErrorTypeDevice, op, message)
}

// NewProtocolViolationError reports an internal bookkeeping invariant broken
// by the device, such as output for a timestamp that was never submitted.
func NewProtocolViolationError(op, message string) *CodecError {
	return New(ErrorTypeProtocolViolation, op, message)
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *CodecError {
	return New(ErrorTypeValidation, "", message)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(resource string) *CodecError {
	return New(ErrorTypeNotFound, "", fmt.Sprintf("%s not found", resource))
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *CodecError {
	return New(ErrorTypeInternal, "", message)
}

// WrapInternalError wraps an error as internal error.
func WrapInternalError(err error, message string) *CodecError {
	return Wrap(err, ErrorTypeInternal, "", message)
}

// IsType reports whether any error in err's chain is a CodecError of errType.
func IsType(err error, errType ErrorType) bool {
	ce, ok := GetCodecError(err)
	return ok && ce.Type == errType
}

// GetCodecError extracts the first CodecError from err's chain.
func GetCodecError(err error) (*CodecError, bool) {
	var ce *CodecError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

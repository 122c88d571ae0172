package types

import "net/http"

// Engine error codes returned to API clients
const (
	CodeValidationFailed       = "VALIDATION_FAILED"
	CodeNotFound               = "NOT_FOUND"
	CodeInsufficientFunds      = "INSUFFICIENT_FUNDS"
	CodeInsufficientHolding    = "INSUFFICIENT_HOLDING"
	CodeOrderNotModifiable     = "ORDER_NOT_MODIFIABLE"
	CodeOrderNotCancelable     = "ORDER_NOT_CANCELABLE"
	CodeIdempotencyKeyRequired = "IDEMPOTENCY_KEY_REQUIRED"
)

// Error is a caller-facing engine error. It carries the HTTP status and
// machine-readable code the response layer should surface.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func NewError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func ValidationFailed(message string) *Error {
	return NewError(http.StatusBadRequest, CodeValidationFailed, message)
}

func NotFound(message string) *Error {
	return NewError(http.StatusNotFound, CodeNotFound, message)
}

func InsufficientFunds(message string) *Error {
	return NewError(http.StatusBadRequest, CodeInsufficientFunds, message)
}

func InsufficientHolding(message string) *Error {
	return NewError(http.StatusBadRequest, CodeInsufficientHolding, message)
}

func OrderNotModifiable(message string) *Error {
	return NewError(http.StatusBadRequest, CodeOrderNotModifiable, message)
}

func OrderNotCancelable(message string) *Error {
	return NewError(http.StatusBadRequest, CodeOrderNotCancelable, message)
}

func IdempotencyKeyRequired(message string) *Error {
	return NewError(http.StatusBadRequest, CodeIdempotencyKeyRequired, message)
}

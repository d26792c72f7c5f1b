package errors

import (
	"errors"
	"fmt"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeBid          ErrorType = "bid"
	ErrorTypeStore        ErrorType = "store"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeRateLimit    ErrorType = "rate_limit"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeExternal     ErrorType = "external"
)

// Bid error codes, matching the upstream marketplace failure modes.
const (
	BidCodeDuplicateAmount = "DUPLICATE_BID_AMOUNT"
	BidCodeTooLow          = "BID_TOO_LOW"
	BidCodeAuctionEnded    = "AUCTION_ENDED"
	BidCodeOutbid          = "OUTBID"
	BidCodeServerError     = "SERVER_ERROR"
	BidCodeConnectionError = "CONNECTION_ERROR"
	BidCodeBreakerOpen     = "BREAKER_OPEN"
	BidCodeUnknown         = "UNKNOWN"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithField tags a validation error with the offending request field.
func (e *AppError) WithField(field string) *AppError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details["field"] = field
	return e
}

// Field returns the tagged request field, or "" when none was set.
func (e *AppError) Field() string {
	if e.Details == nil {
		return ""
	}
	if f, ok := e.Details["field"].(string); ok {
		return f
	}
	return ""
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
		Retryable:  false,
		StatusCode: 401,
	}
}

// NewBidError builds a bid failure with retryability derived from the code:
// only connection and upstream server failures are worth retrying.
func NewBidError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBid,
		Code:       code,
		Message:    message,
		Retryable:  code == BidCodeConnectionError || code == BidCodeServerError,
		StatusCode: 422,
	}
}

func NewStoreError(op string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeStore,
		Code:       "STORE_ERROR",
		Message:    fmt.Sprintf("store %s failed", op),
		Cause:      cause,
		Retryable:  false,
		StatusCode: 500,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeRateLimit,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    message,
		Retryable:  true,
		StatusCode: 429,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewExternalError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "EXTERNAL_SERVICE_ERROR",
		Message:    fmt.Sprintf("%s service error: %s", service, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"service": service},
	}
}

// Predefined common errors
var (
	ErrNotMonitored     = NewNotFoundError("monitored auction")
	ErrAlreadyMonitored = NewValidationError("ALREADY_MONITORED", "Auction is already being monitored")
	ErrAuctionEnded     = NewBidError(BidCodeAuctionEnded, "Auction has ended")
	ErrBidTooLow        = NewBidError(BidCodeTooLow, "Bid amount is below the minimum next bid")
	ErrBreakerOpen      = NewBidError(BidCodeBreakerOpen, "Upstream circuit breaker is open")
	ErrNoCredentials    = NewUnauthorizedError("No marketplace credentials stored")
)

// From normalizes err into an *AppError. Unrecognized errors come back as
// internal so boundary surfaces never leak raw failure text to callers.
func From(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError("internal error").WithCause(err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// BidCode extracts the bid failure code from an error chain, or
// BidCodeUnknown when the error is not a bid failure.
func BidCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Type == ErrorTypeBid {
		return appErr.Code
	}
	return BidCodeUnknown
}

package models

import "fmt"

// ErrorCode is the machine-readable code sent to streaming clients.
type ErrorCode string

const (
	ErrUnknownVenue     ErrorCode = "unknown_venue"
	ErrUnknownMarket    ErrorCode = "unknown_market"
	ErrMalformedRequest ErrorCode = "malformed_request"
	ErrRateLimited      ErrorCode = "rate_limited"
	ErrInternal         ErrorCode = "internal"
)

// ClientError is an error surfaced to a streaming client. The connection
// stays open; only the offending request fails.
type ClientError struct {
	Code    ErrorCode
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewClientError builds a ClientError with a formatted message.
func NewClientError(code ErrorCode, format string, args ...interface{}) *ClientError {
	return &ClientError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// DecodeError records a venue payload that could not be normalized. The
// message is dropped and counted; the stream continues.
type DecodeError struct {
	Venue  Venue
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: cannot decode %s: %s", e.Venue, e.Field, e.Reason)
}

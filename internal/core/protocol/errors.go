package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/zeusync/scenesync/internal/core/asset"
	"github.com/zeusync/scenesync/internal/core/scene"
)

// Core protocol errors
var (
	// Connection errors
	ErrConnectionClosed     = errors.New("connection closed")
	ErrConnectionTimeout    = errors.New("connection timeout")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMaxClientsReached    = errors.New("maximum clients reached")

	// Message errors
	ErrMessageTooLarge    = errors.New("message too large")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrRateLimited        = errors.New("rate limit exceeded")

	// Transport errors
	ErrTransportClosed = errors.New("transport closed")
	ErrListenerClosed  = errors.New("listener closed")

	// Subscription errors
	ErrNotSubscribed = errors.New("client is not subscribed to asset")

	// Generic errors
	ErrInternalError = errors.New("internal error")
)

// ErrorCode represents a numeric error code carried on the wire
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Connection error codes (1000-1999)

	ErrorCodeConnectionClosed     ErrorCode = 1001
	ErrorCodeConnectionTimeout    ErrorCode = 1002
	ErrorCodeProtocolViolation    ErrorCode = 1007
	ErrorCodeAuthenticationFailed ErrorCode = 1008
	ErrorCodeMaxClientsReached    ErrorCode = 1009

	// Message error codes (3000-3999)

	ErrorCodeMessageTooLarge    ErrorCode = 3001
	ErrorCodeInvalidMessage     ErrorCode = 3003
	ErrorCodeRateLimited        ErrorCode = 3004
	ErrorCodeUnknownMessageType ErrorCode = 3007

	// Transport error codes (7000-7999)

	ErrorCodeTransportClosed ErrorCode = 7002
	ErrorCodeListenerClosed  ErrorCode = 7006

	// Scene error codes (8000-8999)

	ErrorCodeInvalidNodeID        ErrorCode = 8001
	ErrorCodeInvalidParent        ErrorCode = 8002
	ErrorCodeCyclicMove           ErrorCode = 8003
	ErrorCodeInvalidComponent     ErrorCode = 8004
	ErrorCodeUnknownComponentType ErrorCode = 8005
	ErrorCodeUnknownCommand       ErrorCode = 8006
	ErrorCodeValidationFailure    ErrorCode = 8007
	ErrorCodeNotReady             ErrorCode = 8008
	ErrorCodeInvalidAssetID       ErrorCode = 8009
	ErrorCodeNotSubscribed        ErrorCode = 8010
	ErrorCodeResyncRequired       ErrorCode = 8011
	ErrorCodeServerClosing        ErrorCode = 8012
	ErrorCodeRevisionMismatch     ErrorCode = 8013

	// Generic error codes (9000-9999)

	ErrorCodeInternalError ErrorCode = 9003
	ErrorCodeUnknownError  ErrorCode = 9999
)

// Error represents a protocol-specific error with additional context
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp int64
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel behind e's code, so errors decoded
// from the wire still match with errors.Is.
func (e *Error) Is(target error) bool {
	if sentinel := sentinelFor(e.Code); sentinel != nil {
		return errors.Is(sentinel, target)
	}
	return false
}

// NewProtocolError creates a new protocol error
func NewProtocolError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]any),
		Timestamp: time.Now().Unix(),
	}
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsTemporary checks if the operation can be retried as is
func (e *Error) IsTemporary() bool {
	switch e.Code {
	case ErrorCodeConnectionTimeout,
		ErrorCodeRateLimited:
		return true
	default:
		return false
	}
}

// IsRetryable checks if the operation should be retried
func (e *Error) IsRetryable() bool {
	return e.IsTemporary()
}

// IsFatal checks if the error is fatal and the connection should be closed
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrorCodeConnectionClosed,
		ErrorCodeProtocolViolation,
		ErrorCodeAuthenticationFailed,
		ErrorCodeMaxClientsReached:
		return true
	default:
		return false
	}
}

type codeMapping struct {
	err  error
	code ErrorCode
}

// errorCodes is matched in order with errors.Is. Wrapping sentinels come
// before the ones they wrap.
var errorCodes = []codeMapping{
	{ErrConnectionClosed, ErrorCodeConnectionClosed},
	{ErrConnectionTimeout, ErrorCodeConnectionTimeout},
	{context.DeadlineExceeded, ErrorCodeConnectionTimeout},
	{ErrAuthenticationFailed, ErrorCodeAuthenticationFailed},
	{ErrMaxClientsReached, ErrorCodeMaxClientsReached},

	{ErrMessageTooLarge, ErrorCodeMessageTooLarge},
	{ErrInvalidMessage, ErrorCodeInvalidMessage},
	{ErrRateLimited, ErrorCodeRateLimited},
	{ErrUnknownMessageType, ErrorCodeUnknownMessageType},

	{ErrTransportClosed, ErrorCodeTransportClosed},
	{ErrListenerClosed, ErrorCodeListenerClosed},

	{scene.ErrInvalidNodeID, ErrorCodeInvalidNodeID},
	{scene.ErrCyclicMove, ErrorCodeCyclicMove},
	{scene.ErrInvalidParent, ErrorCodeInvalidParent},
	{scene.ErrInvalidComponent, ErrorCodeInvalidComponent},
	{scene.ErrUnknownComponentType, ErrorCodeUnknownComponentType},
	{scene.ErrUnknownCommand, ErrorCodeUnknownCommand},
	{scene.ErrValidationFailure, ErrorCodeValidationFailure},
	{scene.ErrNotReady, ErrorCodeNotReady},
	{scene.ErrResyncRequired, ErrorCodeResyncRequired},
	{scene.ErrRevisionMismatch, ErrorCodeRevisionMismatch},
	{asset.ErrInvalidAssetID, ErrorCodeInvalidAssetID},
	{asset.ErrClosed, ErrorCodeServerClosing},
	{ErrNotSubscribed, ErrorCodeNotSubscribed},

	{ErrInternalError, ErrorCodeInternalError},
}

func sentinelFor(code ErrorCode) error {
	for _, m := range errorCodes {
		if m.code == code {
			return m.err
		}
	}
	return nil
}

// GetErrorCode returns the error code for a given error
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeSuccess
	}

	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}

	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return ErrorCodeUnknownError
}

// WrapError wraps a standard error into a protocol error
func WrapError(err error, message string) *Error {
	return NewProtocolError(GetErrorCode(err), message, err)
}

// ErrorBody is the error part of an envelope.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewErrorBody describes err for the wire, nil for a nil error.
func NewErrorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	return &ErrorBody{Code: GetErrorCode(err), Message: err.Error()}
}

// Err turns a received error body back into an error that matches the
// original sentinel.
func (b *ErrorBody) Err() error {
	if b == nil {
		return nil
	}
	return &Error{Code: b.Code, Message: b.Message}
}

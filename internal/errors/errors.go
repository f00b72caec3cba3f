// Package errors provides the unified error taxonomy for the darkpool
// control plane, shared by the gateway, indexer, and price reporter.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

// Seven semantic error categories. Codes are grouped by category, not
// by module, since the same category surfaces from more than one
// component.
const (
	// Authn/Authz: bad HMAC, inactive key, missing header.
	ErrCodeUnauthorized     ErrorCode = "AUTHN_1001"
	ErrCodeInvalidSignature ErrorCode = "AUTHN_1002"
	ErrCodeInactiveKey      ErrorCode = "AUTHN_1003"
	ErrCodeForbidden        ErrorCode = "AUTHN_1004"

	// RateLimited: a token-bucket check returned false.
	ErrCodeRateLimitExceeded ErrorCode = "RATE_2001"

	// Validation: malformed body, unknown exchange, unsupported pair.
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeUnsupportedPair  ErrorCode = "VAL_3003"

	// UpstreamFailure: relayer 5xx, timeout, socket hangup.
	ErrCodeUpstreamFailure ErrorCode = "UPSTREAM_4001"
	ErrCodeUpstreamTimeout ErrorCode = "UPSTREAM_4002"

	// ChainRPC: transient RPC errors while decoding or fetching calldata.
	ErrCodeChainRPC ErrorCode = "CHAINRPC_5001"

	// DataCorruption: invalid selector, unknown bundle type, mismatched
	// nullifier — logged loudly, message is not deleted from the queue.
	ErrCodeInvalidSelector    ErrorCode = "CORRUPT_6001"
	ErrCodeUnknownBundleType  ErrorCode = "CORRUPT_6002"
	ErrCodeNullifierMismatch  ErrorCode = "CORRUPT_6003"
	ErrCodeInvalidPartyData   ErrorCode = "CORRUPT_6004"

	// Serde: JSON or ABI decode errors, handled identically to
	// DataCorruption.
	ErrCodeSerde ErrorCode = "SERDE_7001"

	// Internal: anything else, reduced to a generic client message.
	ErrCodeInternal      ErrorCode = "INTERNAL_9001"
	ErrCodeDatabaseError ErrorCode = "INTERNAL_9002"
)

// ServiceError represents a structured error with a code, a
// client-visible message, and an HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	// Redeliver is set for DataCorruption/ChainRPC errors encountered by
	// the indexer: the queue message must not be deleted so it retries
	// until an operator intervenes.
	Redeliver bool  `json:"-"`
	Err       error `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Authn/Authz

func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidSignature() *ServiceError {
	return New(ErrCodeInvalidSignature, "HMAC signature mismatch", http.StatusUnauthorized)
}

func InactiveKey(keyID string) *ServiceError {
	return New(ErrCodeInactiveKey, "API key is not active", http.StatusUnauthorized).WithDetails("key_id", keyID)
}

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// RateLimited

func RateLimitExceeded(bucket string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).WithDetails("bucket", bucket)
}

// Validation

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).WithDetails("parameter", param)
}

func UnsupportedPair(exchange, base, quote string) *ServiceError {
	return New(ErrCodeUnsupportedPair, "unsupported pair", http.StatusBadRequest).
		WithDetails("exchange", exchange).WithDetails("base", base).WithDetails("quote", quote)
}

// UpstreamFailure

func UpstreamFailure(service string, err error) *ServiceError {
	return Wrap(ErrCodeUpstreamFailure, "upstream request failed", http.StatusInternalServerError, err).WithDetails("service", service)
}

func UpstreamTimeout(service string) *ServiceError {
	return New(ErrCodeUpstreamTimeout, "upstream request timed out", http.StatusInternalServerError).WithDetails("service", service)
}

// ChainRPC

func ChainRPCError(operation string, err error) *ServiceError {
	e := Wrap(ErrCodeChainRPC, "chain RPC error", http.StatusServiceUnavailable, err).WithDetails("operation", operation)
	e.Redeliver = true
	return e
}

// DataCorruption

func InvalidSelector(selector string) *ServiceError {
	e := New(ErrCodeInvalidSelector, "unknown calldata selector", http.StatusUnprocessableEntity).WithDetails("selector", selector)
	e.Redeliver = true
	return e
}

func UnknownBundleType(bundleType string) *ServiceError {
	e := New(ErrCodeUnknownBundleType, "unknown settlement bundle type", http.StatusUnprocessableEntity).WithDetails("bundle_type", bundleType)
	e.Redeliver = true
	return e
}

func NullifierMismatch(nullifier string) *ServiceError {
	e := New(ErrCodeNullifierMismatch, "nullifier does not match generic object", http.StatusUnprocessableEntity).WithDetails("nullifier", nullifier)
	e.Redeliver = true
	return e
}

func InvalidPartySettlementData() *ServiceError {
	e := New(ErrCodeInvalidPartyData, "invalid party settlement data", http.StatusUnprocessableEntity)
	e.Redeliver = true
	return e
}

// Serde

func SerdeError(what string, err error) *ServiceError {
	e := Wrap(ErrCodeSerde, "decode error", http.StatusUnprocessableEntity, err).WithDetails("what", what)
	e.Redeliver = true
	return e
}

// Internal

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "database operation failed", http.StatusInternalServerError, err).WithDetails("operation", operation)
}

// Helpers

// IsServiceError reports whether err is (or wraps) a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error, defaulting to
// 500 when err is not a ServiceError.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// ShouldRedeliver reports whether a queue message that produced err
// should be left undeleted for redelivery (ChainRPC/DataCorruption/Serde).
func ShouldRedeliver(err error) bool {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Redeliver
	}
	return false
}

// errors.go: structured error definitions for the resilience pipeline
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package goresilience

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/agilira/go-errors"
)

// Error codes for the go-resilience system
const (
	// Network errors (1000-1099)
	ErrCodeNetworkError    = "NETWORK_1001"
	ErrCodeConnectionReset = "NETWORK_1002"

	// Timeout errors (1100-1199)
	ErrCodeTimeout          = "TIMEOUT_1101"
	ErrCodeCallTimeout      = "TIMEOUT_1102"
	ErrCodeHeartbeatTimeout = "TIMEOUT_1103"

	// Authentication and authorization errors (1200-1299)
	ErrCodeAuthenticationFailed = "AUTH_1201"
	ErrCodeAuthorizationDenied  = "AUTH_1202"
	ErrCodeTokenRefreshFailed   = "AUTH_1203"

	// Validation errors (1300-1399)
	ErrCodeValidationFailed = "VALIDATION_1301"

	// Upstream service errors (1400-1499)
	ErrCodeServiceError       = "SERVICE_1401"
	ErrCodeServiceUnavailable = "SERVICE_1402"

	// Circuit breaker errors (1500-1599)
	ErrCodeCircuitOpen        = "CIRCUIT_1501"
	ErrCodeCircuitCallTimeout = "CIRCUIT_1502"

	// Cache errors (1600-1699)
	ErrCodeCacheMiss       = "CACHE_1601"
	ErrCodeCacheDependency = "CACHE_1602"
	ErrCodeDependencyCycle = "CACHE_1603"
	ErrCodeWarmupFailed    = "CACHE_1604"

	// Connection management errors (1700-1799)
	ErrCodeConnectionFailed      = "CONN_1701"
	ErrCodeConnectionTimeout     = "CONN_1702"
	ErrCodeMaxReconnectsExceeded = "CONN_1703"
	ErrCodeSendWhileDisconnected = "CONN_1704"
	ErrCodeChannelClosed         = "CONN_1705"

	// Batching errors (1800-1899)
	ErrCodeBatchFailed    = "BATCH_1801"
	ErrCodeBatcherStopped = "BATCH_1802"

	// Transport cascade errors (1900-1999)
	ErrCodeTransportOffline   = "TRANSPORT_1901"
	ErrCodePollingFailed      = "TRANSPORT_1902"
	ErrCodePushSubscribeError = "TRANSPORT_1903"

	// Data retrieval errors (2000-2099)
	ErrCodeDataUnavailable = "DATA_2001"

	// Configuration management errors (2100-2199)
	ErrCodeConfigValidationError = "CONFIG_2101"
	ErrCodeConfigParseError      = "CONFIG_2102"
	ErrCodeConfigWatcherError    = "CONFIG_2103"
)

// ErrorClass partitions failures into the classes that drive retry,
// degradation, and propagation policy.
//
// Classification rules:
//   - ClassNetwork and ClassTimeout escalate degradation up to significant
//   - ClassService escalates degradation up to critical
//   - ClassAuthentication is retried once after a token refresh
//   - ClassAuthorization and ClassValidation pass through untouched
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassNetwork
	ClassTimeout
	ClassAuthentication
	ClassAuthorization
	ClassValidation
	ClassService
)

// String returns a human-readable representation of the error class.
func (c ErrorClass) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassTimeout:
		return "timeout"
	case ClassAuthentication:
		return "authentication"
	case ClassAuthorization:
		return "authorization"
	case ClassValidation:
		return "validation"
	case ClassService:
		return "service"
	default:
		return "unknown"
	}
}

// Recoverable reports whether this layer may retry or degrade around the
// error. Authorization and validation failures are the caller's problem and
// are never retried here.
func (c ErrorClass) Recoverable() bool {
	switch c {
	case ClassNetwork, ClassTimeout, ClassService, ClassAuthentication:
		return true
	default:
		return false
	}
}

// Network error constructors

func NewNetworkError(cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeNetworkError, "Network error").
		WithUserMessage("Could not reach the analytics service").
		WithSeverity("warning").
		AsRetryable()
}

func NewConnectionResetError(cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConnectionReset, "Connection reset").
		WithUserMessage("The connection to the analytics service was reset").
		WithSeverity("warning").
		AsRetryable()
}

// Timeout error constructors

func NewTimeoutError(operation string, timeout time.Duration) *errors.Error {
	return errors.New(ErrCodeTimeout, "Operation timeout").
		WithUserMessage("The operation exceeded its deadline").
		WithContext("operation", operation).
		WithContext("timeout", timeout.String()).
		WithSeverity("warning").
		AsRetryable()
}

func NewHeartbeatTimeoutError(missed int) *errors.Error {
	return errors.New(ErrCodeHeartbeatTimeout, "Heartbeat timeout").
		WithUserMessage("The live channel stopped answering heartbeats").
		WithContext("missed_heartbeats", missed).
		WithSeverity("warning").
		AsRetryable()
}

// Authentication and authorization error constructors

func NewAuthenticationError(cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeAuthenticationFailed, "Authentication failed").
		WithUserMessage("Your session has expired, please sign in again").
		WithSeverity("warning")
}

func NewAuthorizationError(resource string) *errors.Error {
	return errors.New(ErrCodeAuthorizationDenied, "Authorization denied").
		WithUserMessage("You do not have access to this data").
		WithContext("resource", resource).
		WithSeverity("warning")
}

func NewTokenRefreshError(cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeTokenRefreshFailed, "Token refresh failed").
		WithUserMessage("Could not refresh the session token").
		WithSeverity("error")
}

// Validation error constructor

func NewValidationError(message string) *errors.Error {
	return errors.New(ErrCodeValidationFailed, "Validation failed: "+message).
		WithUserMessage("The request parameters are invalid").
		WithSeverity("error")
}

// Upstream service error constructors

func NewServiceError(statusCode int, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeServiceError, "Upstream service error").
		WithUserMessage("The analytics service reported an internal error").
		WithContext("status_code", statusCode).
		WithSeverity("warning").
		AsRetryable()
}

// NewServiceErrorWithRetryAfter attaches a server-provided retry-after hint
// that backoff calculations must respect.
func NewServiceErrorWithRetryAfter(statusCode int, retryAfter time.Duration, cause error) error {
	serviceErr := errors.Wrap(cause, ErrCodeServiceError, "Upstream service error").
		WithUserMessage("The analytics service is overloaded, retrying later").
		WithContext("status_code", statusCode).
		WithSeverity("warning").
		AsRetryable()
	return WithRetryAfter(serviceErr, retryAfter)
}

// Circuit breaker error constructors

func NewCircuitOpenError(operation string) *errors.Error {
	return errors.New(ErrCodeCircuitOpen, "Circuit breaker open").
		WithUserMessage("Requests are paused while the service recovers").
		WithContext("operation", operation).
		WithSeverity("warning")
}

func NewCircuitCallTimeoutError(operation string, timeout time.Duration) *errors.Error {
	return errors.New(ErrCodeCircuitCallTimeout, "Circuit breaker call timeout").
		WithUserMessage("The service took too long to respond").
		WithContext("operation", operation).
		WithContext("timeout", timeout.String()).
		WithSeverity("warning").
		AsRetryable()
}

// Cache error constructors

func NewDependencyCycleError(key string) *errors.Error {
	return errors.New(ErrCodeDependencyCycle, "Cache dependency cycle").
		WithUserMessage("Cache dependency graph contains a cycle").
		WithContext("key", key).
		WithSeverity("error")
}

func NewWarmupFailedError(key string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeWarmupFailed, "Cache warmup failed").
		WithUserMessage("Could not pre-load cached data").
		WithContext("key", key).
		WithSeverity("warning")
}

// Connection management error constructors

func NewConnectionFailedError(cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConnectionFailed, "Connection failed").
		WithUserMessage("Could not establish the live connection").
		WithSeverity("warning").
		AsRetryable()
}

func NewConnectionTimeoutError(timeout time.Duration) *errors.Error {
	return errors.New(ErrCodeConnectionTimeout, "Connection timeout").
		WithUserMessage("The live connection did not open in time").
		WithContext("timeout", timeout.String()).
		WithSeverity("warning").
		AsRetryable()
}

func NewMaxReconnectsExceededError(attempts int) *errors.Error {
	return errors.New(ErrCodeMaxReconnectsExceeded, "Maximum reconnection attempts exceeded").
		WithUserMessage("The live connection could not be restored").
		WithContext("attempts", attempts).
		WithSeverity("error")
}

func NewChannelClosedError(code int, reason string) *errors.Error {
	return errors.New(ErrCodeChannelClosed, "Channel closed").
		WithUserMessage("The live connection was closed").
		WithContext("close_code", code).
		WithContext("reason", reason).
		WithSeverity("warning").
		AsRetryable()
}

func NewSendWhileDisconnectedError() *errors.Error {
	return errors.New(ErrCodeSendWhileDisconnected, "Send rejected, connection shut down").
		WithUserMessage("The live connection is closed").
		WithSeverity("warning")
}

func NewConnectionManagerStoppedError() *errors.Error {
	return errors.New(ErrCodeConnectionFailed, "Connection manager stopped").
		WithUserMessage("The connection manager is shut down").
		WithSeverity("warning")
}

// Batching error constructors

func NewBatchFailedError(endpoint string, size int, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeBatchFailed, "Batch execution failed").
		WithUserMessage("A batched request to the analytics service failed").
		WithContext("endpoint", endpoint).
		WithContext("batch_size", size).
		WithSeverity("warning").
		AsRetryable()
}

func NewBatcherStoppedError() *errors.Error {
	return errors.New(ErrCodeBatcherStopped, "Batcher stopped").
		WithUserMessage("The request pipeline is shutting down").
		WithSeverity("warning")
}

// Transport cascade error constructors

func NewTransportOfflineError() *errors.Error {
	return errors.New(ErrCodeTransportOffline, "All transports offline").
		WithUserMessage("No connection to the analytics service is available").
		WithSeverity("error")
}

func NewPollingFailedError(endpoint string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodePollingFailed, "Polling failed").
		WithUserMessage("Periodic data refresh failed").
		WithContext("endpoint", endpoint).
		WithSeverity("warning").
		AsRetryable()
}

func NewPushSubscribeError(cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodePushSubscribeError, "Push subscription failed").
		WithUserMessage("Could not subscribe to the fallback update channel").
		WithSeverity("warning").
		AsRetryable()
}

// Data retrieval error constructor

func NewDataUnavailableError(key string, level DegradationLevel) *errors.Error {
	return errors.New(ErrCodeDataUnavailable, "Data unavailable").
		WithUserMessage("No live, cached, or fallback data is available").
		WithContext("key", key).
		WithContext("degradation_level", level.String()).
		WithSeverity("error")
}

// Configuration management error constructors

func NewConfigValidationError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeConfigValidationError, "Configuration validation error: "+message).
			WithUserMessage("Configuration validation failed").
			WithSeverity("error")
	}
	return errors.New(ErrCodeConfigValidationError, "Configuration validation error: "+message).
		WithUserMessage("Configuration validation failed").
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParseError, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigWatcherError, "Configuration watcher error: "+message).
		WithUserMessage("Configuration monitoring failed").
		WithSeverity("error")
}

// ClassifyError maps an error to the class that drives retry, degradation,
// and propagation decisions. Structured error codes are checked first, then
// standard context errors, then common message patterns as a fallback for
// errors produced outside this library.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var structured *errors.Error
	if stderrors.As(err, &structured) {
		if class, ok := classByCode(string(structured.Code)); ok {
			return class
		}
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	return classByMessage(err)
}

// classByCode maps structured error codes onto error classes.
func classByCode(code string) (ErrorClass, bool) {
	switch {
	case strings.HasPrefix(code, "NETWORK_"),
		code == ErrCodeConnectionFailed,
		code == ErrCodeChannelClosed,
		code == ErrCodePollingFailed,
		code == ErrCodePushSubscribeError:
		return ClassNetwork, true
	case strings.HasPrefix(code, "TIMEOUT_"),
		code == ErrCodeCircuitCallTimeout,
		code == ErrCodeConnectionTimeout:
		return ClassTimeout, true
	case code == ErrCodeAuthenticationFailed, code == ErrCodeTokenRefreshFailed:
		return ClassAuthentication, true
	case code == ErrCodeAuthorizationDenied:
		return ClassAuthorization, true
	case strings.HasPrefix(code, "VALIDATION_"):
		return ClassValidation, true
	case strings.HasPrefix(code, "SERVICE_"), code == ErrCodeBatchFailed:
		return ClassService, true
	default:
		return ClassUnknown, false
	}
}

// classByMessage checks common error message patterns from transports and
// standard library errors that were not wrapped in structured codes.
func classByMessage(err error) ErrorClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ClassTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network unreachable"),
		strings.Contains(msg, "no such host"):
		return ClassNetwork
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "authentication failed"),
		strings.Contains(msg, "invalid credentials"):
		return ClassAuthentication
	case strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "access denied"):
		return ClassAuthorization
	case strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "bad gateway"):
		return ClassService
	default:
		return ClassUnknown
	}
}

// IsCircuitOpen reports whether the error is a fail-fast rejection from an
// open circuit breaker.
func IsCircuitOpen(err error) bool {
	var structured *errors.Error
	return stderrors.As(err, &structured) && string(structured.Code) == ErrCodeCircuitOpen
}

// retryAfterError carries a server-provided retry-after hint alongside the
// wrapped error so backoff calculations can respect it.
type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }

func (e *retryAfterError) Unwrap() error { return e.err }

// WithRetryAfter wraps err with a server-provided retry-after hint.
// A non-positive hint returns err unchanged.
func WithRetryAfter(err error, after time.Duration) error {
	if err == nil || after <= 0 {
		return err
	}
	return &retryAfterError{err: err, after: after}
}

// RetryAfterHint extracts a server-provided retry-after hint from an error
// chain, if present. Backoff calculations use the hint when it exceeds the
// computed delay.
func RetryAfterHint(err error) (time.Duration, bool) {
	var hinted *retryAfterError
	if stderrors.As(err, &hinted) {
		return hinted.after, true
	}
	return 0, false
}

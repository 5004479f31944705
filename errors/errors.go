// Package errors provides standardized error handling for gateway components.
// It includes error classification, standard error variables, and helper
// functions for consistent error wrapping across the acquisition pipeline.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransport represents device/protocol I/O failures; the pipeline
	// degrades the affected points to Bad quality and keeps running
	ErrorTransport ErrorClass = iota
	// ErrorCapacity represents pool-saturation conditions; the executor
	// treats these as skip-this-cycle, never fatal
	ErrorCapacity
	// ErrorConfiguration represents missing or invalid channel/protocol
	// parameters discovered at connection-factory time
	ErrorConfiguration
	// ErrorDistribution represents per-sink delivery failures; isolated per
	// sink and per connection, never propagated to the caller
	ErrorDistribution
	// ErrorInvalid represents invalid calls from the immediate caller
	// (unknown point id, unregistered scan rate)
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop the gateway
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransport:
		return "transport"
	case ErrorCapacity:
		return "capacity"
	case ErrorConfiguration:
		return "configuration"
	case ErrorDistribution:
		return "distribution"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection pool errors
	ErrPoolExhausted    = errors.New("connection pool exhausted")
	ErrPoolClosed       = errors.New("connection pool closed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrUnhealthy        = errors.New("connection failed health check")
	ErrAcquireTimeout   = errors.New("timed out waiting for pool slot")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrProtocolUnknown  = errors.New("protocol type not registered")
	ErrNotConnected     = errors.New("device not connected")

	// Scheduling and cache errors
	ErrPointNotScheduled = errors.New("point not scheduled")
	ErrPointNotCached    = errors.New("point not cached")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Distribution errors
	ErrSinkUnavailable = errors.New("transport sink unavailable")
	ErrSendBufferFull  = errors.New("connection send buffer full")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// classOf extracts the class of a classified error, or ok=false
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// IsCapacity checks if an error is a pool-saturation condition that the
// executor should treat as skip-this-cycle
func IsCapacity(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorCapacity
	}
	return errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrAcquireTimeout)
}

// IsTransport checks if an error is a device/protocol I/O failure
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransport
	}
	if errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrUnhealthy) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Fall back to message inspection for errors raised inside protocol
	// libraries that we cannot classify structurally
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "broken pipe", "reset by peer", "refused", "eof"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsConfiguration checks if an error stems from bad channel/protocol parameters
func IsConfiguration(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorConfiguration
	}
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrProtocolUnknown)
}

// IsFatal checks if an error is fatal and should stop the gateway
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return false
}

// Classify returns the error class for an error. Unknown errors default to
// transport so the pipeline degrades instead of stopping.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransport
	}
	if class, ok := classOf(err); ok {
		return class
	}
	switch {
	case IsCapacity(err):
		return ErrorCapacity
	case IsConfiguration(err):
		return ErrorConfiguration
	case IsTransport(err):
		return ErrorTransport
	default:
		return ErrorTransport
	}
}

// newClassified creates a new classified error.
// This is an internal helper - use the Wrap* functions instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransport wraps an error as a transport failure with context
func WrapTransport(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransport, wrappedErr, component, method, wrappedErr.Error())
}

// WrapCapacity wraps an error as a capacity condition with context
func WrapCapacity(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorCapacity, wrappedErr, component, method, wrappedErr.Error())
}

// WrapConfiguration wraps an error as a configuration failure with context
func WrapConfiguration(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorConfiguration, wrappedErr, component, method, wrappedErr.Error())
}

// WrapDistribution wraps an error as a per-sink delivery failure with context
func WrapDistribution(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorDistribution, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as an invalid call with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

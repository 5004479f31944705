package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransport, "transport"},
		{ErrorCapacity, "capacity"},
		{ErrorConfiguration, "configuration"},
		{ErrorDistribution, "distribution"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsCapacity(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"pool exhausted", ErrPoolExhausted, true},
		{"acquire timeout", ErrAcquireTimeout, true},
		{"wrapped pool exhausted", fmt.Errorf("get: %w", ErrPoolExhausted), true},
		{"connection lost", ErrConnectionLost, false},
		{"classified capacity", &ClassifiedError{Class: ErrorCapacity, Err: fmt.Errorf("test")}, true},
		{"classified transport", &ClassifiedError{Class: ErrorTransport, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsCapacity(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsTransport(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection lost", ErrConnectionLost, true},
		{"unhealthy", ErrUnhealthy, true},
		{"not connected", ErrNotConnected, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"timeout in message", fmt.Errorf("modbus: read timeout"), true},
		{"refused in message", fmt.Errorf("dial tcp: connection refused"), true},
		{"invalid config", ErrInvalidConfig, false},
		{"classified transport", &ClassifiedError{Class: ErrorTransport, Err: fmt.Errorf("test")}, true},
		{"classified configuration", &ClassifiedError{Class: ErrorConfiguration, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransport(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsConfiguration(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"unknown protocol", ErrProtocolUnknown, true},
		{"connection lost", ErrConnectionLost, false},
		{"classified configuration", &ClassifiedError{Class: ErrorConfiguration, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsConfiguration(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"capacity sentinel", ErrAcquireTimeout, ErrorCapacity},
		{"configuration sentinel", ErrMissingConfig, ErrorConfiguration},
		{"transport sentinel", ErrConnectionLost, ErrorTransport},
		{"unknown defaults to transport", fmt.Errorf("something odd"), ErrorTransport},
		{"classified distribution", &ClassifiedError{Class: ErrorDistribution, Err: fmt.Errorf("test")}, ErrorDistribution},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %s, got %s for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")

	err := Wrap(base, "ConnectionPool", "Get", "create connection")
	if err == nil {
		t.Fatal("expected non-nil error")
	}
	if !strings.Contains(err.Error(), "ConnectionPool.Get: create connection failed") {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, base) {
		t.Error("wrapped error should unwrap to base")
	}
	if Wrap(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		check func(error) bool
	}{
		{"transport", WrapTransport, IsTransport},
		{"capacity", WrapCapacity, IsCapacity},
		{"configuration", WrapConfiguration, IsConfiguration},
		{"fatal", WrapFatal, IsFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.wrap(base, "Component", "Method", "action")
			if err == nil {
				t.Fatal("expected non-nil error")
			}
			if !test.check(err) {
				t.Errorf("classification check failed for %s", test.name)
			}
			if !errors.Is(err, base) {
				t.Error("classified error should unwrap to base")
			}
			if test.wrap(nil, "a", "b", "c") != nil {
				t.Error("wrapping nil should return nil")
			}
		})
	}
}

func TestWrapDistribution(t *testing.T) {
	err := WrapDistribution(errors.New("send failed"), "Dispatcher", "distribute", "sink delivery")
	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Class != ErrorDistribution {
		t.Errorf("expected distribution class, got %s", ce.Class)
	}
	if ce.Component != "Dispatcher" {
		t.Errorf("expected component Dispatcher, got %s", ce.Component)
	}
}

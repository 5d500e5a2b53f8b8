// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrAlertNotFound      = errors.New("alert not found")
	ErrEscalationNotFound = errors.New("escalation not found")
	ErrEntryNotFound      = errors.New("queue entry not found")
	ErrAttemptNotFound    = errors.New("purchase attempt not found")
	ErrConflict           = errors.New("state changed concurrently")
	ErrMissingRecipient   = errors.New("missing recipient")
	ErrChannelDisabled    = errors.New("channel disabled")
	ErrUnknownPlatform    = errors.New("no adapter for platform")
	ErrRateLimited        = errors.New("rate limited")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrDatabaseError      = errors.New("database error")
)

// FailureClass partitions adapter failures per the retry policy: transient
// failures are retried with backoff, permanent failures terminate
// immediately, policy outcomes are rescheduled or dropped and never count
// as failures.
type FailureClass string

const (
	ClassTransient FailureClass = "transient"
	ClassPermanent FailureClass = "permanent"
	ClassPolicy    FailureClass = "policy"
)

// Classify maps a raw adapter failure reason to its class. Classification
// happens only at the orchestrator/dispatcher boundary; adapters return raw
// reasons. Unknown reasons are treated as transient so a new platform error
// string never becomes a silent permanent failure.
func Classify(reason string) FailureClass {
	switch reason {
	case "timeout", "rate_limited", "temporary_unavailable":
		return ClassTransient
	case "sold_out", "invalid_payment", "price_changed_beyond_threshold", "malformed_recipient":
		return ClassPermanent
	case "quiet_hours_deferred", "rate_limit_dropped":
		return ClassPolicy
	}
	return ClassTransient
}

// AdapterError represents an error from a platform purchase adapter.
type AdapterError struct {
	Platform string
	Reason   string
	Err      error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("platform error [%s]: %s: %v", e.Platform, e.Reason, e.Err)
	}
	return fmt.Sprintf("platform error [%s]: %s", e.Platform, e.Reason)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError.
func NewAdapterError(platform, reason string, err error) *AdapterError {
	return &AdapterError{
		Platform: platform,
		Reason:   reason,
		Err:      err,
	}
}

// DispatchError represents a failure to deliver through a notification
// channel.
type DispatchError struct {
	Channel string
	Target  string
	Reason  string
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch error [%s] %s: %s: %v", e.Channel, e.Target, e.Reason, e.Err)
	}
	return fmt.Sprintf("dispatch error [%s] %s: %s", e.Channel, e.Target, e.Reason)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// NewDispatchError creates a new DispatchError.
func NewDispatchError(channel, target, reason string, err error) *DispatchError {
	return &DispatchError{
		Channel: channel,
		Target:  target,
		Reason:  reason,
		Err:     err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

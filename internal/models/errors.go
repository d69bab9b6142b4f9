package models

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an invalid tunable. It is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// NewConfigurationError creates a ConfigurationError for field.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StorageError reports a persistence failure in the seen store or the
// durable queue. The affected record is left in its pre-operation state.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err for op. A nil err yields nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// TransientDispatchError is a recoverable remote failure (rate limited,
// timeout, 5xx). The scheduler retries it with backoff.
type TransientDispatchError struct {
	Reason string
	Err    error
}

func (e *TransientDispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient dispatch failure: %s: %v", e.Reason, e.Err)
	}
	return "transient dispatch failure: " + e.Reason
}

func (e *TransientDispatchError) Unwrap() error {
	return e.Err
}

// PermanentDispatchError is an unrecoverable remote failure (deleted
// target, rejected payload). The group is abandoned without retry.
type PermanentDispatchError struct {
	Reason string
	Err    error
}

func (e *PermanentDispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent dispatch failure: %s: %v", e.Reason, e.Err)
	}
	return "permanent dispatch failure: " + e.Reason
}

func (e *PermanentDispatchError) Unwrap() error {
	return e.Err
}

// Outcome is the classified result of one dispatch.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

// Classify maps a dispatch error to its outcome. Errors that are not a
// PermanentDispatchError are treated as transient.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var perm *PermanentDispatchError
	if errors.As(err, &perm) {
		return OutcomePermanent
	}
	return OutcomeTransient
}

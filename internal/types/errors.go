package types

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes a failure for retry policy mapping.
type ErrorKind int

const (
	// ErrKindTransient covers network errors, 5xx responses and timeouts.
	// The queue retries these with exponential backoff.
	ErrKindTransient ErrorKind = iota
	// ErrKindPermanent covers 4xx validation failures and contract
	// violations. Never retried.
	ErrKindPermanent
	// ErrKindSafety marks a condition that forbids continued operation
	// and triggers an emergency shutdown.
	ErrKindSafety
	// ErrKindPartial marks a dual-sink write where one sink failed but
	// the operation still succeeded overall.
	ErrKindPartial
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransient:
		return "transient"
	case ErrKindPermanent:
		return "permanent"
	case ErrKindSafety:
		return "safety"
	case ErrKindPartial:
		return "partial"
	}
	return "unknown"
}

// CoreError is a typed error carrying the retry classification.
type CoreError struct {
	Kind        ErrorKind
	EquipmentID string
	Message     string
	Cause       error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CoreError) Unwrap() error {
	return e.Cause
}

// NewTransientError wraps a retryable failure.
func NewTransientError(equipmentID string, cause error) *CoreError {
	return &CoreError{Kind: ErrKindTransient, EquipmentID: equipmentID, Message: cause.Error(), Cause: cause}
}

// NewPermanentError creates a non-retryable failure.
func NewPermanentError(equipmentID, message string) *CoreError {
	return &CoreError{Kind: ErrKindPermanent, EquipmentID: equipmentID, Message: message}
}

// NewSafetyError creates a safety-condition failure.
func NewSafetyError(equipmentID, message string) *CoreError {
	return &CoreError{Kind: ErrKindSafety, EquipmentID: equipmentID, Message: message}
}

// AsCoreError attempts to convert err to a CoreError. Returns nil if not
// possible.
func AsCoreError(err error) *CoreError {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// IsTransient checks whether err should be retried. Unclassified errors
// default to transient so that I/O hiccups are not dropped on the floor.
func IsTransient(err error) bool {
	ce := AsCoreError(err)
	if ce == nil {
		return true
	}
	return ce.Kind == ErrKindTransient
}

// IsPermanent checks whether err is a terminal failure.
func IsPermanent(err error) bool {
	ce := AsCoreError(err)
	return ce != nil && ce.Kind == ErrKindPermanent
}

// IsSafety checks whether err is a safety condition.
func IsSafety(err error) bool {
	ce := AsCoreError(err)
	return ce != nil && ce.Kind == ErrKindSafety
}

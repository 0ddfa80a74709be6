package models

import (
	"fmt"
	"time"
)

// ErrorKind classifies a generation failure. The view layer decides
// messaging and the recovery action from the kind alone; it never
// inspects raw transport errors.
type ErrorKind string

const (
	// ErrValidation means input failed local checks and nothing was sent
	ErrValidation ErrorKind = "validation"
	// ErrQuotaExceeded means the server reported zero remaining generations
	ErrQuotaExceeded ErrorKind = "quota_exceeded"
	// ErrGeneration means the backend accepted the job but generation failed
	ErrGeneration ErrorKind = "generation_failed"
	// ErrTimeout means the extended client timeout elapsed with no
	// response. The job may still have succeeded server-side, so quota
	// may have been spent.
	ErrTimeout ErrorKind = "transport_timeout"
	// ErrPersistence means the save/publish call failed after a
	// successful generation; the result payload is retained.
	ErrPersistence ErrorKind = "persistence_failed"
)

// RecoveryAction is the single primary recovery offered for an error kind
type RecoveryAction string

const (
	// RecoveryReset resets to idle for a fresh user-initiated attempt
	RecoveryReset RecoveryAction = "reset"
	// RecoveryRetrySave re-invokes the persister with the retained result
	RecoveryRetrySave RecoveryAction = "retry_save"
	// RecoveryWait offers no retry until the quota window resets
	RecoveryWait RecoveryAction = "wait"
)

// GenError is a classified generation error
type GenError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	ResetsAt   time.Time // set for quota errors when the backend provides it
}

func (e *GenError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Recovery returns the primary recovery action for this error kind
func (e *GenError) Recovery() RecoveryAction {
	switch e.Kind {
	case ErrPersistence:
		return RecoveryRetrySave
	case ErrQuotaExceeded:
		return RecoveryWait
	default:
		return RecoveryReset
	}
}

// NewValidationError builds a local-validation error
func NewValidationError(format string, args ...any) *GenError {
	return &GenError{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// NewQuotaError builds a quota-exhaustion error
func NewQuotaError(message string, resetsAt time.Time) *GenError {
	return &GenError{Kind: ErrQuotaExceeded, Message: message, ResetsAt: resetsAt}
}

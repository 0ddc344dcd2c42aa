package model

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// ErrCodeSchema: missing table, column or primary key. Fatal, raised
	// before any row work.
	ErrCodeSchema ErrorCode = "SCHEMA_ERROR"

	// ErrCodeConnection: the store or the remote peer is unreachable.
	// Fatal unless marked transient.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeConstraint: a row-level write failed. Governed by the error
	// resolution policy.
	ErrCodeConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// ErrCodeConflictResolution: a conflict handler failed or chose Throw.
	ErrCodeConflictResolution ErrorCode = "CONFLICT_RESOLUTION_ERROR"

	// ErrCodeOutOfDate: the client's watermark is below the server's last
	// cleanup watermark. Recoverable only by reinitializing.
	ErrCodeOutOfDate ErrorCode = "OUT_OF_DATE"

	// ErrCodeRollback: a handler asked to abort the session.
	ErrCodeRollback ErrorCode = "ROLLBACK"

	// ErrCodeInternal covers everything else.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// SyncError is the single error type of the engine's taxonomy.
type SyncError struct {
	Code    ErrorCode
	Message string

	// Table is set for row and schema errors.
	Table string

	// Transient marks failures the adapter considers retryable without a
	// policy decision (locks, busy store, dropped connection).
	Transient bool

	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Table != "" {
		msg = fmt.Sprintf("%s (table=%s)", msg, e.Table)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSchemaError creates a SCHEMA_ERROR.
func NewSchemaError(table, message string) *SyncError {
	return &SyncError{Code: ErrCodeSchema, Table: table, Message: message}
}

// NewConstraintError wraps a row-level write failure.
func NewConstraintError(table string, err error) *SyncError {
	return &SyncError{Code: ErrCodeConstraint, Table: table, Message: "row write failed", Err: err}
}

// NewConnectionError wraps a store or transport failure.
func NewConnectionError(transient bool, err error) *SyncError {
	return &SyncError{Code: ErrCodeConnection, Message: "connection failed", Transient: transient, Err: err}
}

// NewOutOfDateError reports a client whose watermark predates the last cleanup.
func NewOutOfDateError(clientWatermark, cleanupWatermark int64) *SyncError {
	msg := fmt.Sprintf("client watermark %d is older than cleanup watermark %d", clientWatermark, cleanupWatermark)
	return &SyncError{Code: ErrCodeOutOfDate, Message: msg}
}

// NewConflictResolutionError wraps a failing conflict handler.
func NewConflictResolutionError(table string, err error) *SyncError {
	return &SyncError{Code: ErrCodeConflictResolution, Table: table, Message: "conflict resolution failed", Err: err}
}

// NewRollbackError reports a session aborted on purpose.
func NewRollbackError(message string) *SyncError {
	return &SyncError{Code: ErrCodeRollback, Message: message}
}

// CodeOf returns the error code of err, or empty if err is not a SyncError.
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsOutOfDate reports whether err is an OUT_OF_DATE error.
func IsOutOfDate(err error) bool {
	return CodeOf(err) == ErrCodeOutOfDate
}

// IsConstraintViolation reports whether err is a row-level write failure.
func IsConstraintViolation(err error) bool {
	return CodeOf(err) == ErrCodeConstraint
}

// IsSchemaError reports whether err is a SCHEMA_ERROR.
func IsSchemaError(err error) bool {
	return CodeOf(err) == ErrCodeSchema
}

// IsConflictResolutionError reports whether err came from conflict resolution.
func IsConflictResolutionError(err error) bool {
	return CodeOf(err) == ErrCodeConflictResolution
}

// IsTransient reports whether err may be retried without a policy decision.
func IsTransient(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}

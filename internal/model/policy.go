package model

import "fmt"

// TransactionMode sets the transactional scope used while applying changes.
type TransactionMode string

const (
	// TransactionNone runs each statement on its own, without a wrapping transaction.
	TransactionNone TransactionMode = "none"

	// TransactionPerBatch opens one transaction per batch part.
	TransactionPerBatch TransactionMode = "per_batch"

	// TransactionAllOrNothing opens one transaction for the whole apply (default).
	TransactionAllOrNothing TransactionMode = "all_or_nothing"
)

// ParseTransactionMode validates a mode string. Empty means all-or-nothing.
func ParseTransactionMode(s string) (TransactionMode, error) {
	switch TransactionMode(s) {
	case "", TransactionAllOrNothing:
		return TransactionAllOrNothing, nil
	case TransactionNone, TransactionPerBatch:
		return TransactionMode(s), nil
	default:
		return "", fmt.Errorf("invalid transaction mode %q: must be none, per_batch or all_or_nothing", s)
	}
}

// ErrorAction is the error resolution policy applied when a row fails to apply.
type ErrorAction string

const (
	// ErrorThrow aborts the session; nothing from it is persisted (default).
	ErrorThrow ErrorAction = "throw"

	// ErrorContinueOnError marks the row failed, keeps it in an ERROR batch
	// part and continues.
	ErrorContinueOnError ErrorAction = "continue_on_error"

	// ErrorRetryOneMoreTimeAndThrow retries once, then behaves as ErrorThrow.
	ErrorRetryOneMoreTimeAndThrow ErrorAction = "retry_one_more_time_and_throw"

	// ErrorRetryOneMoreTimeAndContinue retries once, then behaves as
	// ErrorContinueOnError.
	ErrorRetryOneMoreTimeAndContinue ErrorAction = "retry_one_more_time_and_continue"

	// ErrorRetryOnNextSync keeps the row in an ERROR batch that is reloaded
	// and retried before new changes are selected on the next session.
	ErrorRetryOnNextSync ErrorAction = "retry_on_next_sync"
)

// ParseErrorAction validates an error policy string. Empty means throw.
func ParseErrorAction(s string) (ErrorAction, error) {
	switch ErrorAction(s) {
	case "", ErrorThrow:
		return ErrorThrow, nil
	case ErrorContinueOnError, ErrorRetryOneMoreTimeAndThrow,
		ErrorRetryOneMoreTimeAndContinue, ErrorRetryOnNextSync:
		return ErrorAction(s), nil
	default:
		return "", fmt.Errorf("invalid error policy %q", s)
	}
}

// SyncType selects how a session treats the client's local state.
type SyncType string

const (
	// SyncNormal runs an incremental session.
	SyncNormal SyncType = "normal"

	// SyncReinitialize discards unsent local rows and re-seeds from the server.
	SyncReinitialize SyncType = "reinitialize"

	// SyncReinitializeWithUpload uploads unsent local rows, then re-seeds.
	SyncReinitializeWithUpload SyncType = "reinitialize_with_upload"
)

// IsReinitialize reports whether the session re-seeds the client.
func (t SyncType) IsReinitialize() bool {
	return t == SyncReinitialize || t == SyncReinitializeWithUpload
}

// ParseSyncType validates a sync type string. Empty means normal.
func ParseSyncType(s string) (SyncType, error) {
	switch SyncType(s) {
	case "":
		return SyncNormal, nil
	case SyncNormal, SyncReinitialize, SyncReinitializeWithUpload:
		return SyncType(s), nil
	default:
		return "", fmt.Errorf("invalid sync type %q", s)
	}
}

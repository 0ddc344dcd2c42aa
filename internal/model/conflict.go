package model

import "fmt"

// ConflictType classifies a conflict by the existence and state of both sides.
type ConflictType string

const (
	ConflictRemoteExistsLocalExists       ConflictType = "RemoteExistsLocalExists"
	ConflictRemoteIsDeletedLocalExists    ConflictType = "RemoteIsDeletedLocalExists"
	ConflictRemoteExistsLocalIsDeleted    ConflictType = "RemoteExistsLocalIsDeleted"
	ConflictRemoteIsDeletedLocalIsDeleted ConflictType = "RemoteIsDeletedLocalIsDeleted"
	ConflictRemoteIsDeletedLocalNotExists ConflictType = "RemoteIsDeletedLocalNotExists"
)

// ConflictPolicy is the default resolution applied when no handler overrides it.
type ConflictPolicy string

const (
	// PolicyServerWins keeps the server's version (default).
	PolicyServerWins ConflictPolicy = "server_wins"
	// PolicyClientWins keeps the client's version.
	PolicyClientWins ConflictPolicy = "client_wins"
)

// ParseConflictPolicy validates a policy string. Empty means server wins.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case "", PolicyServerWins:
		return PolicyServerWins, nil
	case PolicyClientWins:
		return PolicyClientWins, nil
	default:
		return "", fmt.Errorf("invalid conflict policy %q: must be server_wins or client_wins", s)
	}
}

// ConflictResolution is the decision taken for one conflict.
type ConflictResolution string

const (
	ResolutionServerWins ConflictResolution = "ServerWins"
	ResolutionClientWins ConflictResolution = "ClientWins"

	// ResolutionMergeRow writes Conflict.FinalRow.
	ResolutionMergeRow ConflictResolution = "MergeRow"

	// ResolutionThrow aborts the session with CONFLICT_RESOLUTION_ERROR.
	ResolutionThrow ConflictResolution = "Throw"
)

// Conflict is created during apply, consumed by the resolver and discarded.
type Conflict struct {
	Table string
	Type  ConflictType

	// LocalRow is nil when the row does not exist locally.
	LocalRow *SyncRow

	// RemoteRow is the incoming row.
	RemoteRow *SyncRow

	Resolution ConflictResolution

	// FinalRow holds the merged values when Resolution is MergeRow.
	FinalRow Row
}

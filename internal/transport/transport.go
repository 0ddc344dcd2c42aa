// Package transport defines the request/response contract between a client
// agent and a server.
//
// A session talks to the server in a fixed order: EnsureScope, then
// UploadPart for each part of the client's batch and ApplyChanges, then
// RequestChanges and DownloadPart for each served part, and finally
// ReleaseBatch once the client has applied them. Batches move one part at a
// time so that neither side holds a whole batch in memory.
package transport

import (
	"context"

	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/model"
)

// ScopeRequest opens a session on a scope.
type ScopeRequest struct {
	Scope string `json:"scope"`
}

// ScopeResponse is the server side of the scope handshake.
type ScopeResponse struct {
	Definition model.ScopeDefinition `json:"definition"`
	Hash       string                `json:"hash"`

	// OwnerID identifies the server database. Clients record it as the
	// writer of rows they download.
	OwnerID string `json:"owner_id"`

	// LastCleanupTimestamp is the server watermark below which tracking
	// history was deleted.
	LastCleanupTimestamp int64 `json:"last_cleanup_timestamp"`
}

// ApplyRequest asks the server to apply a batch the client uploaded.
type ApplyRequest struct {
	Scope         string `json:"scope"`
	ClientScopeID string `json:"client_scope_id"`

	// Batch is the manifest of the uploaded batch.
	Batch batch.Info `json:"batch"`

	// LastServerSyncTimestamp is the last server timestamp the client has
	// seen. Server rows changed after it conflict with the upload.
	LastServerSyncTimestamp int64 `json:"last_server_sync_timestamp"`
}

// ApplyResponse reports what the server did with an upload.
type ApplyResponse struct {
	Applied   int `json:"applied"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

// ChangesRequest asks the server for its changes.
type ChangesRequest struct {
	Scope         string `json:"scope"`
	ClientScopeID string `json:"client_scope_id"`

	LastServerSyncTimestamp int64 `json:"last_server_sync_timestamp"`

	// Initialize requests every live row instead of changes.
	Initialize bool `json:"initialize"`

	Parameters map[string]any `json:"parameters,omitempty"`
}

// ChangesResponse lists the batches served for a ChangesRequest.
type ChangesResponse struct {
	// ServerTimestamp is the server clock when selection started. The client
	// stores it as its next LastServerSyncTimestamp.
	ServerTimestamp int64 `json:"server_timestamp"`

	// Snapshot is set when an initialization is served from a stored
	// snapshot. Batch then holds the changes made since the snapshot.
	Snapshot *batch.Info `json:"snapshot,omitempty"`

	Batch batch.Info `json:"batch"`
}

// Server is the server side of a session.
type Server interface {
	EnsureScope(ctx context.Context, req ScopeRequest) (*ScopeResponse, error)
	UploadPart(ctx context.Context, scope, batchID string, part batch.Part) error
	ApplyChanges(ctx context.Context, req ApplyRequest) (*ApplyResponse, error)
	RequestChanges(ctx context.Context, req ChangesRequest) (*ChangesResponse, error)
	DownloadPart(ctx context.Context, scope, batchID string, ordinal int) (batch.Part, error)
	ReleaseBatch(ctx context.Context, scope, batchID string) error
}

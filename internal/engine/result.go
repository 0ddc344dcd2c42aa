package engine

import (
	"fmt"
	"time"

	"github.com/roach88/rowsync/internal/model"
)

// SyncResult summarizes one session.
type SyncResult struct {
	Scope    string
	ScopeID  string
	SyncType model.SyncType

	StartTime    time.Time
	CompleteTime time.Time

	TotalChangesUploaded   int
	TotalChangesDownloaded int

	TotalChangesAppliedOnServer int
	TotalChangesAppliedOnClient int

	TotalResolvedConflicts int

	TotalFailedOnServer int
	TotalFailedOnClient int

	// SnapshotApplied is set when the download started from a server snapshot.
	SnapshotApplied bool
}

// Duration returns how long the session took.
func (r *SyncResult) Duration() time.Duration {
	return r.CompleteTime.Sub(r.StartTime)
}

func (r *SyncResult) String() string {
	return fmt.Sprintf("uploaded=%d downloaded=%d applied_server=%d applied_client=%d conflicts=%d failed_server=%d failed_client=%d",
		r.TotalChangesUploaded,
		r.TotalChangesDownloaded,
		r.TotalChangesAppliedOnServer,
		r.TotalChangesAppliedOnClient,
		r.TotalResolvedConflicts,
		r.TotalFailedOnServer,
		r.TotalFailedOnClient)
}

// Package inproc connects an agent to a server in the same process.
//
// Parts cross the boundary CBOR-encoded, as they would over the network,
// so that neither side shares row maps with the other. Failures can be
// injected per operation to exercise the caller's retry handling.
package inproc

import (
	"context"
	"sync"

	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/transport"
)

// Operation names accepted by FailNext.
const (
	OpEnsureScope    = "EnsureScope"
	OpUploadPart     = "UploadPart"
	OpApplyChanges   = "ApplyChanges"
	OpRequestChanges = "RequestChanges"
	OpDownloadPart   = "DownloadPart"
	OpReleaseBatch   = "ReleaseBatch"
)

// Transport forwards calls to a transport.Server.
type Transport struct {
	server transport.Server

	mu     sync.Mutex
	faults map[string][]error
	calls  map[string]int
}

var _ transport.Server = (*Transport)(nil)

// New returns a transport calling server directly.
func New(server transport.Server) *Transport {
	return &Transport{
		server: server,
		faults: make(map[string][]error),
		calls:  make(map[string]int),
	}
}

// FailNext makes the next call of op return err without reaching the
// server. Queued failures are consumed in order.
func (t *Transport) FailNext(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults[op] = append(t.faults[op], err)
}

// Calls returns how many times op was invoked, failed calls included.
func (t *Transport) Calls(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

func (t *Transport) enter(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[op]++
	if q := t.faults[op]; len(q) > 0 {
		t.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (t *Transport) EnsureScope(ctx context.Context, req transport.ScopeRequest) (*transport.ScopeResponse, error) {
	if err := t.enter(OpEnsureScope); err != nil {
		return nil, err
	}
	return t.server.EnsureScope(ctx, req)
}

func (t *Transport) UploadPart(ctx context.Context, scope, batchID string, part batch.Part) error {
	if err := t.enter(OpUploadPart); err != nil {
		return err
	}
	copied, err := copyPart(part)
	if err != nil {
		return err
	}
	return t.server.UploadPart(ctx, scope, batchID, copied)
}

func (t *Transport) ApplyChanges(ctx context.Context, req transport.ApplyRequest) (*transport.ApplyResponse, error) {
	if err := t.enter(OpApplyChanges); err != nil {
		return nil, err
	}
	return t.server.ApplyChanges(ctx, req)
}

func (t *Transport) RequestChanges(ctx context.Context, req transport.ChangesRequest) (*transport.ChangesResponse, error) {
	if err := t.enter(OpRequestChanges); err != nil {
		return nil, err
	}
	return t.server.RequestChanges(ctx, req)
}

func (t *Transport) DownloadPart(ctx context.Context, scope, batchID string, ordinal int) (batch.Part, error) {
	if err := t.enter(OpDownloadPart); err != nil {
		return batch.Part{}, err
	}
	part, err := t.server.DownloadPart(ctx, scope, batchID, ordinal)
	if err != nil {
		return batch.Part{}, err
	}
	return copyPart(part)
}

func (t *Transport) ReleaseBatch(ctx context.Context, scope, batchID string) error {
	if err := t.enter(OpReleaseBatch); err != nil {
		return err
	}
	return t.server.ReleaseBatch(ctx, scope, batchID)
}

func copyPart(p batch.Part) (batch.Part, error) {
	data, err := batch.EncodePart(p)
	if err != nil {
		return batch.Part{}, err
	}
	return batch.DecodePart(data)
}

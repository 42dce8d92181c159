// Package oplog implements the primary, per-worker append-only log (§4.1):
// the live layer every append lands in before the archive mover moves older
// ranges into compressed storage (internal/archive).
package oplog

import (
	"context"
	"fmt"

	"github.com/golemsrv/durability/internal/blobstore"
	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplogentry"
)

// InlinePayloadThreshold is the size in bytes above which a HostCall's
// request/response payload is offloaded to blob storage instead of inlined
// in the entry (§3 expansion, grounded on oplog/blob.rs's large-payload
// split). Payloads at or below the threshold are kept inline so the common
// case of small host-call bodies never pays a blob round trip.
const InlinePayloadThreshold = 1024

// CommitLevel distinguishes the two commit strengths §4.1 calls out.
type CommitLevel int

const (
	// CommitDurableOnly forces durability only for writes made since the
	// last remote-write bracket closed.
	CommitDurableOnly CommitLevel = iota
	// CommitAlways forces every prior append onto stable media.
	CommitAlways
)

// Log is the append-only primary oplog contract (§4.1).
type Log interface {
	// Append atomically extends the log and returns the assigned range.
	// Large HostCall payloads are written to blob storage before the entry
	// becomes observable; a failed payload upload surfaces an error before
	// any entry in the batch is visible (§4.1 edge case).
	Append(ctx context.Context, worker domain.OwnedWorkerId, entries []*oplogentry.Entry) (oplogentry.Range, error)
	// ReadRange returns entries in [from, to), ordered by index.
	ReadRange(ctx context.Context, worker domain.OwnedWorkerId, from, to oplogentry.Index) ([]*oplogentry.Entry, error)
	// GetLastIndex is constant-time for the primary layer; returns None for
	// an empty worker.
	GetLastIndex(ctx context.Context, worker domain.OwnedWorkerId) (oplogentry.Index, error)
	// Commit forces durability at the requested level.
	Commit(ctx context.Context, worker domain.OwnedWorkerId, level CommitLevel) error
	// DropPrefix removes primary entries up to and including lastDropped,
	// called by the archive mover once a range is durably archived (§5
	// ordering: "never before its primary copy is stable" is the caller's
	// responsibility, not this method's).
	DropPrefix(ctx context.Context, worker domain.OwnedWorkerId, lastDropped oplogentry.Index) error
}

// payloadNamespace returns the blob storage namespace for worker payloads,
// mirroring the §6.1 persisted-layout convention for archive namespaces.
func payloadNamespace(worker domain.OwnedWorkerId) string {
	return fmt.Sprintf("payloads/%s/%s", worker.Project, worker.Component)
}

// resolvePayload uploads data to blob storage and returns a reference when
// data exceeds InlinePayloadThreshold, otherwise returns an inline
// PayloadRef. The upload happens before the caller's entry is appended, so a
// failed upload never leaves a pointer record visible (§4.1 edge case).
func resolvePayload(ctx context.Context, store blobstore.Store, worker domain.OwnedWorkerId, data []byte) (oplogentry.PayloadRef, error) {
	if len(data) <= InlinePayloadThreshold {
		return oplogentry.PayloadRef{Inline: data, Size: int64(len(data))}, nil
	}
	hash := contentHash(data)
	ns := payloadNamespace(worker)
	if err := store.Put(ctx, ns, hash, data); err != nil {
		return oplogentry.PayloadRef{}, fmt.Errorf("oplog: offload payload: %w", err)
	}
	return oplogentry.PayloadRef{Namespace: ns, Hash: hash, Size: int64(len(data))}, nil
}

// FetchPayload resolves a PayloadRef back to bytes, fetching from blob
// storage when the ref is offloaded.
func FetchPayload(ctx context.Context, store blobstore.Store, ref oplogentry.PayloadRef) ([]byte, error) {
	if !ref.IsOffloaded() {
		return ref.Inline, nil
	}
	data, err := store.Get(ctx, ref.Namespace, ref.Hash)
	if err != nil {
		return nil, fmt.Errorf("oplog: fetch payload %s/%s: %w", ref.Namespace, ref.Hash, err)
	}
	return data, nil
}

// ResolveHostCallPayload prepares a HostCallPayload's request/response for
// append, offloading either side that exceeds InlinePayloadThreshold. Call
// this before Append for any entry carrying raw request/response bytes.
func ResolveHostCallPayload(ctx context.Context, store blobstore.Store, worker domain.OwnedWorkerId, requestBytes, responseBytes []byte) (request, response oplogentry.PayloadRef, err error) {
	request, err = resolvePayload(ctx, store, worker, requestBytes)
	if err != nil {
		return oplogentry.PayloadRef{}, oplogentry.PayloadRef{}, err
	}
	response, err = resolvePayload(ctx, store, worker, responseBytes)
	if err != nil {
		return oplogentry.PayloadRef{}, oplogentry.PayloadRef{}, err
	}
	return request, response, nil
}

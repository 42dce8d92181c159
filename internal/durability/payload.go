package durability

import (
	"context"

	"github.com/golemsrv/durability/internal/blobstore"
	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplog"
	"github.com/golemsrv/durability/internal/oplogentry"
)

// BlobPayloadResolver is the production PayloadResolver, delegating to
// internal/oplog's inline/offload threshold logic against a blob store.
type BlobPayloadResolver struct {
	Store blobstore.Store
}

func (b *BlobPayloadResolver) Resolve(ctx context.Context, worker domain.OwnedWorkerId, requestBytes, responseBytes []byte) (oplogentry.PayloadRef, oplogentry.PayloadRef, error) {
	return oplog.ResolveHostCallPayload(ctx, b.Store, worker, requestBytes, responseBytes)
}

func (b *BlobPayloadResolver) Fetch(ctx context.Context, ref oplogentry.PayloadRef) ([]byte, error) {
	return oplog.FetchPayload(ctx, b.Store, ref)
}

var _ PayloadResolver = (*BlobPayloadResolver)(nil)

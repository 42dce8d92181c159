// Package archive implements the hierarchical, compressed oplog archive
// (§4.2): layers 1..N of immutable chunks, an LRU entry cache in front of
// them, and the background mover that promotes primary-layer ranges into
// compressed storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/golemsrv/durability/internal/blobstore"
	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/golemerr"
	"github.com/golemsrv/durability/internal/oplogentry"
)

// MaxChunkEntries bounds how many entries one compressed chunk may hold
// (§4.1 edge case: "chunk size is bounded to <= 4096 entries").
const MaxChunkEntries = 4096

// Chunk is the unit one archive blob holds: a consecutive range of entries,
// compressed as one unit (§4.2, §6.1 CompressedOplogChunk).
type Chunk struct {
	Count   uint64
	Entries []*oplogentry.Entry
}

// FirstIndex returns the first entry's index given the chunk's last index.
func (c Chunk) FirstIndex(lastIndex oplogentry.Index) oplogentry.Index {
	return lastIndex.Subtract(c.Count - 1)
}

func namespace(project domain.ProjectID, component domain.ComponentID, layer int) string {
	return fmt.Sprintf("CompressedOplog/%s/%s/level=%d", project, component, layer)
}

func chunkPath(worker domain.WorkerID, lastIndex oplogentry.Index) string {
	return fmt.Sprintf("%s/%d", worker, lastIndex)
}

// Service is the OplogArchiveService contract (§4.2).
type Service interface {
	Open(worker domain.OwnedWorkerId) *Archive
	ScanForComponent(ctx context.Context, project domain.ProjectID, component domain.ComponentID, cursor uint64, count int) (nextCursor uint64, workers []domain.OwnedWorkerId, err error)
}

// MultiLayerService implements Service over one or more numbered layers,
// each backed by blob storage with an index recording which chunks exist.
type MultiLayerService struct {
	store  blobstore.Store
	index  Index
	layer  int
	cache  *entryCache
}

// NewMultiLayerService constructs a single archive layer. Layer numbering
// starts at 1 (§4.2: "Layer 0 is the live primary").
func NewMultiLayerService(store blobstore.Store, index Index, layer int, cacheCapacity int) *MultiLayerService {
	return &MultiLayerService{store: store, index: index, layer: layer, cache: newEntryCache(cacheCapacity)}
}

func (s *MultiLayerService) Open(worker domain.OwnedWorkerId) *Archive {
	return &Archive{svc: s, worker: worker}
}

func (s *MultiLayerService) ScanForComponent(ctx context.Context, project domain.ProjectID, component domain.ComponentID, cursor uint64, count int) (uint64, []domain.OwnedWorkerId, error) {
	if cursor != 0 {
		return 0, nil, fmt.Errorf("archive: scan_for_component: non-zero cursor is not supported")
	}
	workers, err := s.index.WorkersForComponent(ctx, project, component, s.layer)
	if err != nil {
		return 0, nil, fmt.Errorf("archive: scan_for_component: %w", err)
	}
	if count > 0 && len(workers) > count {
		workers = workers[:count]
	}
	return 0, workers, nil
}

// Archive is a per-worker handle into one layer (§4.2 "open(worker)").
type Archive struct {
	svc    *MultiLayerService
	worker domain.OwnedWorkerId
}

var encoder, _ = zstd.NewWriter(nil)
var decoder, _ = zstd.NewReader(nil)

func compressChunk(chunk Chunk) ([]byte, error) {
	raw, err := encodeChunk(chunk)
	if err != nil {
		return nil, err
	}
	return encoder.EncodeAll(raw, nil), nil
}

func decompressChunk(compressed []byte) (Chunk, error) {
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return Chunk{}, fmt.Errorf("archive: decompress chunk: %w", err)
	}
	return decodeChunk(raw)
}

// Append chunks entries into groups of at most MaxChunkEntries, compresses
// each, and writes it under worker_name/<last_index>, updating the index
// (§4.2). An empty entries slice is a no-op, making append idempotent when
// called twice with nothing new (§8 "Archive idempotence").
func (a *Archive) Append(ctx context.Context, entries []*oplogentry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ns := namespace(a.worker.Project, a.worker.Component, a.svc.layer)
	for start := 0; start < len(entries); start += MaxChunkEntries {
		end := start + MaxChunkEntries
		if end > len(entries) {
			end = len(entries)
		}
		group := entries[start:end]
		lastIndex := group[len(group)-1].Index
		chunk := Chunk{Count: uint64(len(group)), Entries: group}
		compressed, err := compressChunk(chunk)
		if err != nil {
			return fmt.Errorf("archive: compress chunk ending %d: %w", lastIndex, err)
		}
		path := chunkPath(a.worker.Worker, lastIndex)
		if err := a.svc.store.Put(ctx, ns, path, compressed); err != nil {
			return fmt.Errorf("archive: write chunk %s/%s: %w", ns, path, err)
		}
		if err := a.svc.index.RecordChunk(ctx, a.worker, a.svc.layer, chunk.FirstIndex(lastIndex), lastIndex); err != nil {
			return fmt.Errorf("archive: index chunk %s/%s: %w", ns, path, err)
		}
	}
	return nil
}

// Read returns at most n entries ending at idx (descending scan), serving
// from the LRU entry cache first and falling through to blob storage on
// miss (§4.2). Returns an empty slice, not an error, if no chunk in this
// layer contains idx — the caller falls through to the next layer.
func (a *Archive) Read(ctx context.Context, idx oplogentry.Index, n int) ([]*oplogentry.Entry, error) {
	if cached, ok := a.svc.cache.get(a.worker, idx); ok {
		return takeDescending(cached, idx, n), nil
	}

	meta, ok, err := a.svc.index.FindChunkContaining(ctx, a.worker, a.svc.layer, idx)
	if err != nil {
		return nil, fmt.Errorf("archive: locate chunk for index %d: %w", idx, err)
	}
	if !ok {
		return nil, nil
	}

	ns := namespace(a.worker.Project, a.worker.Component, a.svc.layer)
	path := chunkPath(a.worker.Worker, meta.LastIndex)
	compressed, err := a.svc.store.Get(ctx, ns, path)
	if err != nil {
		return nil, fmt.Errorf("archive: read chunk %s/%s: %w", ns, path, err)
	}
	chunk, err := decompressChunk(compressed)
	if err != nil {
		return nil, err
	}
	a.svc.cache.put(a.worker, chunk.Entries)
	return takeDescending(chunk.Entries, idx, n), nil
}

// DropPrefix deletes every chunk whose last index <= lastDroppedID; if the
// worker directory empties, the directory itself is deleted (§4.2, §8
// boundary behavior).
func (a *Archive) DropPrefix(ctx context.Context, lastDroppedID oplogentry.Index) error {
	chunks, err := a.svc.index.ChunksUpTo(ctx, a.worker, a.svc.layer, lastDroppedID)
	if err != nil {
		return fmt.Errorf("archive: drop_prefix locate chunks: %w", err)
	}
	ns := namespace(a.worker.Project, a.worker.Component, a.svc.layer)
	for _, m := range chunks {
		path := chunkPath(a.worker.Worker, m.LastIndex)
		if err := a.svc.store.Delete(ctx, ns, path); err != nil {
			return fmt.Errorf("archive: delete chunk %s/%s: %w", ns, path, err)
		}
		if err := a.svc.index.RemoveChunk(ctx, a.worker, a.svc.layer, m.LastIndex); err != nil {
			return fmt.Errorf("archive: deindex chunk %s/%s: %w", ns, path, err)
		}
	}
	remaining, err := a.svc.index.AnyChunks(ctx, a.worker, a.svc.layer)
	if err != nil {
		return fmt.Errorf("archive: check remaining chunks: %w", err)
	}
	if !remaining {
		if err := a.svc.store.Delete(ctx, ns, string(a.worker.Worker)); err != nil {
			// Best effort: a plain blob store has no real "directory" to
			// remove once every object prefixed by it is gone; S3 in
			// particular has no directory object at all.
			_ = err
		}
	}
	return nil
}

func takeDescending(entries []*oplogentry.Entry, idx oplogentry.Index, n int) []*oplogentry.Entry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	var out []*oplogentry.Entry
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		if entries[i].Index <= idx {
			out = append([]*oplogentry.Entry{entries[i]}, out...)
		}
	}
	return out
}

func encodeChunk(chunk Chunk) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range chunk.Entries {
		b, err := oplogentry.Encode(e)
		if err != nil {
			return nil, err
		}
		if err := writeFrame(&buf, b); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeChunk(raw []byte) (Chunk, error) {
	r := bytes.NewReader(raw)
	var entries []*oplogentry.Entry
	for r.Len() > 0 {
		frame, err := readFrame(r)
		if err != nil {
			return Chunk{}, fmt.Errorf("archive: decode chunk frame: %w", err)
		}
		e, err := oplogentry.Decode(frame)
		if err != nil {
			return Chunk{}, fmt.Errorf("archive: decode chunk entry: %w", err)
		}
		entries = append(entries, e)
	}
	return Chunk{Count: uint64(len(entries)), Entries: entries}, nil
}

// ReadThroughLayers performs the newest->oldest layer fall-through
// described in §5 ordering guarantees, for a reader that has run out of
// primary-layer (layer 0) entries going backward from idx.
func ReadThroughLayers(ctx context.Context, layers []*Archive, idx oplogentry.Index, n int) ([]*oplogentry.Entry, error) {
	var out []*oplogentry.Entry
	remaining := n
	cursor := idx
	failed := 0
	var lastErr error
	for _, layer := range layers {
		if remaining <= 0 {
			break
		}
		entries, err := layer.Read(ctx, cursor, remaining)
		if err != nil {
			// A single failed layer falls back to the next; only when every
			// layer fails is the read reported as Transport (§7 Local recovery).
			failed++
			lastErr = err
			continue
		}
		if len(entries) == 0 {
			continue
		}
		out = append(entries, out...)
		remaining -= len(entries)
		cursor = entries[0].Index.Previous()
	}
	if len(layers) > 0 && failed == len(layers) {
		return nil, golemerr.Transport(lastErr, "archive: every layer failed reading index %d", idx)
	}
	return out, nil
}

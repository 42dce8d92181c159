package archive

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplogentry"
)

// ChunkMeta is one chunk's index entry: worker_name, layer, last_index,
// count (§6.1).
type ChunkMeta struct {
	FirstIndex oplogentry.Index
	LastIndex  oplogentry.Index
}

// Index tracks which chunks exist per (worker, layer) without requiring a
// directory listing on every read (§4.2).
type Index interface {
	RecordChunk(ctx context.Context, worker domain.OwnedWorkerId, layer int, first, last oplogentry.Index) error
	RemoveChunk(ctx context.Context, worker domain.OwnedWorkerId, layer int, last oplogentry.Index) error
	FindChunkContaining(ctx context.Context, worker domain.OwnedWorkerId, layer int, idx oplogentry.Index) (ChunkMeta, bool, error)
	ChunksUpTo(ctx context.Context, worker domain.OwnedWorkerId, layer int, last oplogentry.Index) ([]ChunkMeta, error)
	AnyChunks(ctx context.Context, worker domain.OwnedWorkerId, layer int) (bool, error)
	WorkersForComponent(ctx context.Context, project domain.ProjectID, component domain.ComponentID, layer int) ([]domain.OwnedWorkerId, error)
}

// MemoryIndex is an in-process Index for tests.
type MemoryIndex struct {
	mu     sync.Mutex
	chunks map[indexKey][]ChunkMeta
}

type indexKey struct {
	worker domain.OwnedWorkerId
	layer  int
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{chunks: make(map[indexKey][]ChunkMeta)}
}

func (m *MemoryIndex) RecordChunk(_ context.Context, worker domain.OwnedWorkerId, layer int, first, last oplogentry.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := indexKey{worker, layer}
	m.chunks[k] = append(m.chunks[k], ChunkMeta{FirstIndex: first, LastIndex: last})
	sort.Slice(m.chunks[k], func(i, j int) bool { return m.chunks[k][i].LastIndex < m.chunks[k][j].LastIndex })
	return nil
}

func (m *MemoryIndex) RemoveChunk(_ context.Context, worker domain.OwnedWorkerId, layer int, last oplogentry.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := indexKey{worker, layer}
	kept := m.chunks[k][:0:0]
	for _, c := range m.chunks[k] {
		if c.LastIndex != last {
			kept = append(kept, c)
		}
	}
	m.chunks[k] = kept
	return nil
}

func (m *MemoryIndex) FindChunkContaining(_ context.Context, worker domain.OwnedWorkerId, layer int, idx oplogentry.Index) (ChunkMeta, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := indexKey{worker, layer}
	// "locates the smallest chunk whose last index >= target" (§4.2).
	for _, c := range m.chunks[k] {
		if c.LastIndex >= idx && c.FirstIndex <= idx {
			return c, true, nil
		}
		if c.LastIndex >= idx {
			// Smallest such chunk by last_index, but idx precedes its
			// first_index: no chunk in this layer actually contains idx.
			return ChunkMeta{}, false, nil
		}
	}
	return ChunkMeta{}, false, nil
}

func (m *MemoryIndex) ChunksUpTo(_ context.Context, worker domain.OwnedWorkerId, layer int, last oplogentry.Index) ([]ChunkMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := indexKey{worker, layer}
	var out []ChunkMeta
	for _, c := range m.chunks[k] {
		if c.LastIndex <= last {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryIndex) AnyChunks(_ context.Context, worker domain.OwnedWorkerId, layer int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks[indexKey{worker, layer}]) > 0, nil
}

func (m *MemoryIndex) WorkersForComponent(_ context.Context, project domain.ProjectID, component domain.ComponentID, layer int) ([]domain.OwnedWorkerId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[domain.OwnedWorkerId]struct{})
	var out []domain.OwnedWorkerId
	for k, chunks := range m.chunks {
		if k.layer != layer || k.worker.Project != project || k.worker.Component != component || len(chunks) == 0 {
			continue
		}
		if _, ok := seen[k.worker]; !ok {
			seen[k.worker] = struct{}{}
			out = append(out, k.worker)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out, nil
}

var _ Index = (*MemoryIndex)(nil)

// PostgresIndex is the production Index, one row per chunk, following the
// teacher's raw-SQL-over-pgxpool convention (§6.1).
type PostgresIndex struct {
	pool *pgxpool.Pool
}

func NewPostgresIndex(pool *pgxpool.Pool) *PostgresIndex {
	return &PostgresIndex{pool: pool}
}

func (p *PostgresIndex) RecordChunk(ctx context.Context, worker domain.OwnedWorkerId, layer int, first, last oplogentry.Index) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO archive_chunks (project, component, worker, layer, first_index, last_index, count)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (project, component, worker, layer, last_index) DO UPDATE SET first_index = EXCLUDED.first_index, count = EXCLUDED.count`,
		worker.Project, worker.Component, worker.Worker, layer, uint64(first), uint64(last), uint64(last-first)+1)
	if err != nil {
		return fmt.Errorf("archive: record chunk: %w", err)
	}
	return nil
}

func (p *PostgresIndex) RemoveChunk(ctx context.Context, worker domain.OwnedWorkerId, layer int, last oplogentry.Index) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM archive_chunks WHERE project=$1 AND component=$2 AND worker=$3 AND layer=$4 AND last_index=$5`,
		worker.Project, worker.Component, worker.Worker, layer, uint64(last))
	if err != nil {
		return fmt.Errorf("archive: remove chunk: %w", err)
	}
	return nil
}

func (p *PostgresIndex) FindChunkContaining(ctx context.Context, worker domain.OwnedWorkerId, layer int, idx oplogentry.Index) (ChunkMeta, bool, error) {
	var meta ChunkMeta
	var first, last uint64
	err := p.pool.QueryRow(ctx, `
		SELECT first_index, last_index FROM archive_chunks
		WHERE project=$1 AND component=$2 AND worker=$3 AND layer=$4 AND last_index >= $5
		ORDER BY last_index ASC LIMIT 1`,
		worker.Project, worker.Component, worker.Worker, layer, uint64(idx)).Scan(&first, &last)
	if err != nil {
		return ChunkMeta{}, false, nil
	}
	meta = ChunkMeta{FirstIndex: oplogentry.Index(first), LastIndex: oplogentry.Index(last)}
	if meta.FirstIndex > idx {
		return ChunkMeta{}, false, nil
	}
	return meta, true, nil
}

func (p *PostgresIndex) ChunksUpTo(ctx context.Context, worker domain.OwnedWorkerId, layer int, last oplogentry.Index) ([]ChunkMeta, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT first_index, last_index FROM archive_chunks
		WHERE project=$1 AND component=$2 AND worker=$3 AND layer=$4 AND last_index <= $5`,
		worker.Project, worker.Component, worker.Worker, layer, uint64(last))
	if err != nil {
		return nil, fmt.Errorf("archive: chunks_up_to: %w", err)
	}
	defer rows.Close()
	var out []ChunkMeta
	for rows.Next() {
		var f, l uint64
		if err := rows.Scan(&f, &l); err != nil {
			return nil, fmt.Errorf("archive: scan chunk: %w", err)
		}
		out = append(out, ChunkMeta{FirstIndex: oplogentry.Index(f), LastIndex: oplogentry.Index(l)})
	}
	return out, rows.Err()
}

func (p *PostgresIndex) AnyChunks(ctx context.Context, worker domain.OwnedWorkerId, layer int) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM archive_chunks WHERE project=$1 AND component=$2 AND worker=$3 AND layer=$4)`,
		worker.Project, worker.Component, worker.Worker, layer).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("archive: any_chunks: %w", err)
	}
	return exists, nil
}

func (p *PostgresIndex) WorkersForComponent(ctx context.Context, project domain.ProjectID, component domain.ComponentID, layer int) ([]domain.OwnedWorkerId, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT worker FROM archive_chunks WHERE project=$1 AND component=$2 AND layer=$3 ORDER BY worker`,
		project, component, layer)
	if err != nil {
		return nil, fmt.Errorf("archive: workers_for_component: %w", err)
	}
	defer rows.Close()
	var out []domain.OwnedWorkerId
	for rows.Next() {
		var w domain.WorkerID
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("archive: scan worker: %w", err)
		}
		out = append(out, domain.OwnedWorkerId{Project: project, Component: component, Worker: w})
	}
	return out, rows.Err()
}

var _ Index = (*PostgresIndex)(nil)

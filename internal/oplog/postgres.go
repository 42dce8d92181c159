package oplog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplogentry"
)

// PostgresLog is the production Log, one row per entry, following the
// teacher's raw-SQL-over-pgxpool convention (no ORM, explicit columns,
// %w-wrapped errors throughout).
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog wraps an already-migrated pool. Schema DDL lives in
// internal/migrations, not here (§6.1 expansion).
func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

func (p *PostgresLog) Append(ctx context.Context, worker domain.OwnedWorkerId, entries []*oplogentry.Entry) (oplogentry.Range, error) {
	if len(entries) == 0 {
		last, err := p.GetLastIndex(ctx, worker)
		if err != nil {
			return oplogentry.Range{}, err
		}
		return oplogentry.Range{From: last.Next(), To: last.Next()}, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return oplogentry.Range{}, fmt.Errorf("oplog: begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var lastIdx oplogentry.Index
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(index), 0) FROM oplog_entries
		WHERE project = $1 AND component = $2 AND worker = $3`,
		worker.Project, worker.Component, worker.Worker).Scan(&lastIdx)
	if err != nil {
		return oplogentry.Range{}, fmt.Errorf("oplog: read last index: %w", err)
	}

	for _, e := range entries {
		if err := validateJump(int(lastIdx), e); err != nil {
			return oplogentry.Range{}, err
		}
	}

	from := lastIdx.Next()
	for i, e := range entries {
		e.Index = from + oplogentry.Index(i)
		payload, err := oplogentry.Encode(e)
		if err != nil {
			return oplogentry.Range{}, fmt.Errorf("oplog: encode entry %d: %w", e.Index, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO oplog_entries (project, component, worker, index, kind, entry, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			worker.Project, worker.Component, worker.Worker, uint64(e.Index), string(e.Kind), payload, e.Timestamp)
		if err != nil {
			return oplogentry.Range{}, fmt.Errorf("oplog: insert entry %d: %w", e.Index, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return oplogentry.Range{}, fmt.Errorf("oplog: commit append tx: %w", err)
	}
	to := from.RangeEnd(uint64(len(entries)))
	return oplogentry.Range{From: from, To: to}, nil
}

func (p *PostgresLog) ReadRange(ctx context.Context, worker domain.OwnedWorkerId, from, to oplogentry.Index) ([]*oplogentry.Entry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT entry FROM oplog_entries
		WHERE project = $1 AND component = $2 AND worker = $3 AND index >= $4 AND index < $5
		ORDER BY index ASC`,
		worker.Project, worker.Component, worker.Worker, uint64(from), uint64(to))
	if err != nil {
		return nil, fmt.Errorf("oplog: read_range %d..%d: %w", from, to, err)
	}
	defer rows.Close()

	var out []*oplogentry.Entry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("oplog: scan entry: %w", err)
		}
		e, err := oplogentry.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("oplog: decode entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("oplog: read_range rows: %w", err)
	}
	return out, nil
}

func (p *PostgresLog) GetLastIndex(ctx context.Context, worker domain.OwnedWorkerId) (oplogentry.Index, error) {
	var idx uint64
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(index), 0) FROM oplog_entries
		WHERE project = $1 AND component = $2 AND worker = $3`,
		worker.Project, worker.Component, worker.Worker).Scan(&idx)
	if err != nil {
		return oplogentry.None, fmt.Errorf("oplog: get_last_index: %w", err)
	}
	return oplogentry.Index(idx), nil
}

// Commit is a no-op beyond the transaction Append already committed:
// pgx/v5 over a Postgres connection is synchronously durable once COMMIT
// returns, for both CommitDurableOnly and CommitAlways, so the level is
// ignored here.
func (p *PostgresLog) Commit(_ context.Context, _ domain.OwnedWorkerId, _ CommitLevel) error {
	return nil
}

func (p *PostgresLog) DropPrefix(ctx context.Context, worker domain.OwnedWorkerId, lastDropped oplogentry.Index) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM oplog_entries
		WHERE project = $1 AND component = $2 AND worker = $3 AND index <= $4`,
		worker.Project, worker.Component, worker.Worker, uint64(lastDropped))
	if err != nil {
		return fmt.Errorf("oplog: drop_prefix <= %d: %w", lastDropped, err)
	}
	return nil
}

var _ Log = (*PostgresLog)(nil)

// Package replay implements the per-worker replay cursor (§4.3): the
// single-threaded state machine that decides, for each upcoming oplog
// position, whether a host call's wrapper should replay a stored response
// or execute the real side effect and append a new record.
package replay

import (
	"context"
	"fmt"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplog"
	"github.com/golemsrv/durability/internal/oplogentry"
)

// InterruptKind is checked at each entry during replay (§4.3). These are
// not errors: they unwind execution and are handled here, not propagated as
// golemerr.Error values.
type InterruptKind int

const (
	InterruptNone InterruptKind = iota
	InterruptSuspend
	InterruptInterrupt
	InterruptRestart
	InterruptJump
)

// Cursor advances through a worker's non-deleted oplog, starting in replay
// mode and transitioning to live the instant it runs out of recorded
// history (§4.3).
type Cursor struct {
	log    oplog.Log
	worker domain.OwnedWorkerId

	deleted *oplogentry.DeletedRegions
	next    oplogentry.Index
	target  oplogentry.Index // last index recorded when replay started
	isLive  bool
}

// NewCursor opens a cursor starting replay from the given index (usually
// Initial) against the oplog's current last index.
func NewCursor(ctx context.Context, log oplog.Log, worker domain.OwnedWorkerId, deleted *oplogentry.DeletedRegions, from oplogentry.Index) (*Cursor, error) {
	last, err := log.GetLastIndex(ctx, worker)
	if err != nil {
		return nil, fmt.Errorf("replay: get_last_index: %w", err)
	}
	if deleted == nil {
		deleted = oplogentry.NewDeletedRegions()
	}
	c := &Cursor{log: log, worker: worker, deleted: deleted, next: from, target: last}
	c.isLive = c.next > c.target
	return c, nil
}

// IsLive reports whether the cursor has exhausted recorded history.
func (c *Cursor) IsLive() bool { return c.isLive }

// RefreshTarget re-reads the oplog's last index; entries appended
// concurrently since replay started become visible to subsequent Next calls
// (§4.3 "if refresh_replay_target is set on resume").
func (c *Cursor) RefreshTarget(ctx context.Context) error {
	last, err := c.log.GetLastIndex(ctx, c.worker)
	if err != nil {
		return fmt.Errorf("replay: refresh target: %w", err)
	}
	c.target = last
	c.isLive = c.next > c.target
	return nil
}

// Next returns the next non-deleted entry for replay, or nil if the cursor
// has caught up to live mode. Interrupt-bearing entries are returned to the
// caller (via their Kind) rather than special-cased here; ClassifyInterrupt
// maps a Kind to its InterruptKind.
func (c *Cursor) Next(ctx context.Context) (*oplogentry.Entry, error) {
	for {
		if c.next > c.target {
			c.isLive = true
			return nil, nil
		}
		if c.deleted.Contains(c.next) {
			c.next = c.next.Next()
			continue
		}
		entries, err := c.log.ReadRange(ctx, c.worker, c.next, c.next.Next())
		if err != nil {
			return nil, fmt.Errorf("replay: read entry %d: %w", c.next, err)
		}
		if len(entries) == 0 {
			// The index was visible a moment ago (target) but the entry is
			// gone now: a concurrent drop_prefix raced ahead of us. Treat
			// as transparently skipped, matching §5's eventual-consistency
			// guarantee for archive moves.
			c.next = c.next.Next()
			continue
		}
		entry := entries[0]
		c.next = c.next.Next()
		return entry, nil
	}
}

// classifyInterrupt maps an entry's Kind to the InterruptKind the replay
// engine must honour (§4.3 Cancellation).
func classifyInterrupt(kind oplogentry.Kind) InterruptKind {
	switch kind {
	case oplogentry.KindSuspend:
		return InterruptSuspend
	case oplogentry.KindInterrupted:
		return InterruptInterrupt
	case oplogentry.KindRestart:
		return InterruptRestart
	case oplogentry.KindJump:
		return InterruptJump
	default:
		return InterruptNone
	}
}

// ClassifyInterrupt is the exported form of classifyInterrupt, for a caller
// deciding whether to halt after consuming an entry from Next.
func ClassifyInterrupt(kind oplogentry.Kind) InterruptKind {
	return classifyInterrupt(kind)
}
